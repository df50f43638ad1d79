package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/spread_sentinel/internal/models"
	"github.com/eddiefleurent/spread_sentinel/internal/retry"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestAPI(t *testing.T, handler http.HandlerFunc) *TastyAPI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	rc := retry.NewClient(quietLogger(), retry.Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
	api := NewTastyAPI(srv.URL, "5WT0001", quietLogger(), WithRetry(rc))
	api.SetSessionToken("tok-123")
	return api
}

func TestLogin(t *testing.T) {
	var got map[string]any
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sessions", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"data":{"session-token":"new-session","remember-token":"rem",` +
			`"user":{"username":"trader"}},"context":"/sessions"}`))
	})
	api.SetSessionToken("")

	sess, err := api.Login(context.Background(), "trader", "secret", true)
	require.NoError(t, err)
	assert.Equal(t, "new-session", sess.SessionToken)
	assert.Equal(t, "rem", sess.RememberToken)
	assert.Equal(t, "new-session", api.SessionToken())
	assert.Equal(t, "trader", got["login"])
	assert.Equal(t, true, got["remember-me"])
}

func TestGetPositions(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/5WT0001/positions", r.URL.Path)
		assert.Equal(t, "tok-123", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":{"items":[
			{"symbol":"SPY   250117P00450000","instrument-type":"Equity Option",
			 "underlying-symbol":"SPY","quantity":2,"quantity-direction":"Short"}]}}`))
	})

	items, err := api.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	rec := items[0].Record()
	assert.Equal(t, models.LegRecord{
		Symbol:         "SPY   250117P00450000",
		Underlying:     "SPY",
		InstrumentType: "Equity Option",
		Direction:      "Short",
		Quantity:       2,
	}, rec)
}

func TestGetStreamerSymbol(t *testing.T) {
	tests := []struct {
		name     string
		symbol   string
		it       models.InstrumentType
		wantPath string
	}{
		{"equity", "SPY", models.InstrumentEquity, "/instruments/equities/SPY"},
		{"future", "/ESZ5", models.InstrumentFuture, "/instruments/futures/%2FESZ5"},
		{"equity option", "SPY   250117P00450000", models.InstrumentEquityOption,
			"/instruments/equity-options/SPY%20%20%20250117P00450000"},
		{"future option", "./ESZ5 EW4Z5 251128P6000", models.InstrumentFutureOption,
			"/instruments/future-options/.%2FESZ5%20EW4Z5%20251128P6000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.wantPath, r.URL.EscapedPath())
				_, _ = w.Write([]byte(`{"data":{"symbol":"x","streamer-symbol":"STREAM"}}`))
			})
			got, err := api.GetStreamerSymbol(context.Background(), tt.symbol, tt.it)
			require.NoError(t, err)
			assert.Equal(t, "STREAM", got)
		})
	}

	t.Run("unsupported instrument", func(t *testing.T) {
		api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
			t.Error("no request expected")
		})
		_, err := api.GetStreamerSymbol(context.Background(), "BTC/USD", "Cryptocurrency")
		assert.ErrorIs(t, err, models.ErrUnsupportedInstrument)
	})
}

func TestDryRunOrder(t *testing.T) {
	var got Order
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/5WT0001/orders/dry-run", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"data":{"order":{"id":0,"status":"Received","underlying-symbol":"SPY",
			"legs":[{"symbol":"SPY   250117P00450000","quantity":1,"action":"Buy to Close"}]}}}`))
	})

	order := Order{
		TimeInForce: TimeInForceDay,
		OrderType:   OrderTypeLimit,
		Price:       decimal.RequireFromString("1.25"),
		PriceEffect: PriceEffectDebit,
		Legs: []OrderLeg{{
			InstrumentType: "Equity Option",
			Symbol:         "SPY   250117P00450000",
			Quantity:       1,
			Action:         ActionBuyToClose,
		}},
	}
	data, err := api.DryRunOrder(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, order, got)
	assert.Equal(t, "Received", data.Status)
	assert.Equal(t, []string{"SPY   250117P00450000"}, data.Symbols())
}

func TestRetriesTransientStatus(t *testing.T) {
	calls := 0
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"token":"dx","dxlink-url":"wss://x","level":"api"}}`))
	})

	tok, err := api.GetQuoteToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dx", tok.Token)
	assert.Equal(t, 3, calls)
}

func TestPermanentErrorNotRetried(t *testing.T) {
	calls := 0
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"token_invalid","message":"This login session has expired"}}`))
	})

	_, err := api.GetLiveOrders(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	kind, ok := apiErr.Kind()
	require.True(t, ok)
	assert.Equal(t, AuthorizationError, kind)
	assert.Equal(t, "token_invalid", apiErr.Identifier())
	assert.Contains(t, err.Error(), "This login session has expired")
}

func TestRequiresSession(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	api.SetSessionToken("")
	_, err := api.GetPositions(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}
