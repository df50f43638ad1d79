package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/spread_sentinel/internal/broker"
	"github.com/eddiefleurent/spread_sentinel/internal/config"
	"github.com/eddiefleurent/spread_sentinel/internal/mock"
	"github.com/eddiefleurent/spread_sentinel/internal/models"
	"github.com/eddiefleurent/spread_sentinel/internal/storage"
)

type fakeSessionAPI struct {
	token        string
	validateErr  error
	loginErr     error
	rememberErr  error
	logins       int
	rememberUsed string
}

func (f *fakeSessionAPI) SetSessionToken(token string) { f.token = token }

func (f *fakeSessionAPI) ValidateSession(context.Context) error { return f.validateErr }

func (f *fakeSessionAPI) Login(_ context.Context, login, password string, rememberMe bool) (*broker.Session, error) {
	f.logins++
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &broker.Session{SessionToken: "fresh-token", RememberToken: "fresh-remember"}, nil
}

func (f *fakeSessionAPI) LoginWithRememberToken(_ context.Context, login, rememberToken string) (*broker.Session, error) {
	f.rememberUsed = rememberToken
	if f.rememberErr != nil {
		return nil, f.rememberErr
	}
	return &broker.Session{SessionToken: "remembered-token"}, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var brokerCfg = config.BrokerConfig{Login: "trader", Password: "pw", RememberMe: true, AccountID: "5WT1"}

func TestAuthenticateReusesValidSession(t *testing.T) {
	store := storage.NewMockStorage()
	require.NoError(t, store.SaveSession(storage.SessionRecord{Login: "trader", SessionToken: "saved"}))
	api := &fakeSessionAPI{}

	require.NoError(t, authenticate(context.Background(), api, store, brokerCfg, quietLogger()))
	assert.Equal(t, "saved", api.token)
	assert.Zero(t, api.logins)
	assert.Equal(t, 1, store.GetSaveCallCount())
}

func TestAuthenticateFallsBackToRememberToken(t *testing.T) {
	store := storage.NewMockStorage()
	require.NoError(t, store.SaveSession(storage.SessionRecord{
		Login: "trader", SessionToken: "expired", RememberToken: "keep-me",
	}))
	api := &fakeSessionAPI{validateErr: &broker.APIError{Status: 401}}

	require.NoError(t, authenticate(context.Background(), api, store, brokerCfg, quietLogger()))
	assert.Equal(t, "keep-me", api.rememberUsed)
	assert.Zero(t, api.logins)

	rec, err := store.LoadSession()
	require.NoError(t, err)
	assert.Equal(t, "remembered-token", rec.SessionToken)
	assert.Equal(t, "keep-me", rec.RememberToken)
}

func TestAuthenticateFallsBackToPassword(t *testing.T) {
	store := storage.NewMockStorage()
	require.NoError(t, store.SaveSession(storage.SessionRecord{
		Login: "trader", RememberToken: "stale",
	}))
	api := &fakeSessionAPI{rememberErr: errors.New("expired")}

	require.NoError(t, authenticate(context.Background(), api, store, brokerCfg, quietLogger()))
	assert.Equal(t, 1, api.logins)

	rec, err := store.LoadSession()
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", rec.SessionToken)
	assert.Equal(t, "fresh-remember", rec.RememberToken)
}

func TestAuthenticateIgnoresOtherLogin(t *testing.T) {
	store := storage.NewMockStorage()
	require.NoError(t, store.SaveSession(storage.SessionRecord{Login: "someone-else", SessionToken: "theirs"}))
	api := &fakeSessionAPI{}

	require.NoError(t, authenticate(context.Background(), api, store, brokerCfg, quietLogger()))
	assert.Empty(t, api.token)
	assert.Equal(t, 1, api.logins)
}

func TestAuthenticateWithoutCredentials(t *testing.T) {
	cfg := brokerCfg
	cfg.Password = ""
	err := authenticate(context.Background(), &fakeSessionAPI{}, storage.NewMockStorage(), cfg, quietLogger())
	assert.ErrorIs(t, err, errNoCredentials)
}

func TestAuthenticateLoginError(t *testing.T) {
	api := &fakeSessionAPI{loginErr: &broker.APIError{Status: 401, Body: "bad password"}}
	err := authenticate(context.Background(), api, storage.NewMockStorage(), brokerCfg, quietLogger())
	require.Error(t, err)

	var apiErr *broker.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestPrintPositions(t *testing.T) {
	exp := time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)
	b := mock.NewBroker()
	items := mock.IronCondor("SPY", exp, 480, 490, 520, 530)
	items = append(items, mock.CreditSpread("AAPL", exp, models.Put, 150, 145)...)
	b.SetPositions(items...)

	var out bytes.Buffer
	require.NoError(t, printPositions(context.Background(), b, &out, quietLogger()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "UNDERLYING"))
	assert.True(t, strings.HasPrefix(lines[1], "AAPL"))
	assert.Contains(t, lines[2], "IronCondor")
}

func TestLookup(t *testing.T) {
	b := mock.NewBroker()
	b.SetStreamerSymbol("/ESZ4", "/ES:XCME")

	var out bytes.Buffer
	require.NoError(t, lookup(context.Background(), b, "/ESZ4", models.InstrumentFuture, &out))
	assert.Equal(t, "/ES:XCME\n", out.String())

	err := lookup(context.Background(), b, "NOPE  250117C00100000", models.InstrumentEquityOption, &out)
	assert.Error(t, err)
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "positions", "lookup", "liquidate"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestLiquidate(t *testing.T) {
	exp := time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)
	b := mock.NewBroker()
	items := mock.CreditSpread("AAPL", exp, models.Put, 150, 145)
	items = append(items, mock.OptionLeg("SPY", exp, models.Call, 500, models.Long, 2))
	b.SetPositions(items...)

	var out bytes.Buffer
	require.NoError(t, liquidate(context.Background(), b, "AAPL", decimal.RequireFromString("1.234"), &out, quietLogger()))

	submitted := b.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, "1.23", submitted[0].Price.String())
	assert.Len(t, submitted[0].Legs, 2)
	assert.Contains(t, out.String(), "order 1001 Received 1.23")

	err := liquidate(context.Background(), b, "MSFT", decimal.NewFromInt(1), &out, quietLogger())
	assert.ErrorContains(t, err, "no open positions")

	err = liquidate(context.Background(), b, "SPY", decimal.Zero, &out, quietLogger())
	assert.Error(t, err)
	assert.Len(t, b.Submitted(), 1)
}
