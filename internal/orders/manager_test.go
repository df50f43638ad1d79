package orders

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/spread_sentinel/internal/broker"
	"github.com/eddiefleurent/spread_sentinel/internal/marketdata"
	"github.com/eddiefleurent/spread_sentinel/internal/mock"
	"github.com/eddiefleurent/spread_sentinel/internal/models"
	"github.com/eddiefleurent/spread_sentinel/internal/storage"
	"github.com/eddiefleurent/spread_sentinel/internal/strategy"
)

var expiry = time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)

type quotes map[string]marketdata.Snapshot

func (q quotes) Get(symbol string) (marketdata.Snapshot, bool) {
	s, ok := q[symbol]
	return s, ok
}

func (q quotes) set(symbol, bid, ask string) {
	q[symbol] = marketdata.Snapshot{Symbol: symbol, Quote: &marketdata.Quote{
		BidPrice: decimal.RequireFromString(bid),
		AskPrice: decimal.RequireFromString(ask),
	}}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func bearCallSpread(t *testing.T) strategy.Strategy {
	t.Helper()
	var recs []models.LegRecord
	for _, item := range mock.CreditSpread("AAPL", expiry, models.Call, 150, 155) {
		recs = append(recs, item.Record())
	}
	s := strategy.New(strategy.BuildPosition("AAPL", recs, quietLogger()))
	require.Equal(t, strategy.KindCreditSpread, s.Kind())
	return s
}

func pricedQuotes() quotes {
	q := quotes{}
	q.set(mock.OCCSymbol("AAPL", expiry, models.Call, 155), "1.0", "1.2")
	q.set(mock.OCCSymbol("AAPL", expiry, models.Call, 150), "3.0", "3.4")
	return q
}

func newManager() (*Manager, *mock.Broker, *storage.MockStorage) {
	b := mock.NewBroker()
	st := storage.NewMockStorage()
	return NewManager(b, st, quietLogger()), b, st
}

func TestBuildOrder(t *testing.T) {
	s := bearCallSpread(t)

	order, err := BuildOrder(s, dec("-2.1"), dec("0.05"))
	require.NoError(t, err)
	assert.Equal(t, broker.TimeInForceDay, order.TimeInForce)
	assert.Equal(t, broker.OrderTypeLimit, order.OrderType)
	assert.Equal(t, "2.1", order.Price.String())
	// legs[0] is the long 155 call.
	assert.Equal(t, broker.PriceEffectDebit, order.PriceEffect)
	require.Len(t, order.Legs, 2)
	assert.Equal(t, broker.ActionSellToClose, order.Legs[0].Action)
	assert.Equal(t, broker.ActionBuyToClose, order.Legs[1].Action)
	assert.Equal(t, "Equity Option", order.Legs[0].InstrumentType)
	assert.Equal(t, 1, order.Legs[1].Quantity)

	_, err = BuildOrder(s, decimal.Zero, dec("0.01"))
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestBuildOrderCreditWhenFirstLegShort(t *testing.T) {
	var recs []models.LegRecord
	for _, item := range mock.CreditSpread("AAPL", expiry, models.Put, 150, 145) {
		recs = append(recs, item.Record())
	}
	s := strategy.New(strategy.BuildPosition("AAPL", recs, quietLogger()))

	order, err := BuildOrder(s, dec("1.5"), dec("0.01"))
	require.NoError(t, err)
	assert.Equal(t, broker.PriceEffectCredit, order.PriceEffect)
	assert.Equal(t, broker.ActionBuyToClose, order.Legs[0].Action)
}

func TestLiquidate(t *testing.T) {
	m, b, st := newManager()
	s := bearCallSpread(t)

	entry, err := m.Liquidate(context.Background(), s, pricedQuotes())
	require.NoError(t, err)
	assert.NotEmpty(t, entry.JournalID)
	assert.NotZero(t, entry.BrokerOrderID)
	assert.Equal(t, "2.1", entry.Price.String())
	require.Len(t, b.Submitted(), 1)

	journal, err := st.GetOrders()
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, StatusSubmitted, journal[0].Status)
	assert.Equal(t, "CreditSpread", journal[0].Strategy)

	// Second attempt is blocked by the in-flight guard.
	_, err = m.Liquidate(context.Background(), s, pricedQuotes())
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Len(t, b.Submitted(), 1)
}

func TestLiquidateSkipsUnpriced(t *testing.T) {
	m, b, _ := newManager()
	_, err := m.Liquidate(context.Background(), bearCallSpread(t), quotes{})
	assert.ErrorIs(t, err, ErrNoPrice)
	assert.Empty(t, b.Submitted())
	assert.Empty(t, m.InFlight())
}

func TestLiquidateRefusesWhenOneLegUnquoted(t *testing.T) {
	m, b, st := newManager()
	q := quotes{}
	q.set("AAPL", "151.1", "151.1")
	q.set(mock.OCCSymbol("AAPL", expiry, models.Call, 155), "0.40", "0.50")

	s := bearCallSpread(t)
	require.True(t, s.ShouldExit(q), "underlying is through the short strike")

	_, err := m.Liquidate(context.Background(), s, q)
	assert.ErrorIs(t, err, ErrNoPrice)
	assert.Empty(t, b.Submitted())
	assert.Empty(t, m.InFlight())
	assert.Zero(t, st.GetRecordCallCount())
}

func TestLiquidateReleasesOnBrokerError(t *testing.T) {
	m, b, st := newManager()
	b.SetOrderError(&broker.APIError{Status: 400, Body: "invalid price"})

	_, err := m.Liquidate(context.Background(), bearCallSpread(t), pricedQuotes())
	var apiErr *broker.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Empty(t, m.InFlight())
	assert.Zero(t, st.GetRecordCallCount())

	b.SetOrderError(nil)
	_, err = m.Liquidate(context.Background(), bearCallSpread(t), pricedQuotes())
	assert.NoError(t, err)
}

func TestLiquidateJournalFailureIsNotFatal(t *testing.T) {
	m, _, st := newManager()
	st.SetSaveError(errors.New("disk full"))

	_, err := m.Liquidate(context.Background(), bearCallSpread(t), pricedQuotes())
	require.NoError(t, err)
	assert.Len(t, m.InFlight(), 1)
}

func TestConcurrentLiquidateSubmitsOnce(t *testing.T) {
	m, b, _ := newManager()
	s := bearCallSpread(t)
	q := pricedQuotes()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Liquidate(context.Background(), s, q)
		}()
	}
	wg.Wait()
	assert.Len(t, b.Submitted(), 1)
}

func TestHandleOrderUpdate(t *testing.T) {
	m, _, st := newManager()
	entry, err := m.Liquidate(context.Background(), bearCallSpread(t), pricedQuotes())
	require.NoError(t, err)

	tests := []struct {
		name   string
		update broker.OrderData
		left   int
	}{
		{"zero id ignored", broker.OrderData{Status: "Filled"}, 1},
		{"working status ignored", broker.OrderData{ID: entry.BrokerOrderID, Status: "Live"}, 1},
		{"other order ignored", broker.OrderData{ID: entry.BrokerOrderID + 1, Status: "Filled"}, 1},
		{"terminal update releases", broker.OrderData{ID: entry.BrokerOrderID, Status: "Filled"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.HandleOrderUpdate(tt.update)
			assert.Len(t, m.InFlight(), tt.left)
		})
	}

	journal, err := st.GetOrders()
	require.NoError(t, err)
	assert.Equal(t, "Filled", journal[0].Status)
}

func TestPrune(t *testing.T) {
	m, _, st := newManager()
	s := bearCallSpread(t)
	_, err := m.Liquidate(context.Background(), s, pricedQuotes())
	require.NoError(t, err)

	m.Prune(append(s.Position().Symbols(), "QQQ"))
	assert.Len(t, m.InFlight(), 1)

	m.Prune([]string{"QQQ"})
	assert.Empty(t, m.InFlight())
	journal, _ := st.GetOrders()
	assert.Equal(t, StatusClosed, journal[0].Status)
}

func TestSeedFromLive(t *testing.T) {
	m, b, _ := newManager()
	s := bearCallSpread(t)
	b.SetLiveOrders(
		broker.OrderData{ID: 7, Status: "Live", UnderlyingSymbol: "AAPL",
			Legs: []broker.OrderLegData{{Symbol: s.Position().Legs[1].Symbol}}},
		broker.OrderData{ID: 8, Status: "Filled", UnderlyingSymbol: "AAPL",
			Legs: []broker.OrderLegData{{Symbol: "AAPL  250117P00100000"}}},
	)

	require.NoError(t, m.SeedFromLive(context.Background()))
	require.Len(t, m.InFlight(), 1)

	_, err := m.Liquidate(context.Background(), s, pricedQuotes())
	assert.ErrorIs(t, err, ErrInFlight)

	m.HandleOrderUpdate(broker.OrderData{ID: 7, Status: "Cancelled"})
	assert.Empty(t, m.InFlight())
}

func TestNewManagerPanicsOnNilDeps(t *testing.T) {
	assert.Panics(t, func() { NewManager(nil, storage.NewMockStorage(), nil) })
	assert.Panics(t, func() { NewManager(mock.NewBroker(), nil, nil) })
}
