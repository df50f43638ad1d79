package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/spread_sentinel/internal/models"
)

type stubBroker struct {
	err   error
	calls int
}

func (s *stubBroker) GetPositions(context.Context) ([]PositionItem, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []PositionItem{{Symbol: "SPY"}}, nil
}

func (s *stubBroker) GetLiveOrders(context.Context) ([]OrderData, error) { return nil, s.err }

func (s *stubBroker) DryRunOrder(context.Context, Order) (*OrderData, error) {
	return &OrderData{Status: "Received"}, s.err
}

func (s *stubBroker) GetStreamerSymbol(context.Context, string, models.InstrumentType) (string, error) {
	return "SPY", s.err
}

func (s *stubBroker) GetQuoteToken(context.Context) (*QuoteToken, error) { return nil, s.err }

func TestCircuitBreakerPassThrough(t *testing.T) {
	cb := NewCircuitBreakerBroker(&stubBroker{}, quietLogger())
	items, err := cb.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 1)

	sym, err := cb.GetStreamerSymbol(context.Background(), "SPY", models.InstrumentEquity)
	require.NoError(t, err)
	assert.Equal(t, "SPY", sym)
}

func TestCircuitBreakerTrips(t *testing.T) {
	stub := &stubBroker{err: errors.New("connection refused")}
	cb := NewCircuitBreakerBrokerWithSettings(stub, quietLogger(), CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  2,
		FailureRatio: 0.5,
	})

	for i := 0; i < 2; i++ {
		_, err := cb.GetPositions(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.GetPositions(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, stub.calls)
}

func TestCircuitBreakerIgnoresPermanentAPIErrors(t *testing.T) {
	stub := &stubBroker{err: &APIError{Status: 404, Body: "not found"}}
	cb := NewCircuitBreakerBrokerWithSettings(stub, quietLogger(), CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  2,
		FailureRatio: 0.5,
	})

	for i := 0; i < 5; i++ {
		_, err := cb.GetPositions(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}
