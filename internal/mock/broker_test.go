package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/spread_sentinel/internal/broker"
	"github.com/eddiefleurent/spread_sentinel/internal/models"
)

func TestOCCSymbolRoundTrip(t *testing.T) {
	exp := time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)
	sym := OCCSymbol("SPY", exp, models.Put, 452.5)
	assert.Equal(t, "SPY   250117P00452500", sym)

	leg, err := models.ParseEquityOption(sym)
	require.NoError(t, err)
	assert.Equal(t, "SPY", leg.Underlying)
	assert.Equal(t, "452.5", leg.Strike.String())
	assert.Equal(t, models.Put, leg.Side)
	assert.True(t, leg.Expiration.Equal(exp))
}

func TestBrokerDryRun(t *testing.T) {
	b := NewBroker()
	data, err := b.DryRunOrder(context.Background(), broker.Order{
		TimeInForce: broker.TimeInForceDay,
		Legs:        []broker.OrderLeg{{Symbol: "SPY   250117P00452500", Quantity: 1, Action: broker.ActionBuyToClose}},
	})
	require.NoError(t, err)
	assert.Equal(t, "SPY", data.UnderlyingSymbol)
	assert.Equal(t, []string{"SPY   250117P00452500"}, data.Symbols())
	assert.Len(t, b.Submitted(), 1)

	b.SetOrderError(errors.New("rejected"))
	_, err = b.DryRunOrder(context.Background(), broker.Order{})
	assert.Error(t, err)
	assert.Len(t, b.Submitted(), 1)
}

func TestBrokerStreamerSymbols(t *testing.T) {
	b := NewBroker()
	b.SetStreamerSymbol("SPY   250117P00452500", ".SPY250117P452.5")

	got, err := b.GetStreamerSymbol(context.Background(), "SPY   250117P00452500", models.InstrumentEquityOption)
	require.NoError(t, err)
	assert.Equal(t, ".SPY250117P452.5", got)

	got, err = b.GetStreamerSymbol(context.Background(), "SPY", models.InstrumentEquity)
	require.NoError(t, err)
	assert.Equal(t, "SPY", got)

	_, err = b.GetStreamerSymbol(context.Background(), "QQQ   250117P00400000", models.InstrumentEquityOption)
	var apiErr *broker.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
	assert.Len(t, b.Lookups(), 3)
}
