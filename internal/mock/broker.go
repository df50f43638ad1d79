// Package mock provides an in-memory broker for tests and dry runs.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/spread_sentinel/internal/broker"
	"github.com/eddiefleurent/spread_sentinel/internal/models"
)

// Broker is a deterministic broker.Broker backed by in-memory state.
type Broker struct {
	mu              sync.Mutex
	positions       []broker.PositionItem
	liveOrders      []broker.OrderData
	streamerSymbols map[string]string
	quoteToken      broker.QuoteToken

	positionsErr error
	orderErr     error

	submitted     []broker.Order
	lookups       []string
	positionCalls int
	nextOrderID   int
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker creates an empty mock broker.
func NewBroker() *Broker {
	return &Broker{
		streamerSymbols: make(map[string]string),
		quoteToken: broker.QuoteToken{
			Token:     "mock-quote-token",
			DXLinkURL: "wss://localhost/dxlink",
			Level:     "api",
		},
		nextOrderID: 1000,
	}
}

// SetPositions replaces the open positions.
func (b *Broker) SetPositions(items ...broker.PositionItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = append([]broker.PositionItem(nil), items...)
}

// SetLiveOrders replaces the live orders.
func (b *Broker) SetLiveOrders(orders ...broker.OrderData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.liveOrders = append([]broker.OrderData(nil), orders...)
}

// SetStreamerSymbol registers the streamer symbol returned for symbol.
func (b *Broker) SetStreamerSymbol(symbol, streamer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamerSymbols[symbol] = streamer
}

// SetPositionsError makes GetPositions fail with err.
func (b *Broker) SetPositionsError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positionsErr = err
}

// SetOrderError makes DryRunOrder fail with err.
func (b *Broker) SetOrderError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orderErr = err
}

// Submitted returns every order passed to DryRunOrder.
func (b *Broker) Submitted() []broker.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Order(nil), b.submitted...)
}

// Lookups returns every symbol passed to GetStreamerSymbol.
func (b *Broker) Lookups() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lookups...)
}

// PositionCalls returns how often GetPositions was called.
func (b *Broker) PositionCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positionCalls
}

func (b *Broker) GetPositions(ctx context.Context) ([]broker.PositionItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positionCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.positionsErr != nil {
		return nil, b.positionsErr
	}
	return append([]broker.PositionItem(nil), b.positions...), nil
}

func (b *Broker) GetLiveOrders(ctx context.Context) ([]broker.OrderData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]broker.OrderData(nil), b.liveOrders...), nil
}

func (b *Broker) DryRunOrder(ctx context.Context, order broker.Order) (*broker.OrderData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.orderErr != nil {
		return nil, b.orderErr
	}
	b.submitted = append(b.submitted, order)
	b.nextOrderID++

	data := &broker.OrderData{
		ID:          b.nextOrderID,
		TimeInForce: order.TimeInForce,
		OrderType:   order.OrderType,
		Status:      "Received",
		Cancellable: true,
		Editable:    true,
	}
	for _, leg := range order.Legs {
		data.Legs = append(data.Legs, broker.OrderLegData{
			InstrumentType:    leg.InstrumentType,
			Symbol:            leg.Symbol,
			Quantity:          leg.Quantity,
			RemainingQuantity: leg.Quantity,
			Action:            leg.Action,
		})
	}
	if len(order.Legs) > 0 {
		data.UnderlyingSymbol = strings.TrimSpace(underlyingOf(order.Legs[0].Symbol))
	}
	return data, nil
}

func (b *Broker) GetStreamerSymbol(ctx context.Context, symbol string, it models.InstrumentType) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.lookups = append(b.lookups, symbol)
	if s, ok := b.streamerSymbols[symbol]; ok {
		return s, nil
	}
	if it == models.InstrumentEquity {
		return symbol, nil
	}
	return "", &broker.APIError{Status: 404, Body: fmt.Sprintf("instrument %s not found", symbol)}
}

func (b *Broker) GetQuoteToken(ctx context.Context) (*broker.QuoteToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tok := b.quoteToken
	return &tok, nil
}

func underlyingOf(symbol string) string {
	if len(symbol) == 21 {
		return symbol[:6]
	}
	return symbol
}

// OCCSymbol builds a 21 character equity option symbol. Fixture strikes are
// plain floats; they are encoded through decimal to the 1/1000 grid.
func OCCSymbol(root string, expiration time.Time, side models.OptionSide, strike float64) string {
	c := "C"
	if side == models.Put {
		c = "P"
	}
	milli := decimal.NewFromFloat(strike).Shift(3).Round(0).IntPart()
	return fmt.Sprintf("%-6s%s%s%08d", root, expiration.Format("060102"), c, milli)
}

// OptionLeg returns an equity option position leg.
func OptionLeg(underlying string, expiration time.Time, side models.OptionSide, strike float64,
	direction models.Direction, quantity int) broker.PositionItem {
	return broker.PositionItem{
		Symbol:            OCCSymbol(underlying, expiration, side, strike),
		InstrumentType:    string(models.InstrumentEquityOption),
		UnderlyingSymbol:  underlying,
		Quantity:          quantity,
		QuantityDirection: string(direction),
		Multiplier:        100,
	}
}

// CreditSpread returns the two legs of a vertical: short at shortStrike,
// long at longStrike.
func CreditSpread(underlying string, expiration time.Time, side models.OptionSide,
	shortStrike, longStrike float64) []broker.PositionItem {
	return []broker.PositionItem{
		OptionLeg(underlying, expiration, side, shortStrike, models.Short, 1),
		OptionLeg(underlying, expiration, side, longStrike, models.Long, 1),
	}
}

// IronCondor returns the four legs of a short iron condor.
func IronCondor(underlying string, expiration time.Time,
	longPut, shortPut, shortCall, longCall float64) []broker.PositionItem {
	return []broker.PositionItem{
		OptionLeg(underlying, expiration, models.Put, longPut, models.Long, 1),
		OptionLeg(underlying, expiration, models.Put, shortPut, models.Short, 1),
		OptionLeg(underlying, expiration, models.Call, shortCall, models.Short, 1),
		OptionLeg(underlying, expiration, models.Call, longCall, models.Long, 1),
	}
}
