package broker

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/spread_sentinel/internal/models"
)

// Order constants accepted by the orders endpoints.
const (
	TimeInForceDay = "Day"
	OrderTypeLimit = "Limit"

	PriceEffectCredit = "Credit"
	PriceEffectDebit  = "Debit"

	ActionSellToClose = "Sell to Close"
	ActionBuyToClose  = "Buy to Close"
)

// envelope is the common response wrapper {data, context}.
type envelope[T any] struct {
	Data    T      `json:"data"`
	Context string `json:"context"`
}

type itemsEnvelope[T any] struct {
	Items []T `json:"items"`
}

// Session is the result of a successful login.
type Session struct {
	SessionToken      string `json:"session-token"`
	RememberToken     string `json:"remember-token"`
	SessionExpiration string `json:"session-expiration"`
	User              struct {
		Email      string `json:"email"`
		Username   string `json:"username"`
		ExternalID string `json:"external-id"`
	} `json:"user"`
}

// QuoteToken grants access to the DXLink market-data stream.
type QuoteToken struct {
	Token     string `json:"token"`
	DXLinkURL string `json:"dxlink-url"`
	Level     string `json:"level"`
}

// PositionItem is one position leg as reported by GET accounts/{id}/positions.
type PositionItem struct {
	AccountNumber     string `json:"account-number"`
	Symbol            string `json:"symbol"`
	InstrumentType    string `json:"instrument-type"`
	UnderlyingSymbol  string `json:"underlying-symbol"`
	Quantity          int    `json:"quantity"`
	QuantityDirection string `json:"quantity-direction"`
	Multiplier        int    `json:"multiplier"`
	AverageOpenPrice  string `json:"average-open-price"`
	ClosePrice        string `json:"close-price"`
	MarkPrice         string `json:"mark-price"`
	CostEffect        string `json:"cost-effect"`
	ExpiresAt         string `json:"expires-at"`
	IsFrozen          bool   `json:"is-frozen"`
	IsSuppressed      bool   `json:"is-suppressed"`
	UpdatedAt         string `json:"updated-at"`
}

// Record converts the broker leg into the classifier's input.
func (p PositionItem) Record() models.LegRecord {
	return models.LegRecord{
		Symbol:         p.Symbol,
		Underlying:     p.UnderlyingSymbol,
		InstrumentType: p.InstrumentType,
		Direction:      p.QuantityDirection,
		Quantity:       p.Quantity,
	}
}

// OrderLeg is one leg of an order request.
type OrderLeg struct {
	InstrumentType string `json:"instrument-type"`
	Symbol         string `json:"symbol"`
	Quantity       int    `json:"quantity"`
	Action         string `json:"action"`
}

// Order is an order request.
type Order struct {
	TimeInForce string          `json:"time-in-force"`
	OrderType   string          `json:"order-type"`
	Price       decimal.Decimal `json:"price"`
	PriceEffect string          `json:"price-effect"`
	Legs        []OrderLeg      `json:"legs"`
}

// OrderLegData is one leg of an acknowledged order.
type OrderLegData struct {
	InstrumentType    string            `json:"instrument-type"`
	Symbol            string            `json:"symbol"`
	Quantity          int               `json:"quantity"`
	RemainingQuantity int               `json:"remaining-quantity"`
	Action            string            `json:"action"`
	Fills             []json.RawMessage `json:"fills"`
}

// OrderData is the broker's view of an order.
type OrderData struct {
	ID                       int            `json:"id"`
	AccountNumber            string         `json:"account-number"`
	TimeInForce              string         `json:"time-in-force"`
	OrderType                string         `json:"order-type"`
	Size                     int            `json:"size"`
	UnderlyingSymbol         string         `json:"underlying-symbol"`
	UnderlyingInstrumentType string         `json:"underlying-instrument-type"`
	Status                   string         `json:"status"`
	Cancellable              bool           `json:"cancellable"`
	Editable                 bool           `json:"editable"`
	Edited                   bool           `json:"edited"`
	Legs                     []OrderLegData `json:"legs"`
}

// Symbols returns the leg symbols of the order.
func (o OrderData) Symbols() []string {
	out := make([]string, 0, len(o.Legs))
	for _, leg := range o.Legs {
		out = append(out, leg.Symbol)
	}
	return out
}

// IsTerminal reports whether the order can no longer change.
func (o OrderData) IsTerminal() bool {
	switch o.Status {
	case "Filled", "Cancelled", "Expired", "Rejected", "Removed", "Partially Removed":
		return true
	default:
		return false
	}
}

// DryRunResult is the response of POST accounts/{id}/orders/dry-run.
type DryRunResult struct {
	Order    OrderData `json:"order"`
	Warnings []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"warnings"`
	BuyingPowerEffect json.RawMessage `json:"buying-power-effect"`
	FeeCalculation    json.RawMessage `json:"fee-calculation"`
}

// Instrument is the subset of instrument metadata needed for streaming.
type Instrument struct {
	Symbol         string `json:"symbol"`
	InstrumentType string `json:"instrument-type"`
	StreamerSymbol string `json:"streamer-symbol"`
	Active         bool   `json:"active"`
}
