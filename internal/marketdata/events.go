// Package marketdata holds the snapshot store fed by the market-data stream.
package marketdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// Event types carried in FEED_DATA frames.
const (
	EventQuote  = "Quote"
	EventGreeks = "Greeks"
)

// Quote is a top-of-book event.
type Quote struct {
	EventSymbol     string          `json:"eventSymbol"`
	EventTime       int64           `json:"eventTime"`
	Sequence        int64           `json:"sequence"`
	TimeNanoPart    int64           `json:"timeNanoPart"`
	BidTime         int64           `json:"bidTime"`
	BidExchangeCode string          `json:"bidExchangeCode"`
	BidPrice        decimal.Decimal `json:"bidPrice"`
	BidSize         float64         `json:"bidSize"`
	AskTime         int64           `json:"askTime"`
	AskExchangeCode string          `json:"askExchangeCode"`
	AskPrice        decimal.Decimal `json:"askPrice"`
	AskSize         float64         `json:"askSize"`
}

// Priced reports whether the quote carries a bid or an ask. Missing prices
// arrive as NaN and decode as zero.
func (q Quote) Priced() bool {
	return !q.BidPrice.IsZero() || !q.AskPrice.IsZero()
}

// MidPrice returns the average of the absolute bid and ask.
func (q Quote) MidPrice() decimal.Decimal {
	return q.AskPrice.Abs().Add(q.BidPrice.Abs()).Div(decimal.NewFromInt(2))
}

// Greeks is an option sensitivities event.
type Greeks struct {
	EventSymbol string  `json:"eventSymbol"`
	EventTime   int64   `json:"eventTime"`
	EventFlags  int64   `json:"eventFlags"`
	Index       int64   `json:"index"`
	Time        int64   `json:"time"`
	Sequence    int64   `json:"sequence"`
	Price       float64 `json:"price"`
	Volatility  float64 `json:"volatility"`
	Delta       float64 `json:"delta"`
	Gamma       float64 `json:"gamma"`
	Theta       float64 `json:"theta"`
	Rho         float64 `json:"rho"`
	Vega        float64 `json:"vega"`
}

// Event is one entry of a FEED_DATA frame. Exactly one of Quote or Greeks is
// set for known event types; both are nil otherwise.
type Event struct {
	Type   string
	Symbol string
	Quote  *Quote
	Greeks *Greeks
}

// UnmarshalJSON decodes the event by its eventType tag.
func (e *Event) UnmarshalJSON(b []byte) error {
	var head struct {
		EventType   string `json:"eventType"`
		EventSymbol string `json:"eventSymbol"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}

	*e = Event{Type: head.EventType, Symbol: head.EventSymbol}
	switch head.EventType {
	case EventQuote:
		var w quoteWire
		if err := json.Unmarshal(b, &w); err != nil {
			return fmt.Errorf("decoding quote for %s: %w", head.EventSymbol, err)
		}
		e.Quote = w.quote()
	case EventGreeks:
		var w greeksWire
		if err := json.Unmarshal(b, &w); err != nil {
			return fmt.Errorf("decoding greeks for %s: %w", head.EventSymbol, err)
		}
		e.Greeks = w.greeks()
	}
	return nil
}

// price is a decimal that accepts the same encodings as number.
type price decimal.Decimal

func (p *price) UnmarshalJSON(b []byte) error {
	s, err := numericText(b)
	if err != nil {
		return err
	}
	switch s {
	case "", "NaN", "Infinity", "-Infinity":
		*p = price(decimal.Zero)
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", s, err)
	}
	*p = price(d)
	return nil
}

// numericText strips quotes from a JSON number or string. null is empty.
func numericText(b []byte) (string, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return "", nil
	}
	s := string(b)
	if b[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return "", err
		}
		s = unq
	}
	return s, nil
}

// number accepts JSON numbers as well as the quoted "NaN"/"Infinity" values
// the feed uses for missing prices. Non-finite values decode as zero.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s, err := numericText(b)
	if err != nil {
		return err
	}
	if s == "" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		f = 0
	}
	*n = number(f)
	return nil
}

type quoteWire struct {
	EventSymbol     string `json:"eventSymbol"`
	EventTime       number `json:"eventTime"`
	Sequence        number `json:"sequence"`
	TimeNanoPart    number `json:"timeNanoPart"`
	BidTime         number `json:"bidTime"`
	BidExchangeCode string `json:"bidExchangeCode"`
	BidPrice        price  `json:"bidPrice"`
	BidSize         number `json:"bidSize"`
	AskTime         number `json:"askTime"`
	AskExchangeCode string `json:"askExchangeCode"`
	AskPrice        price  `json:"askPrice"`
	AskSize         number `json:"askSize"`
}

func (w quoteWire) quote() *Quote {
	return &Quote{
		EventSymbol:     w.EventSymbol,
		EventTime:       int64(w.EventTime),
		Sequence:        int64(w.Sequence),
		TimeNanoPart:    int64(w.TimeNanoPart),
		BidTime:         int64(w.BidTime),
		BidExchangeCode: w.BidExchangeCode,
		BidPrice:        decimal.Decimal(w.BidPrice),
		BidSize:         float64(w.BidSize),
		AskTime:         int64(w.AskTime),
		AskExchangeCode: w.AskExchangeCode,
		AskPrice:        decimal.Decimal(w.AskPrice),
		AskSize:         float64(w.AskSize),
	}
}

type greeksWire struct {
	EventSymbol string `json:"eventSymbol"`
	EventTime   number `json:"eventTime"`
	EventFlags  number `json:"eventFlags"`
	Index       number `json:"index"`
	Time        number `json:"time"`
	Sequence    number `json:"sequence"`
	Price       number `json:"price"`
	Volatility  number `json:"volatility"`
	Delta       number `json:"delta"`
	Gamma       number `json:"gamma"`
	Theta       number `json:"theta"`
	Rho         number `json:"rho"`
	Vega        number `json:"vega"`
}

func (w greeksWire) greeks() *Greeks {
	return &Greeks{
		EventSymbol: w.EventSymbol,
		EventTime:   int64(w.EventTime),
		EventFlags:  int64(w.EventFlags),
		Index:       int64(w.Index),
		Time:        int64(w.Time),
		Sequence:    int64(w.Sequence),
		Price:       float64(w.Price),
		Volatility:  float64(w.Volatility),
		Delta:       float64(w.Delta),
		Gamma:       float64(w.Gamma),
		Theta:       float64(w.Theta),
		Rho:         float64(w.Rho),
		Vega:        float64(w.Vega),
	}
}

// FeedData is the FEED_DATA frame. Data holds the events that decoded;
// Errors holds one error per entry that did not.
type FeedData struct {
	Type    string
	Channel uint64
	Data    []Event
	Errors  []error
}

// DecodeFeedData parses a raw FEED_DATA frame. Only a malformed envelope is
// an error; a malformed entry is skipped and reported in Errors.
func DecodeFeedData(raw []byte) (*FeedData, error) {
	var frame struct {
		Type    string            `json:"type"`
		Channel uint64            `json:"channel"`
		Data    []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("decoding feed data: %w", err)
	}

	fd := &FeedData{
		Type:    frame.Type,
		Channel: frame.Channel,
		Data:    make([]Event, 0, len(frame.Data)),
	}
	for i, entry := range frame.Data {
		var ev Event
		if err := json.Unmarshal(entry, &ev); err != nil {
			fd.Errors = append(fd.Errors, fmt.Errorf("feed data entry %d: %w", i, err))
			continue
		}
		fd.Data = append(fd.Data, ev)
	}
	return fd, nil
}
