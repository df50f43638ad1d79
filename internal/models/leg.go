package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrSymbolFormat is returned when an option symbol does not match its expected layout.
var ErrSymbolFormat = errors.New("invalid option symbol format")

// ErrUnsupportedInstrument is returned for instrument types the classifier cannot parse.
var ErrUnsupportedInstrument = errors.New("unsupported instrument type")

// InstrumentType is the broker's instrument-type discriminator.
type InstrumentType string

const (
	InstrumentEquity       InstrumentType = "Equity"
	InstrumentFuture       InstrumentType = "Future"
	InstrumentEquityOption InstrumentType = "Equity Option"
	InstrumentFutureOption InstrumentType = "Future Option"
)

// ParseInstrumentType maps the broker string onto a known InstrumentType.
func ParseInstrumentType(s string) (InstrumentType, error) {
	switch it := InstrumentType(s); it {
	case InstrumentEquity, InstrumentFuture, InstrumentEquityOption, InstrumentFutureOption:
		return it, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedInstrument, s)
	}
}

// IsOption reports whether the instrument is an option contract.
func (t InstrumentType) IsOption() bool {
	return t == InstrumentEquityOption || t == InstrumentFutureOption
}

// Underlying returns the instrument type of an option's underlying.
func (t InstrumentType) Underlying() InstrumentType {
	switch t {
	case InstrumentEquityOption:
		return InstrumentEquity
	case InstrumentFutureOption:
		return InstrumentFuture
	default:
		return t
	}
}

// Direction is the quantity direction of a position leg.
type Direction string

const (
	Long  Direction = "Long"
	Short Direction = "Short"
)

// ParseDirection maps "Long"/"Short" onto a Direction.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case Long, Short:
		return d, nil
	default:
		return "", fmt.Errorf("unknown quantity direction %q", s)
	}
}

// OptionSide is call or put.
type OptionSide string

const (
	Call OptionSide = "Call"
	Put  OptionSide = "Put"
)

func parseSide(c byte) (OptionSide, error) {
	switch c {
	case 'C':
		return Call, nil
	case 'P':
		return Put, nil
	default:
		return "", fmt.Errorf("%w: option side %q", ErrSymbolFormat, c)
	}
}

// LegRecord is one raw position leg as reported by the broker.
type LegRecord struct {
	Symbol         string
	Underlying     string
	InstrumentType string
	Direction      string
	Quantity       int
}

// OptionLeg is a parsed option position leg.
type OptionLeg struct {
	Symbol         string
	Underlying     string
	Expiration     time.Time
	Side           OptionSide
	Strike         decimal.Decimal
	Direction      Direction
	InstrumentType InstrumentType
	Quantity       int
}

// SameStrike reports whether two legs share a strike price.
func (l OptionLeg) SameStrike(o OptionLeg) bool {
	return l.Strike.Equal(o.Strike)
}

// SameExpiration reports whether two legs expire on the same day.
func (l OptionLeg) SameExpiration(o OptionLeg) bool {
	return l.Expiration.Equal(o.Expiration)
}

func (l OptionLeg) String() string {
	return fmt.Sprintf("%s %d %s %s %s %s", l.Direction, l.Quantity, l.Underlying,
		l.Side, l.Strike, l.Expiration.Format("2006-01-02"))
}

// ParseLeg turns a broker leg record into an OptionLeg. The broker's
// underlying symbol wins over the one embedded in the option symbol (SPXW
// options belong to SPX). Non-option instruments return ErrUnsupportedInstrument.
func ParseLeg(rec LegRecord) (OptionLeg, error) {
	it, err := ParseInstrumentType(rec.InstrumentType)
	if err != nil {
		return OptionLeg{}, err
	}
	dir, err := ParseDirection(rec.Direction)
	if err != nil {
		return OptionLeg{}, err
	}

	var leg OptionLeg
	switch it {
	case InstrumentEquityOption:
		leg, err = ParseEquityOption(rec.Symbol)
	case InstrumentFutureOption:
		leg, err = ParseFutureOption(rec.Symbol)
	default:
		return OptionLeg{}, fmt.Errorf("%w: %s is not an option", ErrUnsupportedInstrument, it)
	}
	if err != nil {
		return OptionLeg{}, err
	}

	if u := strings.TrimSpace(rec.Underlying); u != "" {
		leg.Underlying = u
	}
	leg.Direction = dir
	leg.Quantity = rec.Quantity
	return leg, nil
}

// ParseEquityOption parses a 21 character OCC symbol:
// root (6, space padded) + YYMMDD + C/P + strike*1000 (8 digits).
// Example: "AAPL  240621C00150000" -> AAPL call 150.00 expiring 2024-06-21.
func ParseEquityOption(symbol string) (OptionLeg, error) {
	if len(symbol) != 21 {
		return OptionLeg{}, fmt.Errorf("%w: equity option %q has length %d, want 21",
			ErrSymbolFormat, symbol, len(symbol))
	}

	root := strings.TrimSpace(symbol[0:6])
	if root == "" {
		return OptionLeg{}, fmt.Errorf("%w: equity option %q has empty root", ErrSymbolFormat, symbol)
	}

	expiration, err := parseExpiration(symbol[6:12])
	if err != nil {
		return OptionLeg{}, fmt.Errorf("%w: equity option %q: %v", ErrSymbolFormat, symbol, err)
	}

	side, err := parseSide(symbol[12])
	if err != nil {
		return OptionLeg{}, err
	}

	if !isDigits(symbol[13:21]) {
		return OptionLeg{}, fmt.Errorf("%w: equity option %q strike is not numeric", ErrSymbolFormat, symbol)
	}
	strikeInt, err := strconv.ParseInt(symbol[13:21], 10, 64)
	if err != nil {
		return OptionLeg{}, fmt.Errorf("%w: equity option %q strike: %v", ErrSymbolFormat, symbol, err)
	}

	return OptionLeg{
		Symbol:         symbol,
		Underlying:     root,
		Expiration:     expiration,
		Side:           side,
		Strike:         decimal.New(strikeInt, -3),
		InstrumentType: InstrumentEquityOption,
	}, nil
}

// ParseFutureOption parses a future option symbol such as "./ESZ4 EW4Z4 241129P5000".
// After the leading "." there must be exactly three whitespace separated tokens; the
// third packs YYMMDD, the side character and the strike.
func ParseFutureOption(symbol string) (OptionLeg, error) {
	if !strings.HasPrefix(symbol, "./") {
		return OptionLeg{}, fmt.Errorf("%w: future option %q must start with ./", ErrSymbolFormat, symbol)
	}

	parts := strings.Fields(symbol[1:])
	if len(parts) != 3 {
		return OptionLeg{}, fmt.Errorf("%w: future option %q has %d tokens, want 3",
			ErrSymbolFormat, symbol, len(parts))
	}

	code := parts[2]
	if len(code) < 8 {
		return OptionLeg{}, fmt.Errorf("%w: future option %q contract code too short", ErrSymbolFormat, symbol)
	}

	expiration, err := parseExpiration(code[:6])
	if err != nil {
		return OptionLeg{}, fmt.Errorf("%w: future option %q: %v", ErrSymbolFormat, symbol, err)
	}

	side, err := parseSide(code[6])
	if err != nil {
		return OptionLeg{}, err
	}

	if !isPlainDecimal(code[7:]) {
		return OptionLeg{}, fmt.Errorf("%w: future option %q strike %q", ErrSymbolFormat, symbol, code[7:])
	}
	strike, err := decimal.NewFromString(code[7:])
	if err != nil {
		return OptionLeg{}, fmt.Errorf("%w: future option %q strike: %v", ErrSymbolFormat, symbol, err)
	}

	return OptionLeg{
		Symbol:         symbol,
		Underlying:     parts[0],
		Expiration:     expiration,
		Side:           side,
		Strike:         strike,
		InstrumentType: InstrumentFutureOption,
	}, nil
}

func parseExpiration(s string) (time.Time, error) {
	if !isDigits(s) {
		return time.Time{}, fmt.Errorf("expiration %q is not YYMMDD", s)
	}
	return time.ParseInLocation("060102", s, time.UTC)
}

// isPlainDecimal accepts digits with at most one interior '.', rejecting
// signs, exponents and hex forms.
func isPlainDecimal(s string) bool {
	intPart, frac, hasDot := strings.Cut(s, ".")
	if !isDigits(intPart) {
		return false
	}
	return !hasDot || isDigits(frac)
}

// isDigits checks that s is non-empty and made only of ASCII digits
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
