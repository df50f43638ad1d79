package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/spread_sentinel/internal/marketdata"
	"github.com/eddiefleurent/spread_sentinel/internal/models"
)

// SnapshotReader is the read side of the snapshot store.
type SnapshotReader interface {
	Get(symbol string) (marketdata.Snapshot, bool)
}

// SpreadDirection is the market view of a vertical spread.
type SpreadDirection string

const (
	Bearish SpreadDirection = "Bearish"
	Bullish SpreadDirection = "Bullish"
)

// Strategy is a classified position. The set of implementations is closed:
// Call, Put, CreditSpread, CalendarSpread, IronCondor and NotTracked.
type Strategy interface {
	Kind() Kind
	Position() Position
	// ShouldExit reports whether the position should be liquidated. Missing
	// market data never triggers an exit.
	ShouldExit(r SnapshotReader) bool
	// MidPrice is the current value of the position from leg snapshots. ok
	// is false when any leg it depends on has no priced quote.
	MidPrice(r SnapshotReader) (mid decimal.Decimal, ok bool)

	sealed()
}

// New wraps a classified position in its strategy type.
func New(p Position) Strategy {
	switch p.Kind {
	case KindCall:
		return Call{pos: p}
	case KindPut:
		return Put{pos: p}
	case KindCreditSpread:
		dir := Bullish
		if p.Legs[0].Side == models.Call {
			dir = Bearish
		}
		return CreditSpread{pos: p, Direction: dir}
	case KindCalendarSpread:
		return CalendarSpread{pos: p}
	case KindIronCondor:
		return IronCondor{pos: p}
	default:
		return NotTracked{pos: p}
	}
}

// Describe returns a one-line summary of s.
func Describe(s Strategy) string {
	p := s.Position()
	switch v := s.(type) {
	case Call, Put:
		return fmt.Sprintf("%s %s %s", p.Underlying, v.Kind(), p.Legs[0])
	case CreditSpread:
		return fmt.Sprintf("%s %s %s %s/%s", p.Underlying, v.Direction, v.Kind(),
			strikeText(p.Legs[0]), strikeText(p.Legs[1]))
	case CalendarSpread:
		return fmt.Sprintf("%s %s %s %s/%s", p.Underlying, v.Kind(), strikeText(p.Legs[0]),
			p.Legs[0].Expiration.Format("2006-01-02"), p.Legs[1].Expiration.Format("2006-01-02"))
	case IronCondor:
		return fmt.Sprintf("%s %s %s/%s/%s/%s", p.Underlying, v.Kind(),
			strikeText(p.Legs[0]), strikeText(p.Legs[1]), strikeText(p.Legs[2]), strikeText(p.Legs[3]))
	case NotTracked:
		return fmt.Sprintf("%s not tracked (%d legs)", p.Underlying, len(p.Legs))
	default:
		panic(fmt.Sprintf("strategy: unhandled type %T", s))
	}
}

// strikeText keeps two decimals for dollar strikes and full precision for
// sub-cent futures strikes.
func strikeText(leg models.OptionLeg) string {
	if leg.Strike.Equal(leg.Strike.Round(2)) {
		return leg.Strike.StringFixed(2)
	}
	return leg.Strike.String()
}

// underlyingMid returns the mid of the underlying's own quote.
func underlyingMid(r SnapshotReader, underlying string) (decimal.Decimal, bool) {
	snap, ok := r.Get(underlying)
	if !ok {
		return decimal.Zero, false
	}
	return snap.MidPrice()
}

func legMid(r SnapshotReader, leg models.OptionLeg) (decimal.Decimal, bool) {
	snap, ok := r.Get(leg.Symbol)
	if !ok {
		return decimal.Zero, false
	}
	return snap.MidPrice()
}

// netMid sums the mids of short legs minus the mids of long legs. Any
// unpriced leg makes the whole result unknown.
func netMid(r SnapshotReader, short, long []models.OptionLeg) (decimal.Decimal, bool) {
	total := decimal.Zero
	for _, leg := range short {
		mid, ok := legMid(r, leg)
		if !ok {
			return decimal.Zero, false
		}
		total = total.Add(mid)
	}
	for _, leg := range long {
		mid, ok := legMid(r, leg)
		if !ok {
			return decimal.Zero, false
		}
		total = total.Sub(mid)
	}
	return total, true
}

// Call is a single long or short call.
type Call struct{ pos Position }

func (Call) Kind() Kind                     { return KindCall }
func (s Call) Position() Position           { return s.pos }
func (Call) ShouldExit(SnapshotReader) bool { return false }
func (Call) sealed()                        {}

func (s Call) MidPrice(r SnapshotReader) (decimal.Decimal, bool) {
	return legMid(r, s.pos.Legs[0])
}

// Put is a single long or short put.
type Put struct{ pos Position }

func (Put) Kind() Kind                     { return KindPut }
func (s Put) Position() Position           { return s.pos }
func (Put) ShouldExit(SnapshotReader) bool { return false }
func (Put) sealed()                        {}

func (s Put) MidPrice(r SnapshotReader) (decimal.Decimal, bool) {
	return legMid(r, s.pos.Legs[0])
}

// CreditSpread is a two leg vertical with a common expiration.
type CreditSpread struct {
	pos       Position
	Direction SpreadDirection
}

func (CreditSpread) Kind() Kind           { return KindCreditSpread }
func (s CreditSpread) Position() Position { return s.pos }
func (CreditSpread) sealed()              {}

// ShouldExit fires once the underlying trades through the short strike.
func (s CreditSpread) ShouldExit(r SnapshotReader) bool {
	mid, ok := underlyingMid(r, s.pos.Underlying)
	if !ok || mid.IsZero() {
		return false
	}
	if s.Direction == Bearish {
		return mid.GreaterThan(s.pos.Legs[1].Strike)
	}
	return mid.LessThan(s.pos.Legs[0].Strike)
}

// MidPrice returns mid(legs[0]) - mid(legs[1]).
func (s CreditSpread) MidPrice(r SnapshotReader) (decimal.Decimal, bool) {
	return netMid(r, s.pos.Legs[:1], s.pos.Legs[1:2])
}

// CalendarSpread is two legs at one strike with different expirations.
type CalendarSpread struct{ pos Position }

func (CalendarSpread) Kind() Kind           { return KindCalendarSpread }
func (s CalendarSpread) Position() Position { return s.pos }
func (CalendarSpread) sealed()              {}

// ShouldExit fires when the position's theta turns negative. Every leg needs
// greeks; leg theta is signed by direction and scaled by quantity.
// Provisional rule, see DESIGN.md.
func (s CalendarSpread) ShouldExit(r SnapshotReader) bool {
	total := 0.0
	for _, leg := range s.pos.Legs {
		snap, ok := r.Get(leg.Symbol)
		if !ok || snap.Greeks == nil {
			return false
		}
		theta := snap.Greeks.Theta * float64(leg.Quantity)
		if leg.Direction == models.Short {
			theta = -theta
		}
		total += theta
	}
	return total < 0
}

// MidPrice returns mid(legs[0]) - mid(legs[1]), legs ordered near then far.
func (s CalendarSpread) MidPrice(r SnapshotReader) (decimal.Decimal, bool) {
	return netMid(r, s.pos.Legs[:1], s.pos.Legs[1:2])
}

// IronCondor is four legs ordered [long call, short call, short put, long put].
type IronCondor struct{ pos Position }

func (IronCondor) Kind() Kind           { return KindIronCondor }
func (s IronCondor) Position() Position { return s.pos }
func (IronCondor) sealed()              {}

// ShouldExit fires when the underlying leaves the short strikes' range.
func (s IronCondor) ShouldExit(r SnapshotReader) bool {
	mid, ok := underlyingMid(r, s.pos.Underlying)
	if !ok || mid.IsZero() {
		return false
	}
	return mid.GreaterThan(s.pos.Legs[1].Strike) || mid.LessThan(s.pos.Legs[2].Strike)
}

// MidPrice returns (short call - long call) + (short put - long put).
func (s IronCondor) MidPrice(r SnapshotReader) (decimal.Decimal, bool) {
	l := s.pos.Legs
	return netMid(r, []models.OptionLeg{l[1], l[2]}, []models.OptionLeg{l[0], l[3]})
}

// NotTracked is any position the classifier has no rule for.
type NotTracked struct{ pos Position }

func (NotTracked) Kind() Kind                     { return KindOther }
func (s NotTracked) Position() Position           { return s.pos }
func (NotTracked) ShouldExit(SnapshotReader) bool { return false }
func (NotTracked) sealed()                        {}

func (NotTracked) MidPrice(SnapshotReader) (decimal.Decimal, bool) {
	return decimal.Zero, false
}
