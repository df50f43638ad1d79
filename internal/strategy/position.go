// Package strategy groups position legs into known option strategies and
// decides when they should be closed.
package strategy

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spread_sentinel/internal/models"
)

// Kind is the shape of a position as recognised by the classifier.
type Kind string

const (
	KindCall           Kind = "Call"
	KindPut            Kind = "Put"
	KindCreditSpread   Kind = "CreditSpread"
	KindCalendarSpread Kind = "CalendarSpread"
	KindIronCondor     Kind = "IronCondor"
	KindOther          Kind = "Other"
)

// Position is the set of parsed option legs sharing one underlying, sorted by
// strike descending.
type Position struct {
	Underlying string
	Legs       []models.OptionLeg
	Kind       Kind
}

// Symbols returns the broker symbols of every leg.
func (p Position) Symbols() []string {
	out := make([]string, 0, len(p.Legs))
	for _, l := range p.Legs {
		out = append(out, l.Symbol)
	}
	return out
}

// BuildPosition parses records and classifies the result. Legs that fail to
// parse are logged and left out, so len(Legs) is the parsed count.
func BuildPosition(underlying string, records []models.LegRecord, logger *logrus.Logger) Position {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	legs := make([]models.OptionLeg, 0, len(records))
	for _, rec := range records {
		leg, err := models.ParseLeg(rec)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"underlying": underlying,
				"symbol":     rec.Symbol,
			}).Warn("Skipping leg")
			continue
		}
		legs = append(legs, leg)
	}

	sort.SliceStable(legs, func(i, j int) bool {
		if !legs[i].SameStrike(legs[j]) {
			return legs[i].Strike.GreaterThan(legs[j].Strike)
		}
		return legs[i].Expiration.Before(legs[j].Expiration)
	})

	return Position{
		Underlying: underlying,
		Legs:       legs,
		Kind:       classify(legs),
	}
}

func classify(legs []models.OptionLeg) Kind {
	switch len(legs) {
	case 1:
		if legs[0].Side == models.Call {
			return KindCall
		}
		return KindPut
	case 2:
		switch {
		case legs[0].SameExpiration(legs[1]):
			return KindCreditSpread
		case legs[0].SameStrike(legs[1]):
			return KindCalendarSpread
		default:
			return KindOther
		}
	case 4:
		return KindIronCondor
	default:
		return KindOther
	}
}

// GroupByUnderlying buckets records by their underlying symbol. Records of
// non-option instruments are dropped.
func GroupByUnderlying(records []models.LegRecord) map[string][]models.LegRecord {
	out := make(map[string][]models.LegRecord)
	for _, rec := range records {
		it, err := models.ParseInstrumentType(rec.InstrumentType)
		if err != nil || !it.IsOption() {
			continue
		}
		out[rec.Underlying] = append(out[rec.Underlying], rec)
	}
	return out
}
