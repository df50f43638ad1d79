// Package orders builds and submits liquidation orders and tracks the ones
// still in flight.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spread_sentinel/internal/broker"
	"github.com/eddiefleurent/spread_sentinel/internal/models"
	"github.com/eddiefleurent/spread_sentinel/internal/storage"
	"github.com/eddiefleurent/spread_sentinel/internal/strategy"
	"github.com/eddiefleurent/spread_sentinel/internal/util"
)

var (
	// ErrInFlight is returned when an order for an overlapping symbol set is pending.
	ErrInFlight = errors.New("order already in flight")
	// ErrNoPrice is returned when the strategy cannot be priced yet.
	ErrNoPrice = errors.New("mid price unavailable")
	// ErrNoLegs is returned for strategies without legs.
	ErrNoLegs = errors.New("strategy has no legs")
)

// Journal statuses written by the manager.
const (
	StatusSubmitted = "Submitted"
	StatusClosed    = "Closed"
)

// Config contains configuration for the order manager.
type Config struct {
	TickSize    decimal.Decimal
	CallTimeout time.Duration
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	TickSize:    util.DefaultTick,
	CallTimeout: 10 * time.Second,
}

// InFlight is a submitted order that has not reached a terminal state.
type InFlight struct {
	JournalID     string          `json:"journal_id"`
	BrokerOrderID int             `json:"broker_order_id"`
	Underlying    string          `json:"underlying"`
	Strategy      string          `json:"strategy"`
	Symbols       []string        `json:"symbols"`
	PriceEffect   string          `json:"price_effect"`
	Price         decimal.Decimal `json:"price"`
	SubmittedAt   time.Time       `json:"submitted_at"`
}

func (f InFlight) overlaps(symbols []string) bool {
	for _, a := range f.Symbols {
		for _, b := range symbols {
			if a == b {
				return true
			}
		}
	}
	return false
}

// Manager handles liquidation order submission.
type Manager struct {
	broker  broker.Broker
	storage storage.Interface
	logger  *logrus.Logger
	config  Config

	mu       sync.Mutex
	inFlight []*InFlight
}

// NewManager creates a new order manager instance.
func NewManager(
	broker broker.Broker,
	storage storage.Interface,
	logger *logrus.Logger,
	config ...Config,
) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if !cfg.TickSize.IsPositive() {
		cfg.TickSize = DefaultConfig.TickSize
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}

	// Validate required dependencies (fail fast to avoid later panics)
	if broker == nil {
		panic("orders.NewManager: broker must not be nil")
	}
	if storage == nil {
		panic("orders.NewManager: storage must not be nil")
	}

	return &Manager{
		broker:  broker,
		storage: storage,
		logger:  logger,
		config:  cfg,
	}
}

// BuildOrder creates the closing order for s priced at mid. The price effect
// follows the first leg: Credit when it is short, Debit when long.
func BuildOrder(s strategy.Strategy, mid, tick decimal.Decimal) (broker.Order, error) {
	legs := s.Position().Legs
	if len(legs) == 0 {
		return broker.Order{}, ErrNoLegs
	}
	price := util.LimitPrice(mid, tick)
	if price.IsZero() {
		return broker.Order{}, ErrNoPrice
	}

	effect := broker.PriceEffectDebit
	if legs[0].Direction == models.Short {
		effect = broker.PriceEffectCredit
	}

	order := broker.Order{
		TimeInForce: broker.TimeInForceDay,
		OrderType:   broker.OrderTypeLimit,
		Price:       price,
		PriceEffect: effect,
		Legs:        make([]broker.OrderLeg, 0, len(legs)),
	}
	for _, leg := range legs {
		action := broker.ActionBuyToClose
		if leg.Direction == models.Long {
			action = broker.ActionSellToClose
		}
		qty := leg.Quantity
		if qty < 0 {
			qty = -qty
		}
		order.Legs = append(order.Legs, broker.OrderLeg{
			InstrumentType: string(leg.InstrumentType),
			Symbol:         leg.Symbol,
			Quantity:       qty,
			Action:         action,
		})
	}
	return order, nil
}

// Liquidate submits a closing order for s unless one is already in flight
// for any of its symbols or it cannot be priced. A strategy with any
// unquoted leg returns ErrNoPrice.
func (m *Manager) Liquidate(ctx context.Context, s strategy.Strategy, r strategy.SnapshotReader) (*InFlight, error) {
	pos := s.Position()
	symbols := pos.Symbols()
	if len(symbols) == 0 {
		return nil, ErrNoLegs
	}

	mid, ok := s.MidPrice(r)
	if !ok || mid.IsZero() {
		return nil, ErrNoPrice
	}
	order, err := BuildOrder(s, mid, m.config.TickSize)
	if err != nil {
		return nil, err
	}

	// Reserve the symbols before the broker call so concurrent callers
	// cannot double submit.
	entry := &InFlight{
		JournalID:   uuid.NewString(),
		Underlying:  pos.Underlying,
		Strategy:    string(s.Kind()),
		Symbols:     symbols,
		PriceEffect: order.PriceEffect,
		Price:       order.Price,
		SubmittedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	for _, f := range m.inFlight {
		if f.overlaps(symbols) {
			m.mu.Unlock()
			return nil, ErrInFlight
		}
	}
	m.inFlight = append(m.inFlight, entry)
	m.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	data, err := m.broker.DryRunOrder(callCtx, order)
	if err != nil {
		m.release(entry.JournalID)
		return nil, fmt.Errorf("liquidate %s: %w", strategy.Describe(s), err)
	}

	m.mu.Lock()
	entry.BrokerOrderID = data.ID
	snapshot := *entry
	m.mu.Unlock()

	log := m.logger.WithFields(logrus.Fields{
		"journal_id":   entry.JournalID,
		"order_id":     data.ID,
		"status":       data.Status,
		"strategy":     strategy.Describe(s),
		"price":        order.Price.String(),
		"price_effect": order.PriceEffect,
	})
	log.Info("Liquidation order submitted")

	now := time.Now().UTC()
	if err := m.storage.RecordOrder(storage.OrderRecord{
		ID:            entry.JournalID,
		BrokerOrderID: data.ID,
		Underlying:    pos.Underlying,
		Strategy:      string(s.Kind()),
		Symbols:       symbols,
		PriceEffect:   order.PriceEffect,
		Price:         order.Price,
		Status:        StatusSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		log.WithError(err).Warn("Failed to journal order")
	}
	return &snapshot, nil
}

// HandleOrderUpdate releases in-flight entries matched by a terminal order
// update. Entries are matched by broker order id, or by symbols when the
// entry has no id.
func (m *Manager) HandleOrderUpdate(o broker.OrderData) {
	if o.ID == 0 || !o.IsTerminal() {
		return
	}
	symbols := o.Symbols()

	m.mu.Lock()
	var released []*InFlight
	kept := m.inFlight[:0]
	for _, f := range m.inFlight {
		match := f.BrokerOrderID == o.ID || (f.BrokerOrderID == 0 && f.overlaps(symbols))
		if match {
			released = append(released, f)
			continue
		}
		kept = append(kept, f)
	}
	m.inFlight = kept
	m.mu.Unlock()

	for _, f := range released {
		m.finish(f, o.Status)
	}
}

// Prune releases entries none of whose symbols are still open.
func (m *Manager) Prune(open []string) {
	set := make(map[string]struct{}, len(open))
	for _, s := range open {
		set[s] = struct{}{}
	}

	m.mu.Lock()
	var released []*InFlight
	kept := m.inFlight[:0]
	for _, f := range m.inFlight {
		stillOpen := false
		for _, s := range f.Symbols {
			if _, ok := set[s]; ok {
				stillOpen = true
				break
			}
		}
		if stillOpen {
			kept = append(kept, f)
			continue
		}
		released = append(released, f)
	}
	m.inFlight = kept
	m.mu.Unlock()

	for _, f := range released {
		m.finish(f, StatusClosed)
	}
}

// SeedFromLive marks the symbols of working broker orders as in flight so a
// restart does not submit duplicates.
func (m *Manager) SeedFromLive(ctx context.Context) error {
	live, err := m.broker.GetLiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("seed in-flight orders: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range live {
		if o.IsTerminal() || len(o.Legs) == 0 {
			continue
		}
		m.inFlight = append(m.inFlight, &InFlight{
			BrokerOrderID: o.ID,
			Underlying:    o.UnderlyingSymbol,
			Symbols:       o.Symbols(),
			SubmittedAt:   time.Now().UTC(),
		})
		m.logger.WithFields(logrus.Fields{
			"order_id":   o.ID,
			"underlying": o.UnderlyingSymbol,
			"status":     o.Status,
		}).Info("Tracking working order")
	}
	return nil
}

// InFlight returns a copy of the pending entries.
func (m *Manager) InFlight() []InFlight {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InFlight, 0, len(m.inFlight))
	for _, f := range m.inFlight {
		c := *f
		c.Symbols = append([]string(nil), f.Symbols...)
		out = append(out, c)
	}
	return out
}

func (m *Manager) release(journalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, f := range m.inFlight {
		if f.JournalID == journalID {
			m.inFlight = append(m.inFlight[:i], m.inFlight[i+1:]...)
			return
		}
	}
}

func (m *Manager) finish(f *InFlight, status string) {
	log := m.logger.WithFields(logrus.Fields{
		"order_id":   f.BrokerOrderID,
		"underlying": f.Underlying,
		"status":     status,
	})
	log.Info("Released in-flight order")
	if f.JournalID == "" {
		return
	}
	if err := m.storage.UpdateOrderStatus(f.JournalID, status); err != nil {
		log.WithError(err).Warn("Failed to update order journal")
	}
}
