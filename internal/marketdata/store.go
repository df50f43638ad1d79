package marketdata

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spread_sentinel/internal/stream"
)

// Config contains configuration for the snapshot store.
type Config struct {
	SweepInterval time.Duration
	StaleAfter    time.Duration
}

// DefaultConfig is the default configuration for the snapshot store.
var DefaultConfig = Config{
	SweepInterval: time.Second,
	StaleAfter:    30 * time.Second,
}

// Snapshot is the latest market data known for one instrument.
type Snapshot struct {
	Symbol         string           `json:"symbol"`
	Underlying     string           `json:"underlying"`
	StreamerSymbol string           `json:"streamer_symbol"`
	StrikePrice    *decimal.Decimal `json:"strike_price,omitempty"`
	Quote          *Quote           `json:"quote,omitempty"`
	Greeks         *Greeks          `json:"greeks,omitempty"`
	LastUpdate     time.Time        `json:"last_update"`

	lastWarned time.Time
}

// MidPrice returns the quote mid-price. ok is false until a priced quote
// arrives.
func (s Snapshot) MidPrice() (mid decimal.Decimal, ok bool) {
	if s.Quote == nil || !s.Quote.Priced() {
		return decimal.Zero, false
	}
	return s.Quote.MidPrice(), true
}

func (s *Snapshot) copy() Snapshot {
	out := *s
	if s.StrikePrice != nil {
		strike := *s.StrikePrice
		out.StrikePrice = &strike
	}
	if s.Quote != nil {
		q := *s.Quote
		out.Quote = &q
	}
	if s.Greeks != nil {
		g := *s.Greeks
		out.Greeks = &g
	}
	return out
}

// Store maps instrument symbols to snapshots. A single mutex guards the whole
// collection; readers get copies.
type Store struct {
	mu         sync.Mutex
	snapshots  map[string]*Snapshot
	byStreamer map[string]string
	logger     *logrus.Logger
	config     Config
	now        func() time.Time
}

// NewStore creates an empty snapshot store.
func NewStore(logger *logrus.Logger, config ...Config) *Store {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig.SweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig.StaleAfter
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Store{
		snapshots:  make(map[string]*Snapshot),
		byStreamer: make(map[string]string),
		logger:     logger,
		config:     cfg,
		now:        time.Now,
	}
}

// Track creates the snapshot for symbol if it does not exist yet. It returns
// true when a new snapshot was created.
func (s *Store) Track(symbol, underlying, streamerSymbol string, strike *decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[symbol]; ok {
		return false
	}

	snap := &Snapshot{
		Symbol:         symbol,
		Underlying:     underlying,
		StreamerSymbol: streamerSymbol,
		LastUpdate:     s.now(),
	}
	if strike != nil {
		v := *strike
		snap.StrikePrice = &v
	}
	s.snapshots[symbol] = snap
	s.byStreamer[streamerSymbol] = symbol
	return true
}

// Upsert merges one event into the snapshot whose streamer symbol matches the
// event symbol. Quote and greeks are overwritten independently. It reports
// whether a tracked snapshot was updated.
func (s *Store) Upsert(ev Event) bool {
	if ev.Quote == nil && ev.Greeks == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	symbol, ok := s.byStreamer[ev.Symbol]
	if !ok {
		return false
	}
	snap := s.snapshots[symbol]

	switch {
	case ev.Quote != nil:
		q := *ev.Quote
		snap.Quote = &q
	case ev.Greeks != nil:
		g := *ev.Greeks
		snap.Greeks = &g
	}

	if now := s.now(); now.After(snap.LastUpdate) {
		snap.LastUpdate = now
	}
	return true
}

// HandleFeedData decodes a FEED_DATA frame and upserts every event in it.
// Malformed entries are logged and skipped; the rest of the frame applies.
func (s *Store) HandleFeedData(raw []byte) (int, error) {
	fd, err := DecodeFeedData(raw)
	if err != nil {
		return 0, err
	}
	for _, entryErr := range fd.Errors {
		s.logger.WithError(entryErr).Warn("Dropping malformed feed event")
	}

	applied := 0
	for _, ev := range fd.Data {
		if s.Upsert(ev) {
			applied++
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"event_type": ev.Type,
			"symbol":     ev.Symbol,
		}).Debug("Dropping event for untracked symbol")
	}
	return applied, nil
}

// Get returns a copy of the snapshot for symbol.
func (s *Store) Get(symbol string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[symbol]
	if !ok {
		return Snapshot{}, false
	}
	return snap.copy(), true
}

// GetAllForUnderlying returns the snapshots derived from underlying, without
// the underlying itself, sorted by strike ascending.
func (s *Store) GetAllForUnderlying(underlying string) []Snapshot {
	s.mu.Lock()
	out := make([]Snapshot, 0)
	for _, snap := range s.snapshots {
		if snap.Underlying != underlying || snap.Symbol == underlying {
			continue
		}
		out = append(out, snap.copy())
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return strikeOf(out[i]).LessThan(strikeOf(out[j]))
	})
	return out
}

// All returns a copy of every snapshot ordered by symbol.
func (s *Store) All() []Snapshot {
	s.mu.Lock()
	out := make([]Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap.copy())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len returns the number of tracked symbols.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func strikeOf(s Snapshot) decimal.Decimal {
	if s.StrikePrice == nil {
		return decimal.Zero
	}
	return *s.StrikePrice
}

// Stale returns the symbols whose last update is older than the configured
// threshold and that have not been reported within that threshold. Returned
// symbols are marked as reported.
func (s *Store) Stale() []string {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []string
	for symbol, snap := range s.snapshots {
		if now.Sub(snap.LastUpdate) <= s.config.StaleAfter {
			continue
		}
		if !snap.lastWarned.IsZero() && now.Sub(snap.lastWarned) <= s.config.StaleAfter {
			continue
		}
		snap.lastWarned = now
		stale = append(stale, symbol)
	}
	sort.Strings(stale)
	return stale
}

// Run sweeps the store for stale snapshots until ctx is done. Stale entries
// are logged, never evicted.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, symbol := range s.Stale() {
				s.logger.WithFields(logrus.Fields{
					"symbol":      symbol,
					"stale_after": s.config.StaleAfter,
				}).Warn("No market data received recently")
			}
		}
	}
}

// Consume applies FEED_DATA frames published by the market-data session until
// ctx is done. A closed channel is fatal and triggers cancel.
func (s *Store) Consume(ctx context.Context, rx *stream.Receiver[string], cancel context.CancelFunc) error {
	for {
		frame, err := rx.Recv(ctx)
		if err != nil {
			var lagged *stream.LaggedError
			switch {
			case errors.As(err, &lagged):
				s.logger.WithField("skipped", lagged.Skipped).Warn("Market data consumer lagged")
				continue
			case errors.Is(err, stream.ErrClosed):
				s.logger.Error("Market data channel closed")
				cancel()
				return err
			default:
				return nil
			}
		}

		if _, err := s.HandleFeedData([]byte(frame)); err != nil {
			s.logger.WithError(err).Warn("Dropping malformed feed data")
		}
	}
}
