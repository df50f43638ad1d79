// Package orchestrator refreshes the position book and drives exit checks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spread_sentinel/internal/broker"
	"github.com/eddiefleurent/spread_sentinel/internal/marketdata"
	"github.com/eddiefleurent/spread_sentinel/internal/models"
	"github.com/eddiefleurent/spread_sentinel/internal/orders"
	"github.com/eddiefleurent/spread_sentinel/internal/strategy"
)

// Config contains configuration for the orchestration loop.
type Config struct {
	RefreshInterval   time.Duration
	ExitCheckInterval time.Duration
}

// DefaultConfig is the default configuration for the orchestration loop.
var DefaultConfig = Config{
	RefreshInterval:   30 * time.Second,
	ExitCheckInterval: 5 * time.Second,
}

// Subscriber requests market data for streamer symbols.
type Subscriber interface {
	Subscribe(symbols, eventTypes []string) error
}

// Liquidator submits closing orders and tracks the pending ones.
type Liquidator interface {
	Liquidate(ctx context.Context, s strategy.Strategy, r strategy.SnapshotReader) (*orders.InFlight, error)
	Prune(open []string)
}

// Loop owns the classified position book.
type Loop struct {
	broker     broker.Broker
	store      *marketdata.Store
	subscriber Subscriber
	orders     Liquidator
	cancel     context.CancelFunc
	logger     *logrus.Logger
	config     Config

	mu          sync.RWMutex
	strategies  []strategy.Strategy
	lastRefresh time.Time
	streamers   map[string]string
}

// NewLoop creates an orchestration loop. cancel is invoked when a position
// refresh fails.
func NewLoop(
	b broker.Broker,
	store *marketdata.Store,
	subscriber Subscriber,
	liquidator Liquidator,
	cancel context.CancelFunc,
	logger *logrus.Logger,
	config ...Config,
) *Loop {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultConfig.RefreshInterval
	}
	if cfg.ExitCheckInterval <= 0 {
		cfg.ExitCheckInterval = DefaultConfig.ExitCheckInterval
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Loop{
		broker:     b,
		store:      store,
		subscriber: subscriber,
		orders:     liquidator,
		cancel:     cancel,
		logger:     logger,
		config:     cfg,
		streamers:  make(map[string]string),
	}
}

// Strategies returns the strategies found by the last refresh.
func (l *Loop) Strategies() []strategy.Strategy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]strategy.Strategy(nil), l.strategies...)
}

// LastRefresh returns when positions were last loaded.
func (l *Loop) LastRefresh() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastRefresh
}

// Run refreshes immediately, then on every refresh tick, and checks exits on
// every exit tick until ctx is done. A failed refresh cancels everything.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.refreshOrCancel(ctx); err != nil {
		return err
	}

	refresh := time.NewTicker(l.config.RefreshInterval)
	defer refresh.Stop()
	exits := time.NewTicker(l.config.ExitCheckInterval)
	defer exits.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Orchestration loop stopped")
			return nil
		case <-refresh.C:
			if err := l.refreshOrCancel(ctx); err != nil {
				return err
			}
		case <-exits.C:
			l.CheckExits(ctx)
		}
	}
}

func (l *Loop) refreshOrCancel(ctx context.Context) error {
	err := l.Refresh(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	l.logger.WithError(err).Error("Position refresh failed")
	l.cancel()
	return err
}

// Refresh loads positions, classifies them and subscribes their symbols.
func (l *Loop) Refresh(ctx context.Context) error {
	items, err := l.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("refresh positions: %w", err)
	}

	records := make([]models.LegRecord, 0, len(items))
	for _, item := range items {
		records = append(records, item.Record())
	}
	groups := strategy.GroupByUnderlying(records)

	underlyings := make([]string, 0, len(groups))
	for u := range groups {
		underlyings = append(underlyings, u)
	}
	sort.Strings(underlyings)

	var (
		book   []strategy.Strategy
		open   []string
		quotes []string
		greeks []string
	)
	for _, underlying := range underlyings {
		s := strategy.New(strategy.BuildPosition(underlying, groups[underlying], l.logger))
		pos := s.Position()
		book = append(book, s)
		if len(pos.Legs) == 0 {
			continue
		}

		for _, leg := range pos.Legs {
			open = append(open, leg.Symbol)
			streamer, err := l.streamerSymbol(ctx, leg.Symbol, leg.InstrumentType)
			if err != nil {
				l.logger.WithError(err).WithField("symbol", leg.Symbol).Warn("Streamer symbol lookup failed")
				continue
			}
			strike := leg.Strike
			l.store.Track(leg.Symbol, underlying, streamer, &strike)
			quotes = append(quotes, streamer)
			if s.Kind() == strategy.KindCalendarSpread {
				greeks = append(greeks, streamer)
			}
		}

		streamer, err := l.streamerSymbol(ctx, underlying, pos.Legs[0].InstrumentType.Underlying())
		if err != nil {
			l.logger.WithError(err).WithField("symbol", underlying).Warn("Streamer symbol lookup failed")
			continue
		}
		l.store.Track(underlying, underlying, streamer, nil)
		quotes = append(quotes, streamer)
	}

	if len(quotes) > 0 {
		if err := l.subscriber.Subscribe(quotes, []string{marketdata.EventQuote}); err != nil {
			l.logger.WithError(err).Warn("Quote subscription failed")
		}
	}
	if len(greeks) > 0 {
		if err := l.subscriber.Subscribe(greeks, []string{marketdata.EventGreeks}); err != nil {
			l.logger.WithError(err).Warn("Greeks subscription failed")
		}
	}
	l.orders.Prune(open)

	l.mu.Lock()
	l.strategies = book
	l.lastRefresh = time.Now().UTC()
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"strategies": len(book),
		"legs":       len(open),
	}).Debug("Positions refreshed")
	return nil
}

func (l *Loop) streamerSymbol(ctx context.Context, symbol string, it models.InstrumentType) (string, error) {
	l.mu.RLock()
	s, ok := l.streamers[symbol]
	l.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := l.broker.GetStreamerSymbol(ctx, symbol, it)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	l.streamers[symbol] = s
	l.mu.Unlock()
	return s, nil
}

// CheckExits evaluates every strategy and liquidates those signalling exit.
// It returns the number of orders submitted.
func (l *Loop) CheckExits(ctx context.Context) int {
	submitted := 0
	for _, s := range l.Strategies() {
		if !s.ShouldExit(l.store) {
			continue
		}
		log := l.logger.WithField("strategy", strategy.Describe(s))
		log.Info("Exit signal")

		_, err := l.orders.Liquidate(ctx, s, l.store)
		switch {
		case err == nil:
			submitted++
		case errors.Is(err, orders.ErrInFlight):
			log.Debug("Liquidation already in flight")
		case errors.Is(err, orders.ErrNoPrice):
			log.Warn("Cannot price liquidation yet")
		default:
			log.WithError(err).Error("Liquidation failed")
		}
	}
	return submitted
}
