// Package broker talks to the tastytrade REST API.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/spread_sentinel/internal/models"
)

// Broker defines the broker operations the sentinel depends on.
type Broker interface {
	GetPositions(ctx context.Context) ([]PositionItem, error)
	GetLiveOrders(ctx context.Context) ([]OrderData, error)
	DryRunOrder(ctx context.Context, order Order) (*OrderData, error)
	GetStreamerSymbol(ctx context.Context, symbol string, it models.InstrumentType) (string, error)
	GetQuoteToken(ctx context.Context) (*QuoteToken, error)
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after 60% failures over at least 5 requests.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, DefaultCircuitBreakerSettings)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *logrus.Logger,
	settings CircuitBreakerSettings) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// Rejections and missing resources are answers, not outages.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Temporary()
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the breaker state.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// GetPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) { return b.GetPositions(ctx) })
}

// GetLiveOrders wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetLiveOrders(ctx context.Context) ([]OrderData, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]OrderData, error) { return b.GetLiveOrders(ctx) })
}

// DryRunOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) DryRunOrder(ctx context.Context, order Order) (*OrderData, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderData, error) { return b.DryRunOrder(ctx, order) })
}

// GetStreamerSymbol wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetStreamerSymbol(ctx context.Context, symbol string,
	it models.InstrumentType) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.GetStreamerSymbol(ctx, symbol, it)
	})
}

// GetQuoteToken wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuoteToken(ctx context.Context) (*QuoteToken, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*QuoteToken, error) { return b.GetQuoteToken(ctx) })
}
