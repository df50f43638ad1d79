// Package retry retries idempotent broker calls that fail with transient errors.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config contains configuration for the retry client.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig is the default retry configuration.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
}

// Temporary is implemented by errors that know whether a retry may succeed.
type Temporary interface {
	Temporary() bool
}

// Client retries operations with exponential backoff and jitter.
type Client struct {
	logger *logrus.Logger
	config Config
}

// NewClient creates a retry client. Invalid config values fall back to DefaultConfig.
func NewClient(logger *logrus.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		logger: logger,
		config: cfg,
	}
}

// Do runs fn until it succeeds, fails with a permanent error, runs out of
// attempts, or ctx is done.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				c.logger.WithField("op", op).Infof("Succeeded on attempt %d", attempt+1)
			}
			return nil
		}

		lastErr = err
		if !c.isTransientError(err) || attempt == c.config.MaxRetries {
			break
		}

		c.logger.WithError(err).WithField("op", op).Warnf("Transient error on attempt %d/%d, retrying in %v",
			attempt+1, c.config.MaxRetries+1, backoff)
		select {
		case <-time.After(backoff):
			backoff = c.calculateNextBackoff(backoff)
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}
	}

	return lastErr
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Warn("Failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var temp Temporary
	if errors.As(err, &temp) {
		return temp.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"eof",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
