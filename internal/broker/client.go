package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spread_sentinel/internal/models"
	"github.com/eddiefleurent/spread_sentinel/internal/retry"
)

// Default REST endpoints.
const (
	SandboxAPIURL = "https://api.cert.tastyworks.com"
	LiveAPIURL    = "https://api.tastyworks.com"

	userAgent = "spread-sentinel/1.0"
)

// ErrNoSession is returned when an authenticated call is made before login.
var ErrNoSession = errors.New("no session token")

// TastyAPI is the REST client for the tastytrade API.
type TastyAPI struct {
	client    *http.Client
	retry     *retry.Client
	logger    *logrus.Logger
	baseURL   string
	accountID string

	mu           sync.RWMutex
	sessionToken string
}

// Option customizes a TastyAPI.
type Option func(*TastyAPI)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *TastyAPI) { t.client = c }
}

// WithRetry replaces the retry client used for idempotent requests.
func WithRetry(r *retry.Client) Option {
	return func(t *TastyAPI) { t.retry = r }
}

// NewTastyAPI creates a new tastytrade REST client.
func NewTastyAPI(baseURL, accountID string, logger *logrus.Logger, opts ...Option) *TastyAPI {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	t := &TastyAPI{
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.retry == nil {
		t.retry = retry.NewClient(logger)
	}
	return t
}

// Ensure TastyAPI implements Broker at compile time.
var _ Broker = (*TastyAPI)(nil)

// AccountID returns the account the client trades.
func (t *TastyAPI) AccountID() string {
	return t.accountID
}

// SetSessionToken installs a session token obtained elsewhere (e.g. from storage).
func (t *TastyAPI) SetSessionToken(token string) {
	t.mu.Lock()
	t.sessionToken = token
	t.mu.Unlock()
}

// SessionToken returns the current session token.
func (t *TastyAPI) SessionToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionToken
}

// Login creates a session with username and password.
func (t *TastyAPI) Login(ctx context.Context, login, password string, rememberMe bool) (*Session, error) {
	body := map[string]any{
		"login":       login,
		"password":    password,
		"remember-me": rememberMe,
	}
	return t.createSession(ctx, body)
}

// LoginWithRememberToken creates a session from a remember token.
func (t *TastyAPI) LoginWithRememberToken(ctx context.Context, login, rememberToken string) (*Session, error) {
	body := map[string]any{
		"login":          login,
		"remember-token": rememberToken,
		"remember-me":    true,
	}
	return t.createSession(ctx, body)
}

func (t *TastyAPI) createSession(ctx context.Context, body any) (*Session, error) {
	var resp envelope[Session]
	if err := t.makeRequestCtx(ctx, http.MethodPost, "/sessions", body, false, &resp); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if resp.Data.SessionToken == "" {
		return nil, fmt.Errorf("login: %w", ErrNoSession)
	}
	t.SetSessionToken(resp.Data.SessionToken)
	t.logger.WithField("user", resp.Data.User.Username).Info("Session created")
	return &resp.Data, nil
}

// ValidateSession checks that the current session token is still accepted.
func (t *TastyAPI) ValidateSession(ctx context.Context) error {
	return t.makeRequestCtx(ctx, http.MethodPost, "/sessions/validate", nil, true, nil)
}

// GetQuoteToken fetches a DXLink token and URL.
func (t *TastyAPI) GetQuoteToken(ctx context.Context) (*QuoteToken, error) {
	var resp envelope[QuoteToken]
	if err := t.get(ctx, "quote token", "/api-quote-tokens", &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// GetPositions returns every open position leg of the account.
func (t *TastyAPI) GetPositions(ctx context.Context) ([]PositionItem, error) {
	var resp envelope[itemsEnvelope[PositionItem]]
	path := fmt.Sprintf("/accounts/%s/positions", url.PathEscape(t.accountID))
	if err := t.get(ctx, "positions", path, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Items, nil
}

// GetLiveOrders returns the account's orders for the current session day.
func (t *TastyAPI) GetLiveOrders(ctx context.Context) ([]OrderData, error) {
	var resp envelope[itemsEnvelope[OrderData]]
	path := fmt.Sprintf("/accounts/%s/orders/live", url.PathEscape(t.accountID))
	if err := t.get(ctx, "live orders", path, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Items, nil
}

// DryRunOrder validates an order without routing it. It is not retried.
func (t *TastyAPI) DryRunOrder(ctx context.Context, order Order) (*OrderData, error) {
	var resp envelope[DryRunResult]
	path := fmt.Sprintf("/accounts/%s/orders/dry-run", url.PathEscape(t.accountID))
	if err := t.makeRequestCtx(ctx, http.MethodPost, path, order, true, &resp); err != nil {
		return nil, fmt.Errorf("dry-run order: %w", err)
	}
	for _, w := range resp.Data.Warnings {
		t.logger.WithFields(logrus.Fields{"code": w.Code, "message": w.Message}).Warn("Order warning")
	}
	return &resp.Data.Order, nil
}

// GetStreamerSymbol resolves the DXLink symbol for an instrument.
func (t *TastyAPI) GetStreamerSymbol(ctx context.Context, symbol string, it models.InstrumentType) (string, error) {
	segment, err := instrumentPath(it)
	if err != nil {
		return "", err
	}
	var resp envelope[Instrument]
	path := fmt.Sprintf("/instruments/%s/%s", segment, url.PathEscape(symbol))
	if err := t.get(ctx, "instrument "+symbol, path, &resp); err != nil {
		return "", err
	}
	if resp.Data.StreamerSymbol == "" {
		return "", fmt.Errorf("instrument %s: empty streamer symbol", symbol)
	}
	return resp.Data.StreamerSymbol, nil
}

func instrumentPath(it models.InstrumentType) (string, error) {
	switch it {
	case models.InstrumentEquity:
		return "equities", nil
	case models.InstrumentFuture:
		return "futures", nil
	case models.InstrumentEquityOption:
		return "equity-options", nil
	case models.InstrumentFutureOption:
		return "future-options", nil
	default:
		return "", fmt.Errorf("%w: %q", models.ErrUnsupportedInstrument, it)
	}
}

// get performs an authenticated, retried GET.
func (t *TastyAPI) get(ctx context.Context, op, path string, out any) error {
	err := t.retry.Do(ctx, op, func(ctx context.Context) error {
		return t.makeRequestCtx(ctx, http.MethodGet, path, nil, true, out)
	})
	if err != nil {
		return fmt.Errorf("get %s: %w", op, err)
	}
	return nil
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (t *TastyAPI) makeRequestCtx(ctx context.Context, method, path string,
	body any, auth bool, response any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if auth {
		token := t.SessionToken()
		if token == "" {
			return ErrNoSession
		}
		req.Header.Set("Authorization", token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Debug("Failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, path)}
		}
		apiErr := newAPIError(resp.StatusCode, string(raw))
		if kind, ok := apiErr.Kind(); ok && kind == ServerError {
			t.logger.WithFields(logrus.Fields{
				"path":       path,
				"identifier": apiErr.Identifier(),
			}).Error(kind.Description())
		}
		return apiErr
	}

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
