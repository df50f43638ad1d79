package streamer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spread_sentinel/internal/models"
)

// DXLink protocol constants.
const (
	DXLinkKeepalive  = 55 // seconds
	dxlinkVersion    = "0.1"
	controlChannel   = 0
	feedChannel      = 1
	maxAuthAttempts  = 3
	authUnauthorized = "UNAUTHORIZED"
	authAuthorized   = "AUTHORIZED"
)

type dxHeader struct {
	Type    string `json:"type"`
	Channel uint64 `json:"channel"`
}

type dxSetup struct {
	Type                   string `json:"type"`
	Channel                uint64 `json:"channel"`
	KeepaliveTimeout       int    `json:"keepaliveTimeout"`
	AcceptKeepaliveTimeout int    `json:"acceptKeepaliveTimeout"`
	Version                string `json:"version"`
}

type dxAuth struct {
	Type    string `json:"type"`
	Channel uint64 `json:"channel"`
	Token   string `json:"token"`
}

type dxAuthState struct {
	State string `json:"state"`
}

type dxChannelRequest struct {
	Type       string `json:"type"`
	Channel    uint64 `json:"channel"`
	Service    string `json:"service"`
	Parameters struct {
		Contract string `json:"contract"`
	} `json:"parameters"`
}

type dxError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Subscription is one symbol and event type pair on the feed channel.
type Subscription struct {
	Symbol string `json:"symbol"`
	Type   string `json:"type"`
}

type dxFeedSubscription struct {
	Type    string         `json:"type"`
	Channel uint64         `json:"channel"`
	Add     []Subscription `json:"add"`
}

// MarketDataSession speaks DXLink. Subscriptions requested before the feed
// channel is open are queued and flushed once it is.
type MarketDataSession struct {
	base
	url          string
	token        string
	outbox       Writer
	out          Writer
	waiting      []Subscription
	subscribed   map[Subscription]struct{}
	authAttempts int
}

// NewMarketDataSession creates a DXLink session. Protocol frames are written
// to outbox; FEED_DATA frames are forwarded to out.
func NewMarketDataSession(url, token string, outbox, out Writer, logger *logrus.Logger) *MarketDataSession {
	return &MarketDataSession{
		base:       newBase(logger, "market-data"),
		url:        url,
		token:      token,
		outbox:     outbox,
		out:        out,
		subscribed: make(map[Subscription]struct{}),
	}
}

// URL returns the DXLink endpoint.
func (s *MarketDataSession) URL() string { return s.url }

// Token returns the quote token.
func (s *MarketDataSession) Token() string { return s.token }

// HeartbeatInterval returns the keepalive period.
func (s *MarketDataSession) HeartbeatInterval() time.Duration { return DXLinkKeepalive * time.Second }

// HeartbeatMessage returns the KEEPALIVE frame.
func (s *MarketDataSession) HeartbeatMessage() (string, error) {
	return encodeFrame(dxHeader{Type: "KEEPALIVE", Channel: controlChannel})
}

// Start returns the SETUP frame.
func (s *MarketDataSession) Start() ([]string, error) {
	frame, err := encodeFrame(dxSetup{
		Type:                   "SETUP",
		Channel:                controlChannel,
		KeepaliveTimeout:       DXLinkKeepalive,
		AcceptKeepaliveTimeout: DXLinkKeepalive,
		Version:                dxlinkVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("encode setup: %w", err)
	}
	return []string{frame}, nil
}

// Subscribe requests eventTypes for every symbol. Pairs already subscribed on
// the open channel are skipped.
func (s *MarketDataSession) Subscribe(symbols, eventTypes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sym := range symbols {
		for _, et := range eventTypes {
			sub := Subscription{Symbol: sym, Type: et}
			if _, ok := s.subscribed[sub]; ok {
				continue
			}
			s.waiting = append(s.waiting, sub)
		}
	}
	return s.flushLocked()
}

// Pending returns the number of queued subscriptions.
func (s *MarketDataSession) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

func (s *MarketDataSession) flushLocked() error {
	if !s.machine.IsAlive() || len(s.waiting) == 0 {
		return nil
	}

	// Collapse duplicates queued between flushes.
	add := make([]Subscription, 0, len(s.waiting))
	seen := make(map[Subscription]struct{}, len(s.waiting))
	for _, sub := range s.waiting {
		if _, dup := seen[sub]; dup {
			continue
		}
		if _, done := s.subscribed[sub]; done {
			continue
		}
		seen[sub] = struct{}{}
		add = append(add, sub)
	}
	if len(add) == 0 {
		s.waiting = nil
		return nil
	}

	frame, err := encodeFrame(dxFeedSubscription{Type: "FEED_SUBSCRIPTION", Channel: feedChannel, Add: add})
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	if s.outbox.Send(frame) == 0 {
		s.logger.Warn("No writer attached, keeping subscriptions queued")
		return nil
	}
	for _, sub := range add {
		s.subscribed[sub] = struct{}{}
	}
	s.waiting = nil
	s.logger.WithField("count", len(add)).Info("Subscribed to feed")
	return nil
}

func (s *MarketDataSession) sendLocked(v any) error {
	frame, err := encodeFrame(v)
	if err != nil {
		return err
	}
	s.outbox.Send(frame)
	return nil
}

// HandleResponse processes one inbound DXLink frame.
func (s *MarketDataSession) HandleResponse(raw []byte) error {
	var head dxHeader
	if err := json.Unmarshal(raw, &head); err != nil {
		s.logger.WithError(err).Warn("Dropping malformed frame")
		return nil
	}

	if head.Type == "FEED_DATA" {
		s.mu.Lock()
		s.markReceivedLocked()
		s.mu.Unlock()
		s.out.Send(string(raw))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.markReceivedLocked()

	switch head.Type {
	case "SETUP":
		s.logger.Debug("Setup acknowledged")
	case "AUTH_STATE":
		var st dxAuthState
		if err := json.Unmarshal(raw, &st); err != nil {
			s.logger.WithError(err).Warn("Dropping malformed auth state")
			return nil
		}
		return s.handleAuthStateLocked(st.State)
	case "CHANNEL_OPENED":
		if head.Channel != feedChannel {
			s.logger.WithField("channel", head.Channel).Warn("Unexpected channel opened")
			return nil
		}
		if s.transitionLocked(models.StateAlive, "channel_opened") {
			s.authAttempts = 0
			return s.flushLocked()
		}
	case "CHANNEL_CLOSED":
		s.logger.WithField("channel", head.Channel).Warn("Channel closed by server")
	case "KEEPALIVE":
		s.logger.Debug("Keepalive received")
	case "FEED_CONFIG":
		s.logger.WithField("config", string(raw)).Debug("Feed config")
	case "ERROR":
		var e dxError
		_ = json.Unmarshal(raw, &e)
		s.logger.WithFields(logrus.Fields{"error": e.Error, "message": e.Message}).Error("DXLink error")
	default:
		s.logger.WithField("type", head.Type).Debug("Dropping unknown message")
	}
	return nil
}

func (s *MarketDataSession) handleAuthStateLocked(state string) error {
	switch state {
	case authUnauthorized:
		s.authAttempts++
		if s.authAttempts > maxAuthAttempts {
			s.machine.Fail()
			return fmt.Errorf("%w: token refused after %d attempts", ErrSessionRejected, maxAuthAttempts)
		}
		s.transitionLocked(models.StateAuthenticating, "auth_required")
		// Subscriptions must be replayed on the reopened channel.
		for sub := range s.subscribed {
			s.waiting = append(s.waiting, sub)
		}
		s.subscribed = make(map[Subscription]struct{})
		return s.sendLocked(dxAuth{Type: "AUTH", Channel: controlChannel, Token: s.token})
	case authAuthorized:
		if !s.transitionLocked(models.StateSubscribing, "authorized") {
			return nil
		}
		req := dxChannelRequest{Type: "CHANNEL_REQUEST", Channel: feedChannel, Service: "FEED"}
		req.Parameters.Contract = "AUTO"
		return s.sendLocked(req)
	default:
		s.logger.WithField("state", state).Warn("Unknown auth state")
		return nil
	}
}
