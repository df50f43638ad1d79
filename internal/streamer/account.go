package streamer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spread_sentinel/internal/models"
)

// AccountHeartbeatInterval is how often the account stream is pinged.
const AccountHeartbeatInterval = 30 * time.Second

type accountRequest struct {
	Action    string   `json:"action"`
	Value     []string `json:"value,omitempty"`
	AuthToken string   `json:"auth-token"`
}

type accountResponse struct {
	Status    string          `json:"status"`
	Action    string          `json:"action"`
	SessionID string          `json:"web-socket-session-id"`
	Value     json.RawMessage `json:"value"`
	RequestID int             `json:"request-id"`
}

// AccountSession speaks the account notification protocol. Control responses
// drive the state machine; everything else is forwarded to out.
type AccountSession struct {
	base
	url       string
	token     string
	accounts  []string
	out       Writer
	sessionID string
}

// NewAccountSession creates an account session for the given accounts.
func NewAccountSession(url, token string, accounts []string, out Writer, logger *logrus.Logger) *AccountSession {
	return &AccountSession{
		base:     newBase(logger, "account"),
		url:      url,
		token:    token,
		accounts: accounts,
		out:      out,
	}
}

// URL returns the WebSocket endpoint.
func (s *AccountSession) URL() string { return s.url }

// Token returns the session token used to authenticate.
func (s *AccountSession) Token() string { return s.token }

// HeartbeatInterval returns the heartbeat period.
func (s *AccountSession) HeartbeatInterval() time.Duration { return AccountHeartbeatInterval }

// HeartbeatMessage returns the heartbeat frame.
func (s *AccountSession) HeartbeatMessage() (string, error) {
	return encodeFrame(accountRequest{Action: "heartbeat", AuthToken: s.token})
}

// Start returns the connect frame.
func (s *AccountSession) Start() ([]string, error) {
	frame, err := encodeFrame(accountRequest{Action: "connect", Value: s.accounts, AuthToken: s.token})
	if err != nil {
		return nil, fmt.Errorf("encode connect: %w", err)
	}
	return []string{frame}, nil
}

// SessionID returns the id assigned by the broker on connect.
func (s *AccountSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// HandleResponse processes one inbound frame.
func (s *AccountSession) HandleResponse(raw []byte) error {
	var resp accountResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Status == "" {
		s.out.Send(string(raw))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if resp.Status != "ok" {
		s.machine.Fail()
		return fmt.Errorf("%w: action %s, status %s", ErrSessionRejected, resp.Action, resp.Status)
	}

	s.markReceivedLocked()
	switch resp.Action {
	case "connect":
		s.sessionID = resp.SessionID
		s.transitionLocked(models.StateAlive, "connected")
		s.logger.WithField("ws_session_id", resp.SessionID).Info("Account stream connected")
	case "heartbeat":
		s.logger.Debug("Heartbeat acknowledged")
	default:
		s.logger.WithField("action", resp.Action).Debug("Acknowledged")
	}
	return nil
}
