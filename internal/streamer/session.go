// Package streamer runs the account and DXLink market-data WebSocket sessions.
package streamer

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spread_sentinel/internal/models"
)

// Default WebSocket endpoints for the account stream.
const (
	SandboxAccountURL = "wss://streamer.cert.tastyworks.com"
	LiveAccountURL    = "wss://streamer.tastyworks.com"
)

// ErrSessionRejected is returned by HandleResponse when the broker refuses the
// session. The runner treats it as fatal.
var ErrSessionRejected = errors.New("session rejected")

// Session is one streaming protocol spoken over a WebSocket connection.
// HandleResponse is called for every inbound frame in arrival order; any
// error it returns is fatal for the connection.
type Session interface {
	URL() string
	Token() string
	IsAlive() bool
	HeartbeatInterval() time.Duration
	HeartbeatMessage() (string, error)
	Start() ([]string, error)
	HandleResponse(raw []byte) error
	MarkSent()
}

// Writer enqueues outbound frames. stream.Broadcast[string] satisfies it.
type Writer interface {
	Send(frame string) int
}

// Status is a point-in-time view of a session.
type Status struct {
	State        models.SessionState `json:"state"`
	Since        time.Time           `json:"since"`
	LastReceived time.Time           `json:"last_received"`
	LastSent     time.Time           `json:"last_sent"`
}

// base carries the state shared by both session kinds. Methods ending in
// Locked expect mu to be held.
type base struct {
	mu           sync.Mutex
	machine      *models.SessionStateMachine
	lastReceived time.Time
	lastSent     time.Time
	logger       *logrus.Entry
}

func newBase(logger *logrus.Logger, name string) base {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return base{
		machine: models.NewSessionStateMachine(),
		logger:  logger.WithField("session", name),
	}
}

// IsAlive reports whether the handshake has completed.
func (b *base) IsAlive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.machine.IsAlive()
}

// State returns the current protocol state.
func (b *base) State() models.SessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.machine.Current()
}

// MarkSent stamps the time of the last outbound frame.
func (b *base) MarkSent() {
	b.mu.Lock()
	b.lastSent = time.Now()
	b.mu.Unlock()
}

// Status returns a snapshot of the session state and activity.
func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		State:        b.machine.Current(),
		Since:        b.machine.Since(),
		LastReceived: b.lastReceived,
		LastSent:     b.lastSent,
	}
}

func (b *base) markReceivedLocked() {
	b.lastReceived = time.Now()
}

func (b *base) transitionLocked(to models.SessionState, condition string) bool {
	from := b.machine.Current()
	if err := b.machine.Transition(to, condition); err != nil {
		b.logger.WithError(err).Warn("Ignoring unexpected state change")
		return false
	}
	b.logger.WithFields(logrus.Fields{"from": from, "to": to}).Info("Session state changed")
	return true
}

func encodeFrame(v any) (string, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}
