// Package models provides the domain types shared by the streamer sessions,
// the strategy classifier and the broker client.
package models

import (
	"fmt"
	"time"
)

// SessionState is the protocol state of a streamer session.
type SessionState string

const (
	StateConnecting     SessionState = "connecting"     // Opening frame sent, waiting for the broker
	StateAuthenticating SessionState = "authenticating" // Auth token sent
	StateSubscribing    SessionState = "subscribing"    // Feed channel requested
	StateAlive          SessionState = "alive"          // Handshake complete
	StateFailed         SessionState = "failed"         // Rejected by the broker, terminal
)

// SessionTransition defines one legal state change.
type SessionTransition struct {
	From        SessionState
	To          SessionState
	Condition   string
	Description string
}

// ValidSessionTransitions lists every state change a session may take.
var ValidSessionTransitions = []SessionTransition{
	// Account stream
	{StateConnecting, StateAlive, "connected", "Account connect acknowledged"},

	// Market-data stream
	{StateConnecting, StateAuthenticating, "auth_required", "Feed reported UNAUTHORIZED"},
	{StateConnecting, StateSubscribing, "authorized", "Feed authorized without explicit auth"},
	{StateAuthenticating, StateSubscribing, "authorized", "Feed reported AUTHORIZED"},
	{StateSubscribing, StateAlive, "channel_opened", "Feed channel opened"},
	{StateAlive, StateAuthenticating, "auth_required", "Feed asked for re-authentication"},
	{StateAuthenticating, StateAuthenticating, "auth_required", "Repeated UNAUTHORIZED"},

	// Rejections
	{StateConnecting, StateFailed, "rejected", "Handshake rejected"},
	{StateAuthenticating, StateFailed, "rejected", "Authentication rejected"},
	{StateSubscribing, StateFailed, "rejected", "Channel request rejected"},
	{StateAlive, StateFailed, "rejected", "Session rejected"},
}

// SessionStateMachine tracks the handshake progress of one session.
// It is not safe for concurrent use; sessions guard it with their own lock.
type SessionStateMachine struct {
	transitionTime time.Time
	current        SessionState
	previous       SessionState
}

// NewSessionStateMachine creates a state machine in StateConnecting.
func NewSessionStateMachine() *SessionStateMachine {
	return &SessionStateMachine{
		current:        StateConnecting,
		previous:       StateConnecting,
		transitionTime: time.Now().UTC(),
	}
}

// Current returns the current state.
func (sm *SessionStateMachine) Current() SessionState {
	return sm.current
}

// Previous returns the state before the last transition.
func (sm *SessionStateMachine) Previous() SessionState {
	return sm.previous
}

// Since returns when the last transition happened.
func (sm *SessionStateMachine) Since() time.Time {
	return sm.transitionTime
}

// IsAlive reports whether the handshake completed.
func (sm *SessionStateMachine) IsAlive() bool {
	return sm.current == StateAlive
}

// IsTerminal reports whether no further transition is possible.
func (sm *SessionStateMachine) IsTerminal() bool {
	return sm.current == StateFailed
}

// CanTransition checks a move against ValidSessionTransitions.
func (sm *SessionStateMachine) CanTransition(to SessionState, condition string) error {
	for _, tr := range ValidSessionTransitions {
		if tr.From == sm.current && tr.To == to && tr.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid session transition from %s to %s with condition '%s'",
		sm.current, to, condition)
}

// Transition moves to a new state.
func (sm *SessionStateMachine) Transition(to SessionState, condition string) error {
	if err := sm.CanTransition(to, condition); err != nil {
		return err
	}
	sm.previous = sm.current
	sm.current = to
	sm.transitionTime = time.Now().UTC()
	return nil
}

// Fail moves to StateFailed from any non-terminal state.
func (sm *SessionStateMachine) Fail() {
	if sm.current == StateFailed {
		return
	}
	sm.previous = sm.current
	sm.current = StateFailed
	sm.transitionTime = time.Now().UTC()
}
