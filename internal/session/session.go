// Package session owns the lifecycle of conversation sessions: requirement
// gating, initial actions, turn recording, and idle expiry. Each session is a
// single logical unit of mutable state under a single-writer discipline; all
// mutations are serialized by the session's lock while distinct sessions
// proceed fully in parallel.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsedesk/session-engine/internal/domain"
)

// State is a session's lifecycle state.
type State string

const (
	// StateCreated means the session exists but its workflow requirements are
	// not yet satisfied.
	StateCreated State = "created"

	// StateConnected means all workflow requirements are satisfied and the
	// initial action has run.
	StateConnected State = "connected"

	// StateActive means at least one conversational turn has been recorded.
	StateActive State = "active"

	// StateClosed means the session was explicitly closed or expired. Closed
	// is reachable from any state.
	StateClosed State = "closed"
)

// EventResult is the cached outcome of an applied transition event, returned
// verbatim on duplicate delivery.
type EventResult struct {
	Applied        bool   `json:"applied"`
	Workflow       string `json:"workflow"`
	SystemMessage  string `json:"system_message,omitempty"`
	AlreadyApplied bool   `json:"already_applied,omitempty"`
}

// Session is the mutable state of one conversation. Fields must only be read
// or written while holding the session's lock via Manager.Locked, except by
// the Manager itself.
type Session struct {
	mu sync.Mutex

	ID            string
	Workflow      string
	MerchantID    string
	Scenario      string
	Authenticated bool
	State         State

	// Turn counts recorded messages; history is strictly ordered by it.
	Turn    int
	History []domain.Message

	CreatedAt  time.Time
	lastActive time.Time

	initialDone bool

	// appliedEvents is the idempotency ledger: event key -> cached result.
	appliedEvents map[string]*EventResult
}

func newSession(id, workflow, merchantID, scenario string, now time.Time) *Session {
	return &Session{
		ID:            id,
		Workflow:      workflow,
		MerchantID:    merchantID,
		Scenario:      scenario,
		State:         StateCreated,
		CreatedAt:     now,
		lastActive:    now,
		appliedEvents: make(map[string]*EventResult),
	}
}

// Append stamps a message with the next turn number and appends it to the
// history. Transition events applied mid-sequence only ever append; recorded
// history is never reordered. Caller must hold the session lock.
func (s *Session) Append(msg domain.Message, now time.Time) domain.Message {
	if msg.ID == "" {
		msg.ID = "msg_" + uuid.New().String()
	}
	s.Turn++
	msg.Turn = s.Turn
	msg.CreatedAt = now
	s.History = append(s.History, msg)
	return msg
}

// EventResult returns the cached result for an idempotency key, if the event
// was already applied. Caller must hold the session lock.
func (s *Session) EventResult(idempotencyKey string) (*EventResult, bool) {
	res, ok := s.appliedEvents[idempotencyKey]
	return res, ok
}

// StoreEventResult records the outcome for an idempotency key. Caller must
// hold the session lock.
func (s *Session) StoreEventResult(idempotencyKey string, res *EventResult) {
	s.appliedEvents[idempotencyKey] = res
}

// Bind applies an event payload's session bindings. Caller must hold the
// session lock.
func (s *Session) Bind(payload domain.EventPayload) {
	if payload.MerchantID != "" {
		s.MerchantID = payload.MerchantID
	}
	if payload.Scenario != "" {
		s.Scenario = payload.Scenario
	}
	if payload.Authenticated {
		s.Authenticated = true
	}
}

// MarkOpened records that the session's opening turn has happened, so a later
// connect does not run the workflow's initial action on top of it. Caller must
// hold the session lock.
func (s *Session) MarkOpened() {
	s.initialDone = true
}

// Day is the simulated day offset for this session: whole days since creation.
func (s *Session) Day(now time.Time) int {
	d := int(now.Sub(s.CreatedAt).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Session) touch(now time.Time) {
	s.lastActive = now
}
