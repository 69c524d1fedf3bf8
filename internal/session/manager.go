package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsedesk/session-engine/internal/domain"
	"github.com/pulsedesk/session-engine/internal/engine"
	"github.com/pulsedesk/session-engine/internal/storage"
	"github.com/pulsedesk/session-engine/internal/toolbridge"
	"github.com/pulsedesk/session-engine/internal/workflow"
)

const (
	defaultIdleTimeout   = 30 * time.Minute
	defaultEngineTimeout = 30 * time.Second

	// maxToolRounds bounds engine/tool round-trips within one turn.
	maxToolRounds = 4

	// persistTimeout bounds the detached transcript hand-off.
	persistTimeout = 5 * time.Second
)

// Options configures a Manager.
type Options struct {
	Registry *workflow.Registry
	Bridge   *toolbridge.Bridge
	Engine   engine.Engine
	Store    storage.TranscriptStore
	Logger   *slog.Logger

	// IdleTimeout closes sessions with no activity for this long.
	IdleTimeout time.Duration

	// EngineTimeout bounds each conversational-engine exchange.
	EngineTimeout time.Duration

	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
}

// Manager is the session registry and the only writer of session state
// (together with the transition handler, which mutates through Locked).
type Manager struct {
	registry      *workflow.Registry
	bridge        *toolbridge.Bridge
	engine        engine.Engine
	store         storage.TranscriptStore
	logger        *slog.Logger
	idleTimeout   time.Duration
	engineTimeout time.Duration
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.EngineTimeout <= 0 {
		opts.EngineTimeout = defaultEngineTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		registry:      opts.Registry,
		bridge:        opts.Bridge,
		engine:        opts.Engine,
		store:         opts.Store,
		logger:        opts.Logger,
		idleTimeout:   opts.IdleTimeout,
		engineTimeout: opts.EngineTimeout,
		now:           opts.Clock,
		sessions:      make(map[string]*Session),
	}
}

// StartRequest is the client-facing session-start request.
type StartRequest struct {
	ConversationID string `json:"conversation_id"`
	Workflow       string `json:"workflow"`
	MerchantID     string `json:"merchant_id,omitempty"`
	Scenario       string `json:"scenario,omitempty"`
}

// View is the externally visible state of a session. The resolved workflow may
// differ from the requested one when the session pre-exists in a later state.
type View struct {
	ConversationID string           `json:"conversation_id"`
	Workflow       string           `json:"workflow"`
	State          State            `json:"state"`
	MerchantID     string           `json:"merchant_id,omitempty"`
	Scenario       string           `json:"scenario,omitempty"`
	Authenticated  bool             `json:"authenticated"`
	Turn           int              `json:"turn"`
	Satisfied      []string         `json:"satisfied_requirements"`
	Missing        []string         `json:"missing_requirements"`
	History        []domain.Message `json:"history"`
}

// CreateOrGet creates a session for the conversation id if none exists, or
// validates the request against the existing one. The session becomes
// connected only when every requirement of its workflow is satisfied;
// otherwise it stays created and the view itemizes what is missing.
func (m *Manager) CreateOrGet(ctx context.Context, req StartRequest) (*View, error) {
	if req.ConversationID == "" {
		return nil, domain.ErrInvalidRequest("conversation_id is required")
	}
	if req.Workflow == "" {
		return nil, domain.ErrInvalidRequest("workflow is required")
	}
	if _, err := m.registry.Get(req.Workflow); err != nil {
		return nil, err
	}

	s, created := m.getOrCreate(req)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State == StateClosed {
		return nil, domain.ErrSessionClosed(s.ID)
	}

	if !created {
		if err := m.checkCompatible(s, req); err != nil {
			return nil, err
		}
		if err := bindRequest(s, req); err != nil {
			return nil, err
		}
	}

	if err := m.maybeConnect(ctx, s); err != nil {
		return nil, err
	}

	s.touch(m.now())
	return m.viewLocked(s), nil
}

func (m *Manager) getOrCreate(req StartRequest) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[req.ConversationID]; ok {
		return s, false
	}
	s := newSession(req.ConversationID, req.Workflow, req.MerchantID, req.Scenario, m.now())
	m.sessions[req.ConversationID] = s
	m.logger.Info("session created",
		slog.String("conversation_id", s.ID),
		slog.String("workflow", s.Workflow),
	)
	return s, true
}

// checkCompatible validates a reconnect's requested workflow against the
// session's active one. A request matching the workflow the session has since
// transitioned out of is accepted (the view carries the resolved name); any
// other difference is a mismatch, never a silent override.
func (m *Manager) checkCompatible(s *Session, req StartRequest) error {
	if req.Workflow == s.Workflow {
		return nil
	}
	spec, err := m.registry.Get(req.Workflow)
	if err != nil {
		return err
	}
	for _, target := range spec.Transitions {
		if target == s.Workflow {
			return nil
		}
	}
	return domain.ErrWorkflowMismatch(req.Workflow, s.Workflow)
}

func bindRequest(s *Session, req StartRequest) error {
	if req.MerchantID != "" {
		if s.MerchantID != "" && s.MerchantID != req.MerchantID {
			return domain.ErrInvalidRequest(fmt.Sprintf(
				"session is bound to merchant %q, cannot rebind to %q", s.MerchantID, req.MerchantID))
		}
		s.MerchantID = req.MerchantID
	}
	if req.Scenario != "" {
		if s.Scenario != "" && s.Scenario != req.Scenario {
			return domain.ErrInvalidRequest(fmt.Sprintf(
				"session is bound to scenario %q, cannot rebind to %q", s.Scenario, req.Scenario))
		}
		s.Scenario = req.Scenario
	}
	return nil
}

// maybeConnect promotes a created session to connected once its workflow
// requirements are all satisfied, then runs the workflow's initial action
// exactly once. Caller must hold the session lock.
func (m *Manager) maybeConnect(ctx context.Context, s *Session) error {
	if s.State != StateCreated {
		return nil
	}
	missing := m.missingLocked(s)
	if len(missing) > 0 {
		return nil
	}
	s.State = StateConnected
	m.logger.Info("session connected",
		slog.String("conversation_id", s.ID),
		slog.String("workflow", s.Workflow),
	)
	if s.initialDone {
		return nil
	}
	s.initialDone = true
	return m.runInitialAction(ctx, s)
}

func (m *Manager) runInitialAction(ctx context.Context, s *Session) error {
	action, err := m.registry.InitialAction(s.Workflow)
	if err != nil {
		return err
	}
	switch action.Type {
	case workflow.ActionFixedMessage:
		m.record(s, domain.Message{Sender: domain.SenderSystem, Content: action.Message})
		return nil
	case workflow.ActionAgentGenerated:
		_, err := m.driveEngine(ctx, s)
		return err
	default:
		return domain.ErrInvalidSpec(fmt.Sprintf("workflow %q has unknown initial action %q", s.Workflow, action.Type))
	}
}

// Turn records a user message and drives the engine for the reply, executing
// any tool calls the engine decides on through the scoped bridge. Returns the
// messages appended by this turn in order.
func (m *Manager) Turn(ctx context.Context, conversationID, text string) ([]domain.Message, error) {
	if text == "" {
		return nil, domain.ErrInvalidRequest("message text is required")
	}

	var appended []domain.Message
	err := m.Locked(conversationID, func(s *Session) error {
		if s.State == StateCreated {
			return domain.ErrRequirementNotMet(s.Workflow, m.missingLocked(s))
		}
		user := m.record(s, domain.Message{Sender: domain.SenderUser, Content: text})
		appended = append(appended, user)
		s.State = StateActive

		replies, err := m.driveEngine(ctx, s)
		appended = append(appended, replies...)
		return err
	})
	return appended, err
}

// InvokeTool executes a tool directly within the session's scope, validated
// against the active workflow.
func (m *Manager) InvokeTool(ctx context.Context, conversationID, tool string, params map[string]any) (*toolbridge.Result, error) {
	var result *toolbridge.Result
	err := m.Locked(conversationID, func(s *Session) error {
		res, err := m.bridge.Invoke(ctx, s.Workflow, tool, params, m.scopeLocked(s))
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// driveEngine asks the engine for the next turn, dispatching requested tool
// calls until the engine produces a message. The engine alone decides what
// tools to call. Caller must hold the session lock; the engine call may block
// for up to the configured timeout, during which other sessions proceed.
func (m *Manager) driveEngine(ctx context.Context, s *Session) ([]domain.Message, error) {
	tools, err := m.registry.Tools(s.Workflow)
	if err != nil {
		return nil, err
	}

	engCtx, cancel := context.WithTimeout(ctx, m.engineTimeout)
	defer cancel()

	var appended []domain.Message
	for round := 0; round < maxToolRounds; round++ {
		msg, calls, err := m.engine.GenerateTurn(engCtx, s.History, tools)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return appended, domain.ErrEngineTimeout("conversational engine timed out")
			}
			return appended, fmt.Errorf("generate turn: %w", err)
		}

		if len(calls) == 0 {
			if msg.Sender == "" {
				msg.Sender = domain.SenderAssistant
			}
			appended = append(appended, m.record(s, msg))
			return appended, nil
		}

		for _, call := range calls {
			res, err := m.bridge.Invoke(ctx, s.Workflow, call.Name, call.Params, m.scopeLocked(s))
			if err != nil {
				return appended, err
			}
			appended = append(appended, m.record(s, domain.Message{
				Sender:  domain.SenderTool,
				Content: res.Text,
			}))
		}
	}
	return appended, domain.NewError(domain.ErrorTypeInternal, domain.ReasonInvalidRequest,
		fmt.Sprintf("engine exceeded %d tool rounds in one turn", maxToolRounds))
}

// record appends a message to the session history and hands it to the
// transcript store best-effort. Caller must hold the session lock.
func (m *Manager) record(s *Session, msg domain.Message) domain.Message {
	msg = s.Append(msg, m.now())
	m.persist(s, msg)
	return msg
}

// persist hands a message off to the transcript store on a detached context,
// so a slow or failing store never drops or delays the conversation path.
func (m *Manager) persist(s *Session, msg domain.Message) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	conv := &storage.Conversation{
		ID:         s.ID,
		Workflow:   s.Workflow,
		MerchantID: s.MerchantID,
	}
	if err := m.store.EnsureConversation(ctx, conv); err != nil {
		m.logger.Error("failed to ensure conversation",
			slog.String("conversation_id", s.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := m.store.AppendMessage(ctx, s.ID, &msg); err != nil {
		m.logger.Error("failed to store message",
			slog.String("conversation_id", s.ID),
			slog.String("sender", string(msg.Sender)),
			slog.String("error", err.Error()),
		)
	}
}

// Locked runs fn with the session's lock held, serializing all mutations for
// one conversation. Operations against closed sessions fail; a missing
// session is a transient error because events may arrive before the client
// establishes the session.
func (m *Manager) Locked(conversationID string, fn func(*Session) error) error {
	m.mu.RLock()
	s, ok := m.sessions[conversationID]
	m.mu.RUnlock()
	if !ok {
		return domain.ErrSessionNotFound(conversationID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State == StateClosed {
		return domain.ErrSessionClosed(conversationID)
	}
	s.touch(m.now())
	return fn(s)
}

// DriveEngineLocked drives one engine turn for a session already locked via
// Locked. Used by the transition handler after it injects a system message.
func (m *Manager) DriveEngineLocked(ctx context.Context, s *Session) ([]domain.Message, error) {
	return m.driveEngine(ctx, s)
}

// RecordLocked appends a message to a session already locked via Locked.
func (m *Manager) RecordLocked(s *Session, msg domain.Message) domain.Message {
	return m.record(s, msg)
}

// MissingLocked returns the unmet requirements for a session already locked
// via Locked.
func (m *Manager) MissingLocked(s *Session) []string {
	return m.missingLocked(s)
}

// ConnectLocked re-evaluates requirement gating for a session already locked
// via Locked, e.g. after a transition event rebinds it.
func (m *Manager) ConnectLocked(ctx context.Context, s *Session) error {
	return m.maybeConnect(ctx, s)
}

// Get returns the current view of a session.
func (m *Manager) Get(conversationID string) (*View, error) {
	m.mu.RLock()
	s, ok := m.sessions[conversationID]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSessionNotFound(conversationID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return m.viewLocked(s), nil
}

// Close transitions a session to closed. Closing an already-closed session is
// a no-op. Closed is reachable from any state.
func (m *Manager) Close(conversationID string) error {
	m.mu.RLock()
	s, ok := m.sessions[conversationID]
	m.mu.RUnlock()
	if !ok {
		return domain.ErrSessionNotFound(conversationID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == StateClosed {
		return nil
	}
	s.State = StateClosed
	m.logger.Info("session closed", slog.String("conversation_id", conversationID))
	return nil
}

// CloseIdle closes every session with no activity for the idle timeout and
// returns how many it closed.
func (m *Manager) CloseIdle() int {
	now := m.now()

	m.mu.RLock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	closed := 0
	for _, s := range candidates {
		s.mu.Lock()
		if s.State != StateClosed && now.Sub(s.lastActive) > m.idleTimeout {
			s.State = StateClosed
			closed++
			m.logger.Info("session expired",
				slog.String("conversation_id", s.ID),
				slog.Duration("idle", now.Sub(s.lastActive)),
			)
		}
		s.mu.Unlock()
	}
	return closed
}

// RunJanitor sweeps idle sessions until the context is canceled.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CloseIdle()
		}
	}
}

// scopeLocked derives the simulator scope from session bindings. Caller must
// hold the session lock.
func (m *Manager) scopeLocked(s *Session) toolbridge.Scope {
	return toolbridge.Scope{
		MerchantID: s.MerchantID,
		Scenario:   s.Scenario,
		Day:        s.Day(m.now()),
	}
}

func (m *Manager) missingLocked(s *Session) []string {
	reqs, err := m.registry.Requirements(s.Workflow)
	if err != nil {
		// The active workflow always exists; transitions are validated at load.
		return []string{domain.RequirementMerchant, domain.RequirementScenario, domain.RequirementAuthentication}
	}
	return reqs.Missing(s.MerchantID != "", s.Scenario != "", s.Authenticated)
}

func (m *Manager) viewLocked(s *Session) *View {
	missing := m.missingLocked(s)
	var satisfied []string
	reqs, err := m.registry.Requirements(s.Workflow)
	if err == nil {
		inMissing := func(name string) bool {
			for _, miss := range missing {
				if miss == name {
					return true
				}
			}
			return false
		}
		if reqs.Merchant && !inMissing(domain.RequirementMerchant) {
			satisfied = append(satisfied, domain.RequirementMerchant)
		}
		if reqs.Scenario && !inMissing(domain.RequirementScenario) {
			satisfied = append(satisfied, domain.RequirementScenario)
		}
		if reqs.Authentication && !inMissing(domain.RequirementAuthentication) {
			satisfied = append(satisfied, domain.RequirementAuthentication)
		}
	}

	return &View{
		ConversationID: s.ID,
		Workflow:       s.Workflow,
		State:          s.State,
		MerchantID:     s.MerchantID,
		Scenario:       s.Scenario,
		Authenticated:  s.Authenticated,
		Turn:           s.Turn,
		Satisfied:      satisfied,
		Missing:        missing,
		History:        append([]domain.Message(nil), s.History...),
	}
}
