package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pulsedesk/session-engine/internal/domain"
	"github.com/pulsedesk/session-engine/internal/engine"
	"github.com/pulsedesk/session-engine/internal/simulator"
	memstore "github.com/pulsedesk/session-engine/internal/storage/memory"
	"github.com/pulsedesk/session-engine/internal/toolbridge"
	"github.com/pulsedesk/session-engine/internal/workflow"
)

const managerSpec = `
workflows:
  - name: onboarding
    requirements: {merchant: false, scenario: false, authentication: false}
    initial_action: {type: fixed_message, message: "Welcome aboard."}
    tools: []
    transitions: {authentication_completed: support_daily}
  - name: support_daily
    requirements: {merchant: true, scenario: true, authentication: true}
    initial_action: {type: agent_generated}
    tools: [daily_briefing]
  - name: demo
    requirements: {merchant: true, scenario: true, authentication: false}
    initial_action: {type: fixed_message, message: "Demo session ready."}
    tools: [daily_briefing]
  - name: assistant_only
    requirements: {merchant: false, scenario: false, authentication: false}
    initial_action: {type: agent_generated}
    tools: []
`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	registry, err := workflow.Load([]byte(managerSpec))
	if err != nil {
		t.Fatalf("workflow.Load() error = %v", err)
	}
	opts.Registry = registry
	opts.Bridge = toolbridge.New(registry, simulator.New(), nil)
	if opts.Engine == nil {
		opts.Engine = engine.NewCanned()
	}
	return NewManager(opts)
}

func demoRequest(id string) StartRequest {
	return StartRequest{
		ConversationID: id,
		Workflow:       "demo",
		MerchantID:     "marcus_thompson",
		Scenario:       "growth_stall",
	}
}

func TestCreateOrGet_RequirementGating(t *testing.T) {
	m := newTestManager(t, Options{})

	view, err := m.CreateOrGet(context.Background(), StartRequest{
		ConversationID: "conv_1",
		Workflow:       "support_daily",
	})
	if err != nil {
		t.Fatalf("CreateOrGet() error = %v", err)
	}
	if view.State != StateCreated {
		t.Errorf("State = %v, want created", view.State)
	}
	want := []string{domain.RequirementMerchant, domain.RequirementScenario, domain.RequirementAuthentication}
	if len(view.Missing) != len(want) {
		t.Fatalf("Missing = %v, want %v", view.Missing, want)
	}
	for i := range want {
		if view.Missing[i] != want[i] {
			t.Fatalf("Missing = %v, want %v", view.Missing, want)
		}
	}
	if len(view.History) != 0 {
		t.Errorf("ungated session recorded %d messages before connecting", len(view.History))
	}

	// A turn against a created session names what is missing.
	_, err = m.Turn(context.Background(), "conv_1", "hello?")
	de, ok := domain.AsError(err)
	if !ok || de.Reason != domain.ReasonRequirementNotMet {
		t.Fatalf("Turn() error = %v, want requirement_not_met", err)
	}
	if len(de.Missing) != 3 {
		t.Errorf("error Missing = %v, want all three requirements", de.Missing)
	}
}

func TestCreateOrGet_ConnectsWithFixedMessage(t *testing.T) {
	m := newTestManager(t, Options{})

	view, err := m.CreateOrGet(context.Background(), demoRequest("conv_2"))
	if err != nil {
		t.Fatalf("CreateOrGet() error = %v", err)
	}
	if view.State != StateConnected {
		t.Fatalf("State = %v, want connected", view.State)
	}
	if len(view.History) != 1 {
		t.Fatalf("History has %d messages, want 1 fixed opener", len(view.History))
	}
	opener := view.History[0]
	if opener.Sender != domain.SenderSystem || opener.Content != "Demo session ready." {
		t.Errorf("opener = %+v", opener)
	}
	if len(view.Satisfied) != 2 || len(view.Missing) != 0 {
		t.Errorf("Satisfied = %v, Missing = %v", view.Satisfied, view.Missing)
	}

	// Reconnecting runs the initial action exactly once.
	again, err := m.CreateOrGet(context.Background(), demoRequest("conv_2"))
	if err != nil {
		t.Fatalf("CreateOrGet() reconnect error = %v", err)
	}
	if len(again.History) != 1 {
		t.Errorf("reconnect re-ran the initial action: %d messages", len(again.History))
	}
}

func TestCreateOrGet_ConnectsWithAgentGreeting(t *testing.T) {
	m := newTestManager(t, Options{})

	view, err := m.CreateOrGet(context.Background(), StartRequest{
		ConversationID: "conv_3",
		Workflow:       "assistant_only",
	})
	if err != nil {
		t.Fatalf("CreateOrGet() error = %v", err)
	}
	if view.State != StateConnected {
		t.Fatalf("State = %v, want connected", view.State)
	}
	if len(view.History) != 1 || view.History[0].Sender != domain.SenderAssistant {
		t.Fatalf("History = %+v, want one assistant greeting", view.History)
	}
}

func TestCreateOrGet_Validation(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	_, err := m.CreateOrGet(ctx, StartRequest{Workflow: "demo"})
	if de, ok := domain.AsError(err); !ok || de.Reason != domain.ReasonInvalidRequest {
		t.Errorf("missing conversation_id: error = %v, want invalid_request", err)
	}

	_, err = m.CreateOrGet(ctx, StartRequest{ConversationID: "conv_4"})
	if de, ok := domain.AsError(err); !ok || de.Reason != domain.ReasonInvalidRequest {
		t.Errorf("missing workflow: error = %v, want invalid_request", err)
	}

	_, err = m.CreateOrGet(ctx, StartRequest{ConversationID: "conv_4", Workflow: "no_such_flow"})
	if de, ok := domain.AsError(err); !ok || de.Reason != domain.ReasonUnknownWorkflow {
		t.Errorf("unknown workflow: error = %v, want unknown_workflow", err)
	}
}

func TestCreateOrGet_RebindConflict(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	if _, err := m.CreateOrGet(ctx, demoRequest("conv_5")); err != nil {
		t.Fatalf("CreateOrGet() error = %v", err)
	}

	req := demoRequest("conv_5")
	req.MerchantID = "someone_else"
	_, err := m.CreateOrGet(ctx, req)
	de, ok := domain.AsError(err)
	if !ok || de.Reason != domain.ReasonInvalidRequest {
		t.Fatalf("rebind error = %v, want invalid_request", err)
	}
}

func TestCreateOrGet_WorkflowCompatibility(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	// The session sits in support_daily (still gated, but that is irrelevant to
	// workflow identity).
	if _, err := m.CreateOrGet(ctx, StartRequest{ConversationID: "conv_6", Workflow: "support_daily"}); err != nil {
		t.Fatalf("CreateOrGet() error = %v", err)
	}

	// Requesting a workflow that transitions into the active one is a valid
	// reconnect; the view reports the resolved workflow.
	view, err := m.CreateOrGet(ctx, StartRequest{ConversationID: "conv_6", Workflow: "onboarding"})
	if err != nil {
		t.Fatalf("compatible reconnect error = %v", err)
	}
	if view.Workflow != "support_daily" {
		t.Errorf("resolved workflow = %q, want support_daily", view.Workflow)
	}

	// An unrelated workflow is a conflict, never a silent override.
	_, err = m.CreateOrGet(ctx, StartRequest{ConversationID: "conv_6", Workflow: "demo"})
	de, ok := domain.AsError(err)
	if !ok || de.Reason != domain.ReasonWorkflowMismatch {
		t.Fatalf("incompatible reconnect error = %v, want workflow_mismatch", err)
	}
}

func TestTurn_RecordsOrderedMessages(t *testing.T) {
	store := memstore.New()
	m := newTestManager(t, Options{Store: store})
	ctx := context.Background()

	if _, err := m.CreateOrGet(ctx, demoRequest("conv_7")); err != nil {
		t.Fatalf("CreateOrGet() error = %v", err)
	}

	appended, err := m.Turn(ctx, "conv_7", "How are we doing today?")
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	// The canned engine calls the first declared tool, then summarizes.
	if len(appended) != 3 {
		t.Fatalf("Turn() appended %d messages, want user+tool+assistant", len(appended))
	}
	if appended[0].Sender != domain.SenderUser ||
		appended[1].Sender != domain.SenderTool ||
		appended[2].Sender != domain.SenderAssistant {
		t.Fatalf("senders = [%s %s %s]", appended[0].Sender, appended[1].Sender, appended[2].Sender)
	}
	if !strings.Contains(appended[1].Content, "briefing") {
		t.Errorf("tool message = %q, want daily briefing text", appended[1].Content)
	}

	view, err := m.Get("conv_7")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if view.State != StateActive {
		t.Errorf("State = %v, want active", view.State)
	}
	for i, msg := range view.History {
		if msg.Turn != i+1 {
			t.Fatalf("history[%d].Turn = %d, want %d", i, msg.Turn, i+1)
		}
	}

	conv, err := store.GetTranscript(ctx, "conv_7")
	if err != nil {
		t.Fatalf("GetTranscript() error = %v", err)
	}
	if len(conv.Messages) != len(view.History) {
		t.Errorf("store has %d messages, session has %d", len(conv.Messages), len(view.History))
	}
}

func TestTurn_EmptyMessage(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.Turn(context.Background(), "conv_whatever", "")
	if de, ok := domain.AsError(err); !ok || de.Reason != domain.ReasonInvalidRequest {
		t.Errorf("Turn(\"\") error = %v, want invalid_request", err)
	}
}

type stallingEngine struct{}

func (stallingEngine) GenerateTurn(ctx context.Context, _ []domain.Message, _ []string) (domain.Message, []domain.ToolCall, error) {
	<-ctx.Done()
	return domain.Message{}, nil, ctx.Err()
}

func TestTurn_EngineTimeout(t *testing.T) {
	m := newTestManager(t, Options{Engine: stallingEngine{}, EngineTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	// demo uses a fixed opener, so session setup does not touch the engine.
	if _, err := m.CreateOrGet(ctx, demoRequest("conv_8")); err != nil {
		t.Fatalf("CreateOrGet() error = %v", err)
	}

	_, err := m.Turn(ctx, "conv_8", "anyone there?")
	de, ok := domain.AsError(err)
	if !ok || de.Reason != domain.ReasonEngineTimeout {
		t.Fatalf("Turn() error = %v, want engine_timeout", err)
	}
	if !de.Retryable() {
		t.Error("engine_timeout should be retryable")
	}
}

func TestClose(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	if _, err := m.CreateOrGet(ctx, demoRequest("conv_9")); err != nil {
		t.Fatalf("CreateOrGet() error = %v", err)
	}
	if err := m.Close("conv_9"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Closing again is a no-op.
	if err := m.Close("conv_9"); err != nil {
		t.Fatalf("Close() on closed session error = %v, want nil", err)
	}

	_, err := m.Turn(ctx, "conv_9", "hello")
	if de, ok := domain.AsError(err); !ok || de.Reason != domain.ReasonSessionClosed {
		t.Errorf("Turn() on closed session error = %v, want session_closed", err)
	}
	_, err = m.CreateOrGet(ctx, demoRequest("conv_9"))
	if de, ok := domain.AsError(err); !ok || de.Reason != domain.ReasonSessionClosed {
		t.Errorf("CreateOrGet() on closed session error = %v, want session_closed", err)
	}

	view, err := m.Get("conv_9")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if view.State != StateClosed {
		t.Errorf("State = %v, want closed", view.State)
	}

	err = m.Close("conv_never_existed")
	de, ok := domain.AsError(err)
	if !ok || de.Reason != domain.ReasonSessionNotFound {
		t.Fatalf("Close() error = %v, want session_not_found", err)
	}
	if !de.Retryable() {
		t.Error("session_not_found should be transient")
	}
}

func TestCloseIdle(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, Options{IdleTimeout: 30 * time.Minute, Clock: clock.Now})
	ctx := context.Background()

	if _, err := m.CreateOrGet(ctx, demoRequest("conv_idle")); err != nil {
		t.Fatalf("CreateOrGet() error = %v", err)
	}
	if _, err := m.CreateOrGet(ctx, demoRequest("conv_fresh")); err != nil {
		t.Fatalf("CreateOrGet() error = %v", err)
	}

	clock.Advance(20 * time.Minute)
	if closed := m.CloseIdle(); closed != 0 {
		t.Fatalf("CloseIdle() closed %d sessions before the timeout", closed)
	}

	// Activity on one session resets its idle clock.
	if _, err := m.Turn(ctx, "conv_fresh", "still here"); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	clock.Advance(25 * time.Minute)
	if closed := m.CloseIdle(); closed != 1 {
		t.Fatalf("CloseIdle() = %d, want 1", closed)
	}

	view, err := m.Get("conv_idle")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if view.State != StateClosed {
		t.Errorf("idle session state = %v, want closed", view.State)
	}
	if closed := m.CloseIdle(); closed != 0 {
		t.Errorf("second sweep closed %d sessions, want 0", closed)
	}
}

func TestInvokeTool(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	if _, err := m.CreateOrGet(ctx, demoRequest("conv_10")); err != nil {
		t.Fatalf("CreateOrGet() error = %v", err)
	}

	result, err := m.InvokeTool(ctx, "conv_10", "daily_briefing", nil)
	if err != nil {
		t.Fatalf("InvokeTool() error = %v", err)
	}
	if result.Tool != "daily_briefing" || result.Text == "" {
		t.Errorf("InvokeTool() = %+v", result)
	}

	_, err = m.InvokeTool(ctx, "conv_10", "crisis_report", nil)
	if de, ok := domain.AsError(err); !ok || de.Reason != domain.ReasonToolNotAvailable {
		t.Errorf("undeclared tool error = %v, want tool_not_available", err)
	}

	_, err = m.InvokeTool(ctx, "conv_missing", "daily_briefing", nil)
	if de, ok := domain.AsError(err); !ok || de.Reason != domain.ReasonSessionNotFound {
		t.Errorf("unknown session error = %v, want session_not_found", err)
	}
}
