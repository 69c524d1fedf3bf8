package workflow

import (
	"errors"
	"testing"

	"github.com/pulsedesk/session-engine/internal/domain"
)

const testSpec = `
workflows:
  - name: onboarding
    requirements: {merchant: false, scenario: false, authentication: false}
    initial_action: {type: fixed_message, message: "Welcome!"}
    tools: []
    transitions: {authentication_completed: support_daily}
  - name: support_daily
    requirements: {merchant: true, scenario: true, authentication: true}
    initial_action: {type: agent_generated}
    tools: [daily_briefing, customer_segments]
`

func TestLoad(t *testing.T) {
	r, err := Load([]byte(testSpec))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("Names() returned %d workflows, want 2", len(names))
	}
	if names[0] != "onboarding" || names[1] != "support_daily" {
		t.Errorf("Names() = %v, want sorted [onboarding support_daily]", names)
	}

	reqs, err := r.Requirements("support_daily")
	if err != nil {
		t.Fatalf("Requirements() error = %v", err)
	}
	if !reqs.Merchant || !reqs.Scenario || !reqs.Authentication {
		t.Errorf("Requirements(support_daily) = %+v, want all true", reqs)
	}

	action, err := r.InitialAction("onboarding")
	if err != nil {
		t.Fatalf("InitialAction() error = %v", err)
	}
	if action.Type != ActionFixedMessage || action.Message != "Welcome!" {
		t.Errorf("InitialAction(onboarding) = %+v", action)
	}

	tools, err := r.Tools("support_daily")
	if err != nil {
		t.Fatalf("Tools() error = %v", err)
	}
	if len(tools) != 2 || tools[0] != "daily_briefing" || tools[1] != "customer_segments" {
		t.Errorf("Tools(support_daily) = %v, want declared order preserved", tools)
	}
}

func TestLoad_TransitionLookup(t *testing.T) {
	r, err := Load([]byte(testSpec))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	target, ok, err := r.Transition("onboarding", "authentication_completed")
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if !ok || target != "support_daily" {
		t.Errorf("Transition() = (%q, %v), want (support_daily, true)", target, ok)
	}

	_, ok, err = r.Transition("onboarding", "never_declared")
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if ok {
		t.Error("Transition() ok = true for an undeclared event; omitted transitions are not errors but must not resolve")
	}
}

func TestLoad_RestrictiveRequirementDefaults(t *testing.T) {
	spec := `
workflows:
  - name: strict
    requirements: {merchant: false}
    initial_action: {type: agent_generated}
    tools: []
`
	r, err := Load([]byte(spec))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	reqs, err := r.Requirements("strict")
	if err != nil {
		t.Fatalf("Requirements() error = %v", err)
	}
	if reqs.Merchant {
		t.Error("explicit merchant: false was not honored")
	}
	// Omitted requirements default to present, never to absent.
	if !reqs.Scenario || !reqs.Authentication {
		t.Errorf("omitted requirements = %+v, want scenario and authentication required", reqs)
	}
}

func TestRequirements_Missing(t *testing.T) {
	reqs := Requirements{Merchant: true, Scenario: true, Authentication: true}

	missing := reqs.Missing(false, true, false)
	if len(missing) != 2 || missing[0] != domain.RequirementMerchant || missing[1] != domain.RequirementAuthentication {
		t.Errorf("Missing() = %v, want [merchant authentication]", missing)
	}

	if got := reqs.Missing(true, true, true); len(got) != 0 {
		t.Errorf("Missing() = %v, want empty", got)
	}
}

func TestLoad_UnknownWorkflow(t *testing.T) {
	r, err := Load([]byte(testSpec))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	_, err = r.Get("never_loaded")
	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("Get() error = %v, want *domain.Error", err)
	}
	if de.Reason != domain.ReasonUnknownWorkflow {
		t.Errorf("Get() reason = %v, want unknown_workflow", de.Reason)
	}
}

func TestLoad_ConfigurationErrors(t *testing.T) {
	cases := []struct {
		name string
		spec string
	}{
		{
			name: "unknown field",
			spec: `
workflows:
  - name: a
    initial_action: {type: agent_generated}
    allow_everything: true
`,
		},
		{
			name: "missing initial action",
			spec: `
workflows:
  - name: a
    tools: []
`,
		},
		{
			name: "unknown initial action type",
			spec: `
workflows:
  - name: a
    initial_action: {type: telepathy}
`,
		},
		{
			name: "fixed message without message",
			spec: `
workflows:
  - name: a
    initial_action: {type: fixed_message}
`,
		},
		{
			name: "duplicate workflow",
			spec: `
workflows:
  - name: a
    initial_action: {type: agent_generated}
  - name: a
    initial_action: {type: agent_generated}
`,
		},
		{
			name: "duplicate tool",
			spec: `
workflows:
  - name: a
    initial_action: {type: agent_generated}
    tools: [daily_briefing, daily_briefing]
`,
		},
		{
			name: "transition to undefined workflow",
			spec: `
workflows:
  - name: a
    initial_action: {type: agent_generated}
    transitions: {done: nowhere}
`,
		},
		{
			name: "empty spec",
			spec: ``,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.spec))
			if err == nil {
				t.Fatal("Load() succeeded, want configuration error")
			}
			de, ok := domain.AsError(err)
			if !ok {
				t.Fatalf("Load() error = %v, want *domain.Error", err)
			}
			if de.Type != domain.ErrorTypeConfiguration {
				t.Errorf("Load() error type = %v, want configuration", de.Type)
			}
		})
	}
}
