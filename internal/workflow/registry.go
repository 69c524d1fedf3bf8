// Package workflow loads declarative workflow specifications and exposes them
// as an immutable lookup table: requirements, initial action, scoped tool list,
// and transition rules per workflow name. Behavior that differs by workflow is
// decided here and only here.
package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/pulsedesk/session-engine/internal/domain"
)

// InitialActionType selects how a workflow opens a conversation.
type InitialActionType string

const (
	// ActionFixedMessage appends a fixed system message as turn zero.
	ActionFixedMessage InitialActionType = "fixed_message"

	// ActionAgentGenerated delegates the opening turn to the conversational engine.
	ActionAgentGenerated InitialActionType = "agent_generated"
)

// Requirements are the session preconditions a workflow declares. A session
// cannot become connected until every declared requirement is satisfied.
type Requirements struct {
	Merchant       bool
	Scenario       bool
	Authentication bool
}

// Missing returns the names of requirements not satisfied by the given
// bindings, in a stable order.
func (r Requirements) Missing(hasMerchant, hasScenario, authenticated bool) []string {
	var missing []string
	if r.Merchant && !hasMerchant {
		missing = append(missing, domain.RequirementMerchant)
	}
	if r.Scenario && !hasScenario {
		missing = append(missing, domain.RequirementScenario)
	}
	if r.Authentication && !authenticated {
		missing = append(missing, domain.RequirementAuthentication)
	}
	return missing
}

// InitialAction describes a workflow's opening behavior.
type InitialAction struct {
	Type    InitialActionType
	Message string
}

// Spec is one loaded workflow record. Specs are immutable after load; sessions
// hold the workflow name and consult the registry, never a copy that can drift.
type Spec struct {
	Name          string
	Requirements  Requirements
	InitialAction InitialAction
	Tools         []string
	Transitions   map[string]string
}

// specFile is the on-disk shape. Requirements are tri-state: an omitted field
// means the requirement is present (the most restrictive reading), only an
// explicit false declares it absent.
type specFile struct {
	Workflows []specRecord `yaml:"workflows"`
}

type specRecord struct {
	Name          string            `yaml:"name"`
	Requirements  requirementsYAML  `yaml:"requirements"`
	InitialAction initialActionYAML `yaml:"initial_action"`
	Tools         []string          `yaml:"tools"`
	Transitions   map[string]string `yaml:"transitions"`
}

type requirementsYAML struct {
	Merchant       *bool `yaml:"merchant"`
	Scenario       *bool `yaml:"scenario"`
	Authentication *bool `yaml:"authentication"`
}

type initialActionYAML struct {
	Type    string `yaml:"type"`
	Message string `yaml:"message"`
}

// Registry is the in-memory workflow table, built once at load and read-only
// afterwards, so it is safely shared across all sessions without locking.
type Registry struct {
	specs map[string]*Spec
	names []string
}

// LoadFile parses and validates a workflow specification file. Any malformed
// record fails the whole load; permissions never silently default to allow.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.ErrInvalidSpec(fmt.Sprintf("read workflow spec %s: %v", path, err))
	}
	return Load(data)
}

// Load parses and validates workflow specifications from raw YAML.
func Load(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	// Unknown fields are a configuration error, not a silent default.
	dec.KnownFields(true)

	var file specFile
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return nil, domain.ErrInvalidSpec("workflow spec is empty")
		}
		return nil, domain.ErrInvalidSpec(fmt.Sprintf("parse workflow spec: %v", err))
	}
	if len(file.Workflows) == 0 {
		return nil, domain.ErrInvalidSpec("workflow spec declares no workflows")
	}

	r := &Registry{specs: make(map[string]*Spec, len(file.Workflows))}
	for i, rec := range file.Workflows {
		spec, err := buildSpec(i, rec)
		if err != nil {
			return nil, err
		}
		if _, dup := r.specs[spec.Name]; dup {
			return nil, domain.ErrInvalidSpec(fmt.Sprintf("workflow %q declared twice", spec.Name))
		}
		r.specs[spec.Name] = spec
		r.names = append(r.names, spec.Name)
	}
	sort.Strings(r.names)

	// Transition targets must exist; a transition into an undefined workflow
	// is a spec-authoring error, not a runtime fallback.
	for _, spec := range r.specs {
		for event, target := range spec.Transitions {
			if _, ok := r.specs[target]; !ok {
				return nil, domain.ErrInvalidSpec(fmt.Sprintf(
					"workflow %q transition %q targets undefined workflow %q", spec.Name, event, target))
			}
		}
	}

	return r, nil
}

func buildSpec(index int, rec specRecord) (*Spec, error) {
	if rec.Name == "" {
		return nil, domain.ErrInvalidSpec(fmt.Sprintf("workflow at index %d has no name", index))
	}

	var action InitialAction
	switch InitialActionType(rec.InitialAction.Type) {
	case ActionFixedMessage:
		if rec.InitialAction.Message == "" {
			return nil, domain.ErrInvalidSpec(fmt.Sprintf(
				"workflow %q: fixed_message initial action requires a message", rec.Name))
		}
		action = InitialAction{Type: ActionFixedMessage, Message: rec.InitialAction.Message}
	case ActionAgentGenerated:
		if rec.InitialAction.Message != "" {
			return nil, domain.ErrInvalidSpec(fmt.Sprintf(
				"workflow %q: agent_generated initial action must not carry a message", rec.Name))
		}
		action = InitialAction{Type: ActionAgentGenerated}
	case "":
		return nil, domain.ErrInvalidSpec(fmt.Sprintf("workflow %q: initial_action.type is required", rec.Name))
	default:
		return nil, domain.ErrInvalidSpec(fmt.Sprintf(
			"workflow %q: unknown initial_action.type %q", rec.Name, rec.InitialAction.Type))
	}

	seen := make(map[string]bool, len(rec.Tools))
	for _, tool := range rec.Tools {
		if tool == "" {
			return nil, domain.ErrInvalidSpec(fmt.Sprintf("workflow %q declares an empty tool name", rec.Name))
		}
		if seen[tool] {
			return nil, domain.ErrInvalidSpec(fmt.Sprintf("workflow %q declares tool %q twice", rec.Name, tool))
		}
		seen[tool] = true
	}

	transitions := make(map[string]string, len(rec.Transitions))
	for event, target := range rec.Transitions {
		if event == "" || target == "" {
			return nil, domain.ErrInvalidSpec(fmt.Sprintf("workflow %q has an empty transition entry", rec.Name))
		}
		transitions[event] = target
	}

	return &Spec{
		Name:          rec.Name,
		Requirements:  resolveRequirements(rec.Requirements),
		InitialAction: action,
		Tools:         append([]string(nil), rec.Tools...),
		Transitions:   transitions,
	}, nil
}

// resolveRequirements applies the restrictive default: a requirement is
// present unless the spec explicitly declares it absent.
func resolveRequirements(y requirementsYAML) Requirements {
	required := func(v *bool) bool {
		if v == nil {
			return true
		}
		return *v
	}
	return Requirements{
		Merchant:       required(y.Merchant),
		Scenario:       required(y.Scenario),
		Authentication: required(y.Authentication),
	}
}

// Get returns the spec for a workflow name.
func (r *Registry) Get(name string) (*Spec, error) {
	spec, ok := r.specs[name]
	if !ok {
		return nil, domain.ErrUnknownWorkflow(name)
	}
	return spec, nil
}

// Requirements returns the declared requirements for a workflow.
func (r *Registry) Requirements(name string) (Requirements, error) {
	spec, err := r.Get(name)
	if err != nil {
		return Requirements{}, err
	}
	return spec.Requirements, nil
}

// InitialAction returns the opening behavior for a workflow.
func (r *Registry) InitialAction(name string) (InitialAction, error) {
	spec, err := r.Get(name)
	if err != nil {
		return InitialAction{}, err
	}
	return spec.InitialAction, nil
}

// Tools returns a copy of the workflow's ordered tool list.
func (r *Registry) Tools(name string) ([]string, error) {
	spec, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), spec.Tools...), nil
}

// Transition resolves the target workflow for an event type. The second
// return is false when the workflow deliberately declares no transition for
// the event, which is not an error.
func (r *Registry) Transition(name, eventType string) (string, bool, error) {
	spec, err := r.Get(name)
	if err != nil {
		return "", false, err
	}
	target, ok := spec.Transitions[eventType]
	return target, ok, nil
}

// Names returns all workflow names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}
