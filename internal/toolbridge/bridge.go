// Package toolbridge exposes simulator views as named, invocable capabilities,
// filtered to the set the active workflow declares.
package toolbridge

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/pulsedesk/session-engine/internal/domain"
	"github.com/pulsedesk/session-engine/internal/simulator"
	"github.com/pulsedesk/session-engine/internal/workflow"
)

// Scope carries the session-derived inputs a tool call is evaluated against.
type Scope struct {
	MerchantID string
	Scenario   string
	Day        int
}

// Result is a formatted tool outcome: natural-language-ready text plus the
// underlying structured value, since callers may need both.
type Result struct {
	Tool string `json:"tool"`
	Text string `json:"text"`
	Data any    `json:"data"`
}

// toolFunc resolves one capability against a snapshot.
type toolFunc func(snap *simulator.Snapshot, params map[string]any) (string, any, error)

// Bridge validates tool invocations against the active workflow and dispatches
// them to the simulator. It has no side effects beyond the simulator's (none)
// and logs every invocation.
type Bridge struct {
	registry *workflow.Registry
	sim      *simulator.Simulator
	logger   *slog.Logger
	catalog  map[string]toolFunc
}

// New creates a bridge over the given registry and simulator.
func New(registry *workflow.Registry, sim *simulator.Simulator, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		registry: registry,
		sim:      sim,
		logger:   logger,
	}
	b.catalog = map[string]toolFunc{
		"daily_briefing": func(snap *simulator.Snapshot, _ map[string]any) (string, any, error) {
			view := simulator.DailyBriefing(snap)
			return view.Summary(), view, nil
		},
		"crisis_report": func(snap *simulator.Snapshot, _ map[string]any) (string, any, error) {
			view := simulator.Crisis(snap)
			return view.Summary(), view, nil
		},
		"customer_segments": func(snap *simulator.Snapshot, params map[string]any) (string, any, error) {
			segment, err := optionalString(params, "segment")
			if err != nil {
				return "", nil, err
			}
			view, err := simulator.CustomerSegments(snap, segment)
			if err != nil {
				return "", nil, err
			}
			return view.Summary(), view, nil
		},
		"metrics_snapshot": func(snap *simulator.Snapshot, _ map[string]any) (string, any, error) {
			text := fmt.Sprintf("Raw metrics for %s on day %d of %s.", snap.MerchantID, snap.Day, snap.Scenario)
			return text, snap, nil
		},
	}
	return b
}

// Catalog returns every capability the bridge can resolve, sorted.
func (b *Bridge) Catalog() []string {
	names := make([]string, 0, len(b.catalog))
	for name := range b.catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListTools returns the tool set the named workflow declares.
func (b *Bridge) ListTools(workflowName string) ([]string, error) {
	return b.registry.Tools(workflowName)
}

// ValidateWorkflows checks at wire-up that every tool declared by any workflow
// resolves to a catalog entry. A declared-but-unresolvable tool is a
// configuration error, caught before the first session exists.
func (b *Bridge) ValidateWorkflows() error {
	for _, name := range b.registry.Names() {
		tools, err := b.registry.Tools(name)
		if err != nil {
			return err
		}
		for _, tool := range tools {
			if _, ok := b.catalog[tool]; !ok {
				return domain.ErrInvalidSpec(fmt.Sprintf(
					"workflow %q declares tool %q which no capability implements", name, tool))
			}
		}
	}
	return nil
}

// Invoke executes a tool for a workflow. The workflow gate is checked before
// anything else: a tool outside the declared set never reaches the simulator.
func (b *Bridge) Invoke(ctx context.Context, workflowName, tool string, params map[string]any, scope Scope) (*Result, error) {
	declared, err := b.registry.Tools(workflowName)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(declared, tool) {
		return nil, domain.ErrToolNotAvailable(workflowName, tool)
	}

	fn, ok := b.catalog[tool]
	if !ok {
		// Declared tools are validated against the catalog at wire-up.
		return nil, domain.ErrInvalidSpec(fmt.Sprintf("tool %q has no capability implementation", tool))
	}

	if scope.MerchantID == "" {
		return nil, domain.ErrInvalidRequest("tool invocation requires a bound merchant")
	}
	if scope.Scenario == "" {
		return nil, domain.ErrInvalidRequest("tool invocation requires a bound scenario")
	}

	start := time.Now()
	snap, err := b.sim.Snapshot(scope.MerchantID, scope.Scenario, scope.Day)
	if err != nil {
		return nil, err
	}
	text, data, err := fn(snap, params)
	if err != nil {
		return nil, err
	}

	b.logger.Info("tool invoked",
		slog.String("workflow", workflowName),
		slog.String("tool", tool),
		slog.String("merchant_id", scope.MerchantID),
		slog.String("scenario", scope.Scenario),
		slog.Int("day", scope.Day),
		slog.Duration("duration", time.Since(start)),
	)

	return &Result{Tool: tool, Text: text, Data: data}, nil
}

func optionalString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", domain.ErrInvalidRequest(fmt.Sprintf("parameter %q must be a string", key))
	}
	return s, nil
}
