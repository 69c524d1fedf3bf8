// Package transition consumes asynchronous completion events from external
// services (e.g. an authentication flow finishing after the fact) and applies
// them to the owning session: idempotent workflow rewrite plus a synthesized
// system-originated message that drives the next agent turn. Delivery is
// at-least-once and may be out of order; the idempotency ledger makes
// application exactly-once.
package transition

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pulsedesk/session-engine/internal/domain"
	"github.com/pulsedesk/session-engine/internal/session"
	"github.com/pulsedesk/session-engine/internal/workflow"
)

const (
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultBudget         = 10 * time.Second
)

// DeliveryOptions bounds the retry behavior of Deliver.
type DeliveryOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Budget is the total time Deliver will keep retrying a session that does
	// not exist yet before reporting the event as failed.
	Budget time.Duration
}

func (o DeliveryOptions) withDefaults() DeliveryOptions {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	if o.Budget <= 0 {
		o.Budget = defaultBudget
	}
	return o
}

// Handler applies transition events to sessions.
type Handler struct {
	sessions *session.Manager
	registry *workflow.Registry
	logger   *slog.Logger
}

// NewHandler creates a transition handler.
func NewHandler(sessions *session.Manager, registry *workflow.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{sessions: sessions, registry: registry, logger: logger}
}

// Apply processes one transition event under the owning session's lock.
// Duplicate idempotency keys return the previously computed result without
// re-mutating state or appending a second system message. An event type the
// current workflow declares no transition for is logged and ignored, not an
// error: specs may deliberately omit transitions.
func (h *Handler) Apply(ctx context.Context, ev domain.TransitionEvent) (*session.EventResult, error) {
	if ev.ConversationID == "" {
		return nil, domain.ErrInvalidRequest("conversation_id is required")
	}
	if ev.Type == "" {
		return nil, domain.ErrInvalidRequest("event_type is required")
	}
	if ev.IdempotencyKey == "" {
		return nil, domain.ErrInvalidRequest("idempotency_key is required")
	}

	var result *session.EventResult
	err := h.sessions.Locked(ev.ConversationID, func(s *session.Session) error {
		if cached, ok := s.EventResult(ev.IdempotencyKey); ok {
			dup := *cached
			dup.AlreadyApplied = true
			result = &dup
			h.logger.Info("duplicate transition event, returning cached result",
				slog.String("conversation_id", ev.ConversationID),
				slog.String("idempotency_key", ev.IdempotencyKey),
			)
			return nil
		}

		target, defined, err := h.registry.Transition(s.Workflow, ev.Type)
		if err != nil {
			return err
		}
		if !defined {
			h.logger.Info("no transition defined for event, ignoring",
				slog.String("conversation_id", ev.ConversationID),
				slog.String("workflow", s.Workflow),
				slog.String("event_type", ev.Type),
			)
			result = &session.EventResult{Applied: false, Workflow: s.Workflow}
			s.StoreEventResult(ev.IdempotencyKey, result)
			return nil
		}

		// The target's requirements must be satisfiable once the payload is
		// bound; anything else is a spec-authoring error, never a fallback.
		// The session is left untouched so a corrected spec can reprocess.
		targetReqs, err := h.registry.Requirements(target)
		if err != nil {
			return err
		}
		missing := targetReqs.Missing(
			s.MerchantID != "" || ev.Payload.MerchantID != "",
			s.Scenario != "" || ev.Payload.Scenario != "",
			s.Authenticated || ev.Payload.Authenticated,
		)
		if len(missing) > 0 {
			e := domain.ErrInvalidSpec(fmt.Sprintf(
				"transition %q -> %q cannot satisfy requirements of target workflow", ev.Type, target))
			e.Missing = missing
			return e
		}

		s.Bind(ev.Payload)
		previous := s.Workflow
		s.Workflow = target
		s.MarkOpened()

		msg := h.sessions.RecordLocked(s, domain.Message{
			Sender:  domain.SenderSystem,
			Content: synthesizeMessage(ev),
		})

		result = &session.EventResult{
			Applied:       true,
			Workflow:      target,
			SystemMessage: msg.Content,
		}
		s.StoreEventResult(ev.IdempotencyKey, result)

		h.logger.Info("transition applied",
			slog.String("conversation_id", ev.ConversationID),
			slog.String("event_type", ev.Type),
			slog.String("from", previous),
			slog.String("to", target),
		)

		if err := h.sessions.ConnectLocked(ctx, s); err != nil {
			return err
		}

		// The injected system message drives a new agent turn. The transition
		// itself is already applied and cached; an engine hiccup here must not
		// fail the delivery or be replayed on the event's redelivery.
		if _, err := h.sessions.DriveEngineLocked(ctx, s); err != nil {
			h.logger.Warn("engine turn after transition failed",
				slog.String("conversation_id", ev.ConversationID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Deliver applies an event, retrying with exponential backoff while the target
// session does not exist yet (events can race session establishment). After
// the budget it reports the event as failed rather than retrying forever. All
// other failures pass through immediately.
func (h *Handler) Deliver(ctx context.Context, ev domain.TransitionEvent, opts DeliveryOptions) (*session.EventResult, error) {
	opts = opts.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, opts.Budget)
	defer cancel()

	backoff := opts.InitialBackoff
	for {
		result, err := h.Apply(ctx, ev)
		if err == nil {
			return result, nil
		}
		de, ok := domain.AsError(err)
		if !ok || de.Reason != domain.ReasonSessionNotFound {
			return nil, err
		}

		select {
		case <-ctx.Done():
			h.logger.Error("transition event delivery exhausted",
				slog.String("conversation_id", ev.ConversationID),
				slog.String("event_type", ev.Type),
				slog.String("idempotency_key", ev.IdempotencyKey),
			)
			return nil, domain.NewError(domain.ErrorTypeTransient, domain.ReasonDeliveryExhausted,
				fmt.Sprintf("session %s did not appear within the delivery budget", ev.ConversationID))
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > opts.MaxBackoff {
			backoff = opts.MaxBackoff
		}
	}
}

// synthesizeMessage builds the system-originated message for an event. The
// content is fully determined by the event payload so replays are identical.
func synthesizeMessage(ev domain.TransitionEvent) string {
	switch ev.Type {
	case "authentication_completed":
		switch {
		case ev.Payload.Shop != "":
			return fmt.Sprintf("Authenticated merchant from %s.", ev.Payload.Shop)
		case ev.Payload.MerchantID != "":
			return fmt.Sprintf("Authenticated merchant %s.", ev.Payload.MerchantID)
		default:
			return "Authentication completed."
		}
	default:
		return fmt.Sprintf("External event %s completed.", ev.Type)
	}
}
