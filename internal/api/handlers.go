// Package api implements the client-facing session protocol and the inbound
// completion-event endpoint over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pulsedesk/session-engine/internal/domain"
	"github.com/pulsedesk/session-engine/internal/server"
	"github.com/pulsedesk/session-engine/internal/session"
	"github.com/pulsedesk/session-engine/internal/toolbridge"
	"github.com/pulsedesk/session-engine/internal/transition"
	"github.com/pulsedesk/session-engine/internal/workflow"
)

// Handler serves the session engine's HTTP surface.
type Handler struct {
	sessions     *session.Manager
	bridge       *toolbridge.Bridge
	registry     *workflow.Registry
	transitions  *transition.Handler
	deliveryOpts transition.DeliveryOptions
	logger       *slog.Logger
}

// New creates the API handler.
func New(sessions *session.Manager, bridge *toolbridge.Bridge, registry *workflow.Registry,
	transitions *transition.Handler, deliveryOpts transition.DeliveryOptions, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions:     sessions,
		bridge:       bridge,
		registry:     registry,
		transitions:  transitions,
		deliveryOpts: deliveryOpts,
		logger:       logger,
	}
}

// Mount registers all routes on the router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Get("/v1/workflows", h.handleListWorkflows)

	r.Post("/v1/sessions", h.handleStartSession)
	r.Get("/v1/sessions/{conversationID}", h.handleGetSession)
	r.Post("/v1/sessions/{conversationID}/turns", h.handleTurn)
	r.Post("/v1/sessions/{conversationID}/tools", h.handleInvokeTool)
	r.Delete("/v1/sessions/{conversationID}", h.handleCloseSession)

	r.Post("/v1/events", h.handleEvent)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type workflowSummary struct {
	Name        string            `json:"name"`
	Tools       []string          `json:"tools"`
	Transitions map[string]string `json:"transitions,omitempty"`
}

func (h *Handler) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	names := h.registry.Names()
	summaries := make([]workflowSummary, 0, len(names))
	for _, name := range names {
		spec, err := h.registry.Get(name)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		summaries = append(summaries, workflowSummary{
			Name:        spec.Name,
			Tools:       append([]string(nil), spec.Tools...),
			Transitions: spec.Transitions,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": summaries})
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("malformed request body"))
		return
	}

	view, err := h.sessions.CreateOrGet(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	server.AddLogField(r.Context(), "conversation_id", view.ConversationID)
	server.AddLogField(r.Context(), "workflow", view.Workflow)
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.sessions.Get(chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type turnRequest struct {
	Message string `json:"message"`
}

type turnResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []domain.Message `json:"messages"`
}

func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("malformed request body"))
		return
	}

	messages, err := h.sessions.Turn(r.Context(), conversationID, req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, turnResponse{ConversationID: conversationID, Messages: messages})
}

type invokeToolRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

func (h *Handler) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req invokeToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("malformed request body"))
		return
	}
	if req.Tool == "" {
		h.writeError(w, r, domain.ErrInvalidRequest("tool is required"))
		return
	}

	result, err := h.sessions.InvokeTool(r.Context(), conversationID, req.Tool, req.Params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(chi.URLParam(r, "conversationID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.TransitionEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("malformed request body"))
		return
	}

	result, err := h.transitions.Deliver(r.Context(), ev, h.deliveryOpts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	server.AddLogField(r.Context(), "conversation_id", ev.ConversationID)
	server.AddLogField(r.Context(), "event_type", ev.Type)
	writeJSON(w, http.StatusOK, result)
}

type errorBody struct {
	Error *domain.Error `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)

	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.NewError(domain.ErrorTypeInternal, "", "internal error")
		h.logger.Error("unhandled error", slog.String("error", err.Error()))
	}
	writeJSON(w, de.HTTPStatusCode(), errorBody{Error: de})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
