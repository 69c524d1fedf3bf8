package domain

import "time"

// Sender identifies who produced a message in a conversation.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
	SenderTool      Sender = "tool"
)

// Message is one entry in a session's ordered history.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Turn      int       `json:"turn"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolCall is a request raised by the conversational engine to fetch a view
// through the scoped capability bridge.
type ToolCall struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// TransitionEvent is an asynchronous notification, delivered at-least-once,
// that should move a session from one workflow to another. Applying the same
// event twice (same idempotency key) must yield the same session state as
// applying it once.
type TransitionEvent struct {
	ConversationID string       `json:"conversation_id"`
	Type           string       `json:"event_type"`
	IdempotencyKey string       `json:"idempotency_key"`
	Payload        EventPayload `json:"payload"`
}

// EventPayload carries the session bindings an event establishes.
type EventPayload struct {
	MerchantID    string `json:"merchant_id,omitempty"`
	Shop          string `json:"shop,omitempty"`
	Scenario      string `json:"scenario,omitempty"`
	Authenticated bool   `json:"authenticated,omitempty"`
}

// Requirement names the session preconditions a workflow may declare.
const (
	RequirementMerchant       = "merchant"
	RequirementScenario       = "scenario"
	RequirementAuthentication = "authentication"
)
