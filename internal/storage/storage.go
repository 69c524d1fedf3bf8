// Package storage defines the transcript hand-off store. The session engine
// holds the working copy of every conversation; the store is the durable
// hand-off target and its failures never fail the conversation path.
package storage

import (
	"context"
	"time"

	"github.com/pulsedesk/session-engine/internal/domain"
)

// Conversation is the stored form of a session transcript.
type Conversation struct {
	ID         string            `json:"id"`
	Workflow   string            `json:"workflow"`
	MerchantID string            `json:"merchant_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Messages   []domain.Message  `json:"messages,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ListOptions narrows and pages transcript listings.
type ListOptions struct {
	MerchantID string
	Limit      int
	Offset     int
}

// TranscriptStore persists conversation transcripts keyed by conversation id.
type TranscriptStore interface {
	// EnsureConversation creates the conversation record if it does not exist
	// and updates its workflow/merchant bindings if it does.
	EnsureConversation(ctx context.Context, conv *Conversation) error

	// AppendMessage appends one message to a conversation's transcript.
	AppendMessage(ctx context.Context, conversationID string, msg *domain.Message) error

	// GetTranscript returns the conversation with its ordered messages.
	GetTranscript(ctx context.Context, conversationID string) (*Conversation, error)

	// ListConversations returns stored conversations, newest first.
	ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error)

	// DeleteConversation removes a conversation and its messages.
	DeleteConversation(ctx context.Context, conversationID string) error

	Close() error
}
