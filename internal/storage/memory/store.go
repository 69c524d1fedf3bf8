// Package memory is an in-memory TranscriptStore used in tests and when no
// durable storage is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pulsedesk/session-engine/internal/domain"
	"github.com/pulsedesk/session-engine/internal/storage"
)

// Store is an in-memory implementation of TranscriptStore.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*storage.Conversation
}

var _ storage.TranscriptStore = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		conversations: make(map[string]*storage.Conversation),
	}
}

func (s *Store) EnsureConversation(ctx context.Context, conv *storage.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.conversations[conv.ID]
	if ok {
		existing.Workflow = conv.Workflow
		if conv.MerchantID != "" {
			existing.MerchantID = conv.MerchantID
		}
		existing.UpdatedAt = time.Now()
		return nil
	}

	stored := &storage.Conversation{
		ID:         conv.ID,
		Workflow:   conv.Workflow,
		MerchantID: conv.MerchantID,
		Metadata:   conv.Metadata,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	s.conversations[conv.ID] = stored
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	conv.Messages = append(conv.Messages, *msg)
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *Store) GetTranscript(ctx context.Context, conversationID string) (*storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}

	out := *conv
	out.Messages = append([]domain.Message(nil), conv.Messages...)
	return &out, nil
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.Conversation
	for _, conv := range s.conversations {
		if opts.MerchantID != "" && conv.MerchantID != opts.MerchantID {
			continue
		}
		c := *conv
		c.Messages = append([]domain.Message(nil), conv.Messages...)
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	start := opts.Offset
	if start >= len(result) {
		return []*storage.Conversation{}, nil
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}
	return result[start:end], nil
}

func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	delete(s.conversations, conversationID)
	return nil
}

func (s *Store) Close() error {
	return nil
}
