// Package engine defines the port to the external conversational engine. The
// engine is the only component permitted to decide what tools to call; the
// session manager only executes its decisions.
package engine

import (
	"context"
	"fmt"

	"github.com/pulsedesk/session-engine/internal/domain"
)

// Engine produces the next conversational turn from the session history and
// the tool set the active workflow exposes. Implementations may block while
// awaiting a model; callers bound the wait with the context.
type Engine interface {
	GenerateTurn(ctx context.Context, history []domain.Message, availableTools []string) (domain.Message, []domain.ToolCall, error)
}

// Canned is a deterministic in-process engine used for local runs and tests.
// It asks for the first available tool once per user turn, then summarizes.
type Canned struct{}

// NewCanned creates a canned engine.
func NewCanned() *Canned {
	return &Canned{}
}

// GenerateTurn implements Engine.
func (c *Canned) GenerateTurn(ctx context.Context, history []domain.Message, availableTools []string) (domain.Message, []domain.ToolCall, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, nil, err
	}

	last := lastMessage(history)

	switch {
	case last == nil:
		return assistant("Hi! I'm your support assistant. How can I help today?"), nil, nil
	case last.Sender == domain.SenderTool:
		return assistant("Here's what I found:\n" + last.Content), nil, nil
	case last.Sender == domain.SenderSystem:
		return assistant(fmt.Sprintf("Noted: %s. What would you like to do next?", last.Content)), nil, nil
	case len(availableTools) > 0:
		return domain.Message{}, []domain.ToolCall{{Name: availableTools[0]}}, nil
	default:
		return assistant(fmt.Sprintf("You said: %q. I don't have data tools in this workflow, but I'm happy to help.", last.Content)), nil, nil
	}
}

func assistant(content string) domain.Message {
	return domain.Message{Sender: domain.SenderAssistant, Content: content}
}

func lastMessage(history []domain.Message) *domain.Message {
	if len(history) == 0 {
		return nil
	}
	return &history[len(history)-1]
}
