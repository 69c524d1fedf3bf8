package engine

import (
	"context"
	"testing"

	"github.com/pulsedesk/session-engine/internal/domain"
)

func TestCanned_GenerateTurn(t *testing.T) {
	eng := NewCanned()
	ctx := context.Background()

	t.Run("empty history greets", func(t *testing.T) {
		msg, calls, err := eng.GenerateTurn(ctx, nil, nil)
		if err != nil {
			t.Fatalf("GenerateTurn() error = %v", err)
		}
		if len(calls) != 0 || msg.Sender != domain.SenderAssistant || msg.Content == "" {
			t.Errorf("msg = %+v, calls = %v", msg, calls)
		}
	})

	t.Run("user turn with tools requests first tool", func(t *testing.T) {
		history := []domain.Message{{Sender: domain.SenderUser, Content: "status?"}}
		_, calls, err := eng.GenerateTurn(ctx, history, []string{"daily_briefing", "crisis_report"})
		if err != nil {
			t.Fatalf("GenerateTurn() error = %v", err)
		}
		if len(calls) != 1 || calls[0].Name != "daily_briefing" {
			t.Errorf("calls = %v, want one daily_briefing call", calls)
		}
	})

	t.Run("tool result is summarized", func(t *testing.T) {
		history := []domain.Message{
			{Sender: domain.SenderUser, Content: "status?"},
			{Sender: domain.SenderTool, Content: "MRR $45,000"},
		}
		msg, calls, err := eng.GenerateTurn(ctx, history, []string{"daily_briefing"})
		if err != nil {
			t.Fatalf("GenerateTurn() error = %v", err)
		}
		if len(calls) != 0 || msg.Sender != domain.SenderAssistant {
			t.Errorf("msg = %+v, calls = %v", msg, calls)
		}
	})

	t.Run("system message is acknowledged", func(t *testing.T) {
		history := []domain.Message{{Sender: domain.SenderSystem, Content: "Authenticated merchant acme."}}
		msg, calls, err := eng.GenerateTurn(ctx, history, nil)
		if err != nil {
			t.Fatalf("GenerateTurn() error = %v", err)
		}
		if len(calls) != 0 || msg.Sender != domain.SenderAssistant {
			t.Errorf("msg = %+v, calls = %v", msg, calls)
		}
	})

	t.Run("user turn without tools echoes", func(t *testing.T) {
		history := []domain.Message{{Sender: domain.SenderUser, Content: "anyone?"}}
		msg, calls, err := eng.GenerateTurn(ctx, history, nil)
		if err != nil {
			t.Fatalf("GenerateTurn() error = %v", err)
		}
		if len(calls) != 0 || msg.Sender != domain.SenderAssistant {
			t.Errorf("msg = %+v, calls = %v", msg, calls)
		}
	})

	t.Run("canceled context fails", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		if _, _, err := eng.GenerateTurn(canceled, nil, nil); err == nil {
			t.Error("GenerateTurn() with canceled context succeeded")
		}
	})
}
