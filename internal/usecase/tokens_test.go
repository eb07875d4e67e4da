package usecase

import (
	"testing"

	"ragent/internal/domain"
)

func TestTokenCounterFallbackEstimate(t *testing.T) {
	// Force the heuristic path regardless of tiktoken data availability.
	c := &TokenCounter{}

	if got := c.Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}
	if got := c.Count("abcd"); got != 1 {
		t.Errorf("Count(4 chars) = %d, want 1", got)
	}
	if got := c.Count("abcdefgh"); got != 2 {
		t.Errorf("Count(8 chars) = %d, want 2", got)
	}
}

func TestCountMessagesIncludesOverheadAndToolCalls(t *testing.T) {
	c := &TokenCounter{}

	empty := c.CountMessages(nil)
	if empty != 0 {
		t.Errorf("CountMessages(nil) = %d, want 0", empty)
	}

	one := c.CountMessages([]domain.Message{{Role: domain.RoleUser, Content: "abcd"}})
	if one <= c.Count("abcd") {
		t.Errorf("per-message overhead not charged: %d", one)
	}

	withCall := c.CountMessages([]domain.Message{{
		Role: domain.RoleAssistant,
		ToolCalls: []domain.ToolCall{{
			ID:        "1",
			Name:      RCodeToolName,
			Arguments: []byte(`{"code":"mean(x)"}`),
		}},
	}})
	bare := c.CountMessages([]domain.Message{{Role: domain.RoleAssistant}})
	if withCall <= bare {
		t.Errorf("tool call arguments not counted: with=%d bare=%d", withCall, bare)
	}
}
