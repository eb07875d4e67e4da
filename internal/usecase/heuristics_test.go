package usecase

import (
	"strings"
	"testing"

	"ragent/internal/domain"
	"ragent/internal/infra/config"
)

func TestIsComplete(t *testing.T) {
	h := NewHeuristics(config.HeuristicsConfig{})

	tests := []struct {
		name     string
		response string
		want     bool
	}{
		{"strong phrase", "Analysis complete. See the table above.", true},
		{"strong phrase mixed case", "The Analysis Is Finished now.", true},
		{"moderate phrase short response", "done", false},
		{"moderate phrase substantial response", "The regression model finished and all coefficients are significant at p < 0.05.", true},
		{"no signal", "Let me look at the residuals next to check for heteroscedasticity.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.IsComplete(tt.response); got != tt.want {
				t.Errorf("IsComplete(%q) = %v, want %v", tt.response, got, tt.want)
			}
		})
	}
}

func TestResponseReady(t *testing.T) {
	h := NewHeuristics(config.HeuristicsConfig{})

	tests := []struct {
		name     string
		response string
		want     bool
	}{
		{"too short", "ok", false},
		{"empty", "", false},
		{"stub prefix short", "I will help with that.", false},
		{"stub prefix but substantial", "I will help you fit the model: first load the data, then run lm() on it.", true},
		{"normal answer", "The mean of the measurements is 4.2 with a standard deviation of 1.1.", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.ResponseReady(tt.response); got != tt.want {
				t.Errorf("ResponseReady(%q) = %v, want %v", tt.response, got, tt.want)
			}
		})
	}
}

func TestRepetitionExceeded(t *testing.T) {
	h := NewHeuristics(config.HeuristicsConfig{})

	toolMsg := domain.Message{Role: domain.RoleTool, Content: "ran"}
	callMsg := domain.Message{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "1", Name: RCodeToolName}}}
	textMsg := domain.Message{Role: domain.RoleAssistant, Content: "Here is what the output means for your hypothesis."}
	userMsg := domain.Message{Role: domain.RoleUser, Content: "go on"}

	if h.RepetitionExceeded([]domain.Message{userMsg, callMsg, toolMsg}) {
		t.Error("one tool result should not trip the guard")
	}
	if !h.RepetitionExceeded([]domain.Message{callMsg, toolMsg, callMsg, toolMsg}) {
		t.Error("two back-to-back tool results with no commentary should trip")
	}
	if h.RepetitionExceeded([]domain.Message{callMsg, toolMsg, textMsg, userMsg, callMsg, toolMsg, textMsg, userMsg}) {
		t.Error("tool use interleaved with real answers should not trip")
	}
}

func TestConversationExhausted(t *testing.T) {
	h := NewHeuristics(config.HeuristicsConfig{})

	long := strings.Repeat("The residual plot shows no pattern. ", 5)
	if h.ConversationExhausted(5, long) {
		t.Error("short conversation should not be exhausted")
	}
	if !h.ConversationExhausted(25, long) {
		t.Error("long conversation plus substantial answer should wrap up")
	}
	if h.ConversationExhausted(25, "ok") {
		t.Error("a stub answer never wraps up, even late")
	}
}

func TestShouldStopReasons(t *testing.T) {
	h := NewHeuristics(config.HeuristicsConfig{})

	stop, reason := h.ShouldStop(nil, "Analysis complete.")
	if !stop || reason != "completion phrase" {
		t.Errorf("got (%v, %q)", stop, reason)
	}
	stop, _ = h.ShouldStop(nil, "Still working through the model diagnostics for you now.")
	if stop {
		t.Error("neutral response should continue")
	}
}

func TestHeuristicsZeroConfigUsesDefaults(t *testing.T) {
	h := NewHeuristics(config.HeuristicsConfig{})
	if !h.IsComplete("task completed") {
		t.Error("default strong phrases not applied")
	}
	if h.ResponseReady("short") {
		t.Error("default min response length not applied")
	}
}
