package usecase

import (
	"strings"

	"ragent/internal/domain"
	"ragent/internal/infra/config"
)

// stubPrefixes are openers of non-answers: a model acknowledging the task
// without doing it. Responses equal to or starting with one of these (and
// nothing substantial after) are treated as not ready.
var stubPrefixes = []string{
	"i will help",
	"i'll help",
	"i can help",
	"let me help",
}

// Heuristics decides when the agent loop has done enough. All thresholds
// come from configuration so deployments can retune them without a rebuild.
type Heuristics struct {
	cfg config.HeuristicsConfig
}

// NewHeuristics builds the stopping heuristics, filling zero values with the
// shipped defaults.
func NewHeuristics(cfg config.HeuristicsConfig) *Heuristics {
	def := config.Defaults().Agent.Heuristics
	if len(cfg.StrongPhrases) == 0 {
		cfg.StrongPhrases = def.StrongPhrases
	}
	if len(cfg.ModeratePhrases) == 0 {
		cfg.ModeratePhrases = def.ModeratePhrases
	}
	if cfg.ModerateMinLength <= 0 {
		cfg.ModerateMinLength = def.ModerateMinLength
	}
	if cfg.MinResponseLength <= 0 {
		cfg.MinResponseLength = def.MinResponseLength
	}
	if cfg.RepetitionWindow <= 0 {
		cfg.RepetitionWindow = def.RepetitionWindow
	}
	if cfg.MaxRepeatToolCalls <= 0 {
		cfg.MaxRepeatToolCalls = def.MaxRepeatToolCalls
	}
	if cfg.LongConversation <= 0 {
		cfg.LongConversation = def.LongConversation
	}
	if cfg.LongResponseLength <= 0 {
		cfg.LongResponseLength = def.LongResponseLength
	}
	return &Heuristics{cfg: cfg}
}

// IsComplete reports whether the response text signals the task is done.
// Strong phrases always count; moderate phrases count only when the
// response is substantial enough to be an actual answer.
func (h *Heuristics) IsComplete(response string) bool {
	lower := strings.ToLower(response)
	for _, p := range h.cfg.StrongPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	if len(response) > h.cfg.ModerateMinLength {
		for _, p := range h.cfg.ModeratePhrases {
			if strings.Contains(lower, p) {
				return true
			}
		}
	}
	return false
}

// ResponseReady reports whether a response is usable. Too-short responses
// and bare acknowledgement stubs are not; their tool calls must not run.
func (h *Heuristics) ResponseReady(response string) bool {
	trimmed := strings.TrimSpace(response)
	if len(trimmed) < h.cfg.MinResponseLength {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, stub := range stubPrefixes {
		if strings.HasPrefix(lower, stub) && len(trimmed) < h.cfg.ModerateMinLength {
			return false
		}
	}
	return true
}

// RepetitionExceeded inspects the trailing window of the conversation for a
// model stuck re-running the same tool. It trips when the window holds at
// least MaxRepeatToolCalls tool results with at most one assistant text
// between them.
func (h *Heuristics) RepetitionExceeded(msgs []domain.Message) bool {
	window := msgs
	if len(window) > h.cfg.RepetitionWindow {
		window = window[len(window)-h.cfg.RepetitionWindow:]
	}
	toolResults := 0
	assistantTexts := 0
	for _, m := range window {
		switch m.Role {
		case domain.RoleTool:
			toolResults++
		case domain.RoleAssistant:
			if m.Content != "" && len(m.ToolCalls) == 0 {
				assistantTexts++
			}
		}
	}
	return toolResults >= h.cfg.MaxRepeatToolCalls && assistantTexts <= 1
}

// ConversationExhausted reports whether the history has grown long enough
// that any substantial response should wrap the turn up.
func (h *Heuristics) ConversationExhausted(msgLen int, response string) bool {
	return msgLen >= h.cfg.LongConversation && len(response) >= h.cfg.LongResponseLength
}

// ShouldStop combines the completion signals for a response with no pending
// tool calls. It returns the reason for logging, or "" to continue.
func (h *Heuristics) ShouldStop(msgs []domain.Message, response string) (bool, string) {
	if h.IsComplete(response) {
		return true, "completion phrase"
	}
	if h.RepetitionExceeded(msgs) {
		return true, "tool repetition"
	}
	if h.ConversationExhausted(len(msgs), response) {
		return true, "conversation length"
	}
	return false, ""
}
