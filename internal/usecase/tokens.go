package usecase

import (
	"github.com/pkoukk/tiktoken-go"

	"ragent/internal/domain"
)

// perMessageOverhead approximates the tokens the chat format itself spends
// per message (role, separators).
const perMessageOverhead = 4

// TokenCounter estimates prompt size for a provider/model pair.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter builds a counter for the given model. Models unknown to
// the tokenizer fall back to the cl100k_base encoding; if even that fails, a
// character-based estimate is used.
func NewTokenCounter(model string) *TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	return &TokenCounter{encoding: enc}
}

// Count returns the estimated token count of a single string.
func (tc *TokenCounter) Count(text string) int {
	if tc.encoding == nil {
		// Rough heuristic: one token per 4 characters.
		return (len(text) + 3) / 4
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages returns the estimated token count of a message history,
// including tool call arguments and per-message formatting overhead.
func (tc *TokenCounter) CountMessages(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		total += tc.Count(m.Content) + perMessageOverhead
		for _, call := range m.ToolCalls {
			total += tc.Count(call.Name)
			total += tc.Count(string(call.Arguments))
		}
	}
	return total
}
