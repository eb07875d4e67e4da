package usecase

import (
	"log/slog"

	"ragent/internal/domain"
)

// tokenCounter abstracts token estimation so tests can supply a fake.
type tokenCounter interface {
	CountMessages(msgs []domain.Message) int
}

// ContextGuard prevents context window overflow by checking token usage
// and truncating the conversation proactively.
type ContextGuard struct {
	maxTokens     int
	reserveTokens int
	safetyMargin  float64 // e.g. 0.15 = 15%
	floorMessages int     // never truncate below this many messages
	counter       tokenCounter
	logger        *slog.Logger
}

// ContextGuardSettings holds settings for the context guard.
type ContextGuardSettings struct {
	MaxTokens     int
	ReserveTokens int
	SafetyMargin  float64
}

// NewContextGuard creates a context guard with the given dependencies.
func NewContextGuard(cfg ContextGuardSettings, counter tokenCounter, logger *slog.Logger) *ContextGuard {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 0.15
	}
	if cfg.SafetyMargin > 0.5 {
		cfg.SafetyMargin = 0.5
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = 1000
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 128000
	}
	return &ContextGuard{
		maxTokens:     cfg.MaxTokens,
		reserveTokens: cfg.ReserveTokens,
		safetyMargin:  cfg.SafetyMargin,
		floorMessages: 4,
		counter:       counter,
		logger:        logger,
	}
}

// Check evaluates the conversation's token usage against limits. When over
// the safe threshold it halves the window (keeping the system prompt) until
// the estimate fits or the floor is reached. Returns ErrContextOverflow only
// when truncation cannot bring the prompt under the limit.
func (g *ContextGuard) Check(conv *Conversation) error {
	limit := int(float64(g.maxTokens)*(1-g.safetyMargin)) - g.reserveTokens

	tokens := g.counter.CountMessages(conv.Messages())
	if tokens <= limit {
		return nil
	}

	g.logger.Warn("context guard: token limit approaching, truncating",
		"tokens", tokens,
		"limit", limit,
		"messages", conv.Len(),
	)

	for window := conv.Len() / 2; window >= g.floorMessages; window /= 2 {
		if err := conv.Truncate(window); err != nil {
			g.logger.Error("context guard: truncate failed", "error", err)
			break
		}
		tokens = g.counter.CountMessages(conv.Messages())
		if tokens <= limit {
			g.logger.Info("context guard: truncation resolved overflow",
				"tokens_after", tokens,
				"messages_after", conv.Len(),
			)
			return nil
		}
	}

	g.logger.Error("context guard: context overflow",
		"tokens", tokens,
		"limit", limit,
	)
	return domain.ErrContextOverflow
}
