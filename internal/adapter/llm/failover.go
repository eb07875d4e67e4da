package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"ragent/internal/domain"
)

var (
	_ domain.LLMProvider          = (*FailoverProvider)(nil)
	_ domain.StreamingLLMProvider = (*FailoverProvider)(nil)
)

// FailoverProvider walks an ordered provider chain: the primary first, then
// each fallback. The first success wins; when the whole chain fails the
// returned error wraps ErrBackendDown with every provider's failure attached.
type FailoverProvider struct {
	primary   domain.LLMProvider
	fallbacks []domain.LLMProvider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover-capable provider.
func NewFailoverProvider(primary domain.LLMProvider, fallbacks []domain.LLMProvider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{
		primary:   primary,
		fallbacks: fallbacks,
		logger:    logger,
	}
}

// chain returns the full ordered provider list.
func (f *FailoverProvider) chain() []domain.LLMProvider {
	return append([]domain.LLMProvider{f.primary}, f.fallbacks...)
}

// Chat walks the chain until a provider answers.
func (f *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var failures []string

	for i, p := range f.chain() {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover succeeded", "provider", p.Name(), "position", i)
			}
			return resp, nil
		}
		f.logger.Warn("provider failed, continuing down the chain",
			"provider", p.Name(), "position", i, "error", err)
		failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
	}

	return nil, fmt.Errorf("%w: all providers failed: [%s]",
		domain.ErrBackendDown, strings.Join(failures, "; "))
}

// ChatStream walks the chain trying only providers that can stream.
func (f *FailoverProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	var failures []string
	tried := 0

	for i, p := range f.chain() {
		sp, ok := p.(domain.StreamingLLMProvider)
		if !ok {
			continue
		}
		tried++

		ch, err := sp.ChatStream(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("streaming failover succeeded", "provider", p.Name(), "position", i)
			}
			return ch, nil
		}
		f.logger.Warn("streaming provider failed, continuing down the chain",
			"provider", p.Name(), "position", i, "error", err)
		failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
	}

	if tried == 0 {
		return nil, fmt.Errorf("no streaming-capable providers available")
	}
	return nil, fmt.Errorf("%w: all streaming providers failed: [%s]",
		domain.ErrBackendDown, strings.Join(failures, "; "))
}

// Name identifies the chain by its primary.
func (f *FailoverProvider) Name() string {
	return f.primary.Name() + "+failover"
}
