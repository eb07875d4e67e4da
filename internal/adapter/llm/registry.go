package llm

import (
	"fmt"
	"log/slog"
	"sync"

	"ragent/internal/domain"
	"ragent/internal/infra/config"
)

// Registry holds the configured LLM providers by name so failover chains
// and health output can look them up.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]domain.LLMProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]domain.LLMProvider)}
}

// Register adds a provider under its own name. Duplicate names are an error.
func (r *Registry) Register(provider domain.LLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.byName[name] = provider
	return nil
}

// Get looks a provider up by name.
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byName[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns the registered provider names in no particular order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// BuildProvider constructs the default provider chain from configuration:
// each configured provider is registered by name; the default provider then
// gets failover fallbacks and circuit breaker protection as configured.
func BuildProvider(cfg config.LLMConfig, logger *slog.Logger) (domain.LLMProvider, *Registry, error) {
	registry := NewRegistry()
	for _, pc := range cfg.Providers {
		p, err := newProvider(pc, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := registry.Register(p); err != nil {
			return nil, nil, err
		}
	}

	primary, err := registry.Get(cfg.DefaultProvider)
	if err != nil {
		return nil, nil, err
	}

	provider := primary
	if cfg.Failover.Enabled && len(cfg.Failover.Fallbacks) > 0 {
		fallbacks := make([]domain.LLMProvider, 0, len(cfg.Failover.Fallbacks))
		for _, name := range cfg.Failover.Fallbacks {
			fb, err := registry.Get(name)
			if err != nil {
				return nil, nil, err
			}
			fallbacks = append(fallbacks, fb)
		}
		provider = NewFailoverProvider(primary, fallbacks, logger)
	}

	if cfg.CircuitBreaker.Enabled {
		provider = NewCircuitBreakerProvider(provider, cfg.CircuitBreaker, logger)
	}

	return provider, registry, nil
}

func newProvider(pc config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	switch pc.Type {
	case "", "openai":
		return NewOpenAIProvider(pc, logger), nil
	case "ollama":
		return NewOllamaProvider(pc, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q for %q", pc.Type, pc.Name)
	}
}
