package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ragent/internal/domain"
	"ragent/internal/infra/config"
)

var (
	_ domain.LLMProvider          = (*OllamaProvider)(nil)
	_ domain.StreamingLLMProvider = (*OllamaProvider)(nil)
)

// Local server: connecting is fast, loading a model into memory is not.
const (
	ollamaConnTimeout = 5 * time.Second
	ollamaRespTimeout = 300 * time.Second
)

// OllamaProvider runs chats against a local Ollama server. Chat and stream
// go through the OpenAI-compatible /v1 surface, so the heavy lifting is
// delegated to an inner OpenAIProvider; model listing, health and warmup
// use Ollama's native API.
type OllamaProvider struct {
	inner  *OpenAIProvider
	native string // native API base, without the /v1 suffix
	client *http.Client
	logger *slog.Logger
}

// OllamaModel describes a model present on the local server.
type OllamaModel struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}

// NewOllamaProvider creates a provider for the server at cfg.BaseURL
// (default http://localhost:11434). No API key is used.
func NewOllamaProvider(cfg config.ProviderConfig, logger *slog.Logger) *OllamaProvider {
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = ollamaConnTimeout
	}
	if cfg.RespTimeout == 0 {
		cfg.RespTimeout = ollamaRespTimeout
	}

	native := strings.TrimRight(cfg.BaseURL, "/")
	if native == "" {
		native = "http://localhost:11434"
	}

	client := NewHTTPClient(cfg)
	return &OllamaProvider{
		inner: &OpenAIProvider{
			name:    cfg.Name,
			model:   cfg.Model,
			baseURL: native + "/v1",
			client:  client,
			logger:  logger,
		},
		native: native,
		client: client,
		logger: logger,
	}
}

func (p *OllamaProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return p.inner.Chat(ctx, req)
}

func (p *OllamaProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	return p.inner.ChatStream(ctx, req)
}

func (p *OllamaProvider) Name() string { return p.inner.Name() }

// ListModels returns the models available on the local server.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]OllamaModel, error) {
	body, err := p.getNative(ctx, "/api/tags")
	if err != nil {
		return nil, err
	}

	var tags struct {
		Models []OllamaModel `json:"models"`
	}
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return tags.Models, nil
}

// IsHealthy reports whether the server answers at all.
func (p *OllamaProvider) IsHealthy(ctx context.Context) bool {
	_, err := p.getNative(ctx, "/")
	return err == nil
}

// Warmup asks the server to load the configured model into memory so the
// first real turn does not pay the load latency. The generate endpoint with
// keep_alive and no prompt loads without generating.
func (p *OllamaProvider) Warmup(ctx context.Context) error {
	if !p.IsHealthy(ctx) {
		return fmt.Errorf("ollama server not reachable at %s", p.native)
	}

	payload, _ := json.Marshal(map[string]string{
		"model":      p.inner.model,
		"keep_alive": "5m",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.native+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create warmup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("warmup request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("warmup failed: status %d", resp.StatusCode)
	}
	p.logger.Info("ollama model loaded", "model", p.inner.model, "base_url", p.native)
	return nil
}

// getNative performs a GET against the native Ollama API.
func (p *OllamaProvider) getNative(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.native+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}
	return body, nil
}
