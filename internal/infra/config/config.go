package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	LLM      LLMConfig      `yaml:"llm"`
	Sessions SessionsConfig `yaml:"sessions"`
	Executor ExecutorConfig `yaml:"executor"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// AgentConfig holds agent loop behavior settings.
type AgentConfig struct {
	MaxIterations int               `yaml:"max_iterations"`
	TurnTimeout   time.Duration     `yaml:"turn_timeout"` // soft; logged, never aborts a stream
	SystemPrompt  string            `yaml:"system_prompt"`
	MaxMessages   int               `yaml:"max_messages"` // conversation window, incl. system prompt
	Heuristics    HeuristicsConfig  `yaml:"heuristics"`
	ContextGuard  ContextGuardConfig `yaml:"context_guard"`
}

// HeuristicsConfig tunes the stopping heuristics of the agent loop.
// Every threshold the loop consults lives here so deployments can retune
// them without a rebuild.
type HeuristicsConfig struct {
	StrongPhrases      []string `yaml:"strong_phrases"`       // always stop
	ModeratePhrases    []string `yaml:"moderate_phrases"`     // stop when response is substantial
	ModerateMinLength  int      `yaml:"moderate_min_length"`  // chars; default 50
	MinResponseLength  int      `yaml:"min_response_length"`  // below this a response is not ready; default 20
	RepetitionWindow   int      `yaml:"repetition_window"`    // trailing messages inspected; default 6
	MaxRepeatToolCalls int      `yaml:"max_repeat_tool_calls"` // tool results tolerated in window; default 2
	LongConversation   int      `yaml:"long_conversation"`    // message count that forces wrap-up; default 20
	LongResponseLength int      `yaml:"long_response_length"` // chars that count as substantial then; default 100
}

// ContextGuardConfig controls proactive context window overflow prevention.
type ContextGuardConfig struct {
	Enabled       bool    `yaml:"enabled"`
	MaxTokens     int     `yaml:"max_tokens"`     // default: 128000
	ReserveTokens int     `yaml:"reserve_tokens"` // default: 1000
	SafetyMargin  float64 `yaml:"safety_margin"`  // default: 0.15
}

// SessionsConfig holds session pool settings.
type SessionsConfig struct {
	DataDir      string        `yaml:"data_dir"`      // conversation persistence root
	WorkspaceDir string        `yaml:"workspace_dir"` // per-session working directories
	MaxSessions  int           `yaml:"max_sessions"`  // LRU capacity
	TTL          time.Duration `yaml:"ttl"`           // idle lifetime before reap
	ReapSchedule string        `yaml:"reap_schedule"` // cron expression for the sweep
	Persistent   bool          `yaml:"persistent"`    // workspace persistence across turns
}

// ExecutorConfig holds script executor settings.
type ExecutorConfig struct {
	Binary        string        `yaml:"binary"`         // explicit interpreter path; empty = discover
	SearchPaths   []string      `yaml:"search_paths"`   // candidate install locations
	Timeout       time.Duration `yaml:"timeout"`        // hard wall clock per execution
	DataRoot      string        `yaml:"data_root"`      // where relative data/ paths resolve
	WorkspaceFile string        `yaml:"workspace_file"` // image filename inside the session dir
	MaxOutputSize int           `yaml:"max_output_size"` // bytes of captured console text
}

// FailoverConfig holds model failover settings.
type FailoverConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Fallbacks []string `yaml:"fallbacks"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	Failover        FailoverConfig       `yaml:"failover"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	MaxRetries      int                  `yaml:"max_retries"`
	RetryBaseDelay  time.Duration        `yaml:"retry_base_delay"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Addr           string        `yaml:"addr"`
	Auth           AuthConfig    `yaml:"auth"`
	SendBuffer     int           `yaml:"send_buffer"`     // per-connection outbound frame buffer
	RatePerSecond  float64       `yaml:"rate_per_second"` // turn submissions per connection
	RateBurst      int           `yaml:"rate_burst"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	TrustedProxies []string      `yaml:"trusted_proxies,omitempty"` // peers whose forwarded-for headers are honored
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.ragent/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".ragent", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Agent: AgentConfig{
			MaxIterations: 15,
			TurnTimeout:   120 * time.Second,
			SystemPrompt:  "You are a statistical analysis assistant. You can run R code in the user's session workspace.",
			MaxMessages:   20,
			Heuristics: HeuristicsConfig{
				StrongPhrases: []string{
					"analysis complete",
					"task completed",
					"here are the results",
					"the analysis is finished",
				},
				ModeratePhrases: []string{
					"successfully",
					"completed",
					"finished",
					"done",
				},
				ModerateMinLength:  50,
				MinResponseLength:  20,
				RepetitionWindow:   6,
				MaxRepeatToolCalls: 2,
				LongConversation:   20,
				LongResponseLength: 100,
			},
			ContextGuard: ContextGuardConfig{
				Enabled:       false,
				MaxTokens:     128000,
				ReserveTokens: 1000,
				SafetyMargin:  0.15,
			},
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			MaxRetries:      3,
			RetryBaseDelay:  500 * time.Millisecond,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     false,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Sessions: SessionsConfig{
			DataDir:      filepath.Join(dataDir, "sessions"),
			WorkspaceDir: filepath.Join(dataDir, "workspaces"),
			MaxSessions:  50,
			TTL:          time.Hour,
			ReapSchedule: "*/10 * * * *",
			Persistent:   true,
		},
		Executor: ExecutorConfig{
			SearchPaths: []string{
				"/usr/bin/Rscript",
				"/usr/local/bin/Rscript",
				"/opt/R/bin/Rscript",
				"C:\\Program Files\\R\\R-4.3.1\\bin\\Rscript.exe",
			},
			Timeout:       5 * time.Minute,
			DataRoot:      filepath.Join(dataDir, "datasets"),
			WorkspaceFile: "session_workspace.RData",
			MaxOutputSize: 1 << 20,
		},
		Gateway: GatewayConfig{
			Addr:          ":8080",
			SendBuffer:    64,
			RatePerSecond: 2,
			RateBurst:     5,
			WriteTimeout:  10 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads the config file at path, layering it over Defaults and then
// applying RAGENT_* environment overrides. A missing file is not an error;
// defaults plus env are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps RAGENT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RAGENT_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("RAGENT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("RAGENT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("RAGENT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("RAGENT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("RAGENT_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("RAGENT_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth = AuthConfig{
			Type:   "static",
			Tokens: []TokenConfig{{Token: v, Name: "env"}},
		}
	}
	if v := os.Getenv("RAGENT_SESSIONS_DATA_DIR"); v != "" {
		cfg.Sessions.DataDir = v
	}
	if v := os.Getenv("RAGENT_SESSIONS_WORKSPACE_DIR"); v != "" {
		cfg.Sessions.WorkspaceDir = v
	}
	if v := os.Getenv("RAGENT_SESSIONS_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sessions.MaxSessions = n
		}
	}
	if v := os.Getenv("RAGENT_SESSIONS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Sessions.TTL = d
		}
	}
	if v := os.Getenv("RAGENT_SESSIONS_PERSISTENT"); v == "false" {
		cfg.Sessions.Persistent = false
	}
	if v := os.Getenv("RAGENT_EXECUTOR_BINARY"); v != "" {
		cfg.Executor.Binary = v
	}
	if v := os.Getenv("RAGENT_EXECUTOR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Executor.Timeout = d
		}
	}
	if v := os.Getenv("RAGENT_EXECUTOR_DATA_ROOT"); v != "" {
		cfg.Executor.DataRoot = v
	}
	if v := os.Getenv("RAGENT_EXECUTOR_SEARCH_PATHS"); v != "" {
		cfg.Executor.SearchPaths = splitAndTrim(v, ",")
	}
	if v := os.Getenv("RAGENT_AGENT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxIterations = n
		}
	}
	if v := os.Getenv("RAGENT_AGENT_MAX_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 1 {
			cfg.Agent.MaxMessages = n
		}
	}
	if v := os.Getenv("RAGENT_AGENT_SYSTEM_PROMPT"); v != "" {
		cfg.Agent.SystemPrompt = v
	}

	applyProviderEnv(cfg)
}

// applyProviderEnv wires well-known provider API keys from the environment.
// A key present in env with no matching provider entry creates one.
func applyProviderEnv(cfg *Config) {
	known := []struct {
		env     string
		name    string
		baseURL string
		model   string
	}{
		{"OPENAI_API_KEY", "openai", "https://api.openai.com/v1", "gpt-4o-mini"},
		{"GROQ_API_KEY", "groq", "https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
	}
	for _, k := range known {
		v := os.Getenv(k.env)
		if v == "" {
			continue
		}
		found := false
		for i := range cfg.LLM.Providers {
			if cfg.LLM.Providers[i].Name == k.name {
				if cfg.LLM.Providers[i].APIKey == "" {
					cfg.LLM.Providers[i].APIKey = v
				}
				found = true
			}
		}
		if !found {
			cfg.LLM.Providers = append(cfg.LLM.Providers, ProviderConfig{
				Name:    k.name,
				Type:    "openai",
				BaseURL: k.baseURL,
				APIKey:  v,
				Model:   k.model,
			})
		}
	}
}

// splitAndTrim splits s on sep and trims whitespace from each element,
// dropping empties.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
