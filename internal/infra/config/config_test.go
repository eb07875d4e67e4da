package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Agent.MaxIterations != 15 {
		t.Errorf("MaxIterations = %d, want 15", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.MaxMessages != 20 {
		t.Errorf("MaxMessages = %d, want 20", cfg.Agent.MaxMessages)
	}
	if cfg.Executor.Timeout != 5*time.Minute {
		t.Errorf("Executor.Timeout = %s, want 5m", cfg.Executor.Timeout)
	}
	if cfg.LLM.DefaultProvider != "openai" {
		t.Errorf("DefaultProvider = %q, want %q", cfg.LLM.DefaultProvider, "openai")
	}
	if !cfg.Sessions.Persistent {
		t.Error("Sessions.Persistent should default to true")
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load("/tmp/nonexistent-config-12345.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxIterations != 15 {
		t.Errorf("expected defaults, got MaxIterations=%d", cfg.Agent.MaxIterations)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
agent:
  max_iterations: 8
  system_prompt: "test analyst"
  heuristics:
    max_repeat_tool_calls: 3
sessions:
  max_sessions: 5
  ttl: 30m
executor:
  timeout: 90s
llm:
  default_provider: "groq"
  providers:
    - name: "groq"
      base_url: "https://api.groq.com/openai/v1"
      api_key: "test-key"
      model: "llama-3.3-70b-versatile"
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxIterations != 8 {
		t.Errorf("MaxIterations = %d, want 8", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.Heuristics.MaxRepeatToolCalls != 3 {
		t.Errorf("MaxRepeatToolCalls = %d, want 3", cfg.Agent.Heuristics.MaxRepeatToolCalls)
	}
	if cfg.Sessions.MaxSessions != 5 || cfg.Sessions.TTL != 30*time.Minute {
		t.Errorf("Sessions mismatch: %+v", cfg.Sessions)
	}
	if cfg.Executor.Timeout != 90*time.Second {
		t.Errorf("Executor.Timeout = %s, want 90s", cfg.Executor.Timeout)
	}
	if len(cfg.LLM.Providers) != 1 || cfg.LLM.Providers[0].APIKey != "test-key" {
		t.Errorf("Providers mismatch: %+v", cfg.LLM.Providers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RAGENT_LLM_DEFAULT_PROVIDER", "groq")
	t.Setenv("RAGENT_SESSIONS_MAX", "7")
	t.Setenv("RAGENT_SESSIONS_TTL", "15m")
	t.Setenv("RAGENT_EXECUTOR_TIMEOUT", "45s")
	t.Setenv("RAGENT_EXECUTOR_SEARCH_PATHS", "/opt/R/bin/Rscript, /usr/bin/Rscript")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.LLM.DefaultProvider != "groq" {
		t.Errorf("DefaultProvider = %q, want groq", cfg.LLM.DefaultProvider)
	}
	if cfg.Sessions.MaxSessions != 7 {
		t.Errorf("MaxSessions = %d, want 7", cfg.Sessions.MaxSessions)
	}
	if cfg.Sessions.TTL != 15*time.Minute {
		t.Errorf("TTL = %s, want 15m", cfg.Sessions.TTL)
	}
	if cfg.Executor.Timeout != 45*time.Second {
		t.Errorf("Executor.Timeout = %s, want 45s", cfg.Executor.Timeout)
	}
	want := []string{"/opt/R/bin/Rscript", "/usr/bin/Rscript"}
	if len(cfg.Executor.SearchPaths) != 2 || cfg.Executor.SearchPaths[0] != want[0] || cfg.Executor.SearchPaths[1] != want[1] {
		t.Errorf("SearchPaths = %v, want %v", cfg.Executor.SearchPaths, want)
	}
}

func TestEnvGatewayToken(t *testing.T) {
	t.Setenv("RAGENT_GATEWAY_TOKEN", "secret-token")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Gateway.Auth.Type != "static" || len(cfg.Gateway.Auth.Tokens) != 1 {
		t.Fatalf("gateway auth not populated: %+v", cfg.Gateway.Auth)
	}
	if cfg.Gateway.Auth.Tokens[0].Token != "secret-token" {
		t.Errorf("token = %q", cfg.Gateway.Auth.Tokens[0].Token)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero iterations", func(c *Config) { c.Agent.MaxIterations = 0 }},
		{"window too small", func(c *Config) { c.Agent.MaxMessages = 1 }},
		{"zero sessions", func(c *Config) { c.Sessions.MaxSessions = 0 }},
		{"negative ttl", func(c *Config) { c.Sessions.TTL = -time.Minute }},
		{"zero exec timeout", func(c *Config) { c.Executor.Timeout = 0 }},
		{"workspace path traversal", func(c *Config) { c.Executor.WorkspaceFile = "../x.RData" }},
		{"static auth without tokens", func(c *Config) { c.Gateway.Auth.Type = "static" }},
		{"provider missing name", func(c *Config) {
			c.LLM.Providers = []ProviderConfig{{BaseURL: "https://x"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("Validate should fail")
			}
		})
	}
}

func TestWriteThenLoadConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ragent.yaml")
	if err := os.WriteFile(path, []byte("gateway:\n  addr: \":9999\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Addr != ":9999" {
		t.Errorf("Addr = %q, want :9999", cfg.Gateway.Addr)
	}
}
