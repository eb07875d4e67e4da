package config

import (
	"fmt"
	"strings"
)

// Validate checks a loaded Config for values that would misbehave at
// runtime. It returns the first problem found.
func Validate(cfg *Config) error {
	if cfg.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be >= 1, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.MaxMessages < 2 {
		return fmt.Errorf("agent.max_messages must be >= 2 (system prompt plus one), got %d", cfg.Agent.MaxMessages)
	}
	if cfg.Agent.Heuristics.MaxRepeatToolCalls < 1 {
		return fmt.Errorf("agent.heuristics.max_repeat_tool_calls must be >= 1, got %d", cfg.Agent.Heuristics.MaxRepeatToolCalls)
	}
	if cfg.Sessions.MaxSessions < 1 {
		return fmt.Errorf("sessions.max_sessions must be >= 1, got %d", cfg.Sessions.MaxSessions)
	}
	if cfg.Sessions.TTL <= 0 {
		return fmt.Errorf("sessions.ttl must be positive, got %s", cfg.Sessions.TTL)
	}
	if cfg.Executor.Timeout <= 0 {
		return fmt.Errorf("executor.timeout must be positive, got %s", cfg.Executor.Timeout)
	}
	if cfg.Executor.WorkspaceFile == "" || strings.ContainsAny(cfg.Executor.WorkspaceFile, "/\\") {
		return fmt.Errorf("executor.workspace_file must be a bare filename, got %q", cfg.Executor.WorkspaceFile)
	}
	if cfg.Gateway.SendBuffer < 1 {
		return fmt.Errorf("gateway.send_buffer must be >= 1, got %d", cfg.Gateway.SendBuffer)
	}
	if cfg.Gateway.Auth.Type != "" && cfg.Gateway.Auth.Type != "static" {
		return fmt.Errorf("gateway.auth.type must be \"static\" or empty, got %q", cfg.Gateway.Auth.Type)
	}
	if cfg.Gateway.Auth.Type == "static" && len(cfg.Gateway.Auth.Tokens) == 0 {
		return fmt.Errorf("gateway.auth.type is static but no tokens configured")
	}
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			return fmt.Errorf("llm.providers[%d]: name is required", i)
		}
		if p.BaseURL != "" && !strings.HasPrefix(p.BaseURL, "http") {
			return fmt.Errorf("llm.providers[%d] (%s): base_url must be http(s), got %q", i, p.Name, p.BaseURL)
		}
	}
	return nil
}
