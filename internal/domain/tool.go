package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ExecutionResult is the outcome of running a script in a session workspace.
//
// Executors are total: every run, including crashes and timeouts, yields a
// well-formed result. Summary is safe to feed back into model context (it
// describes what happened without raw data); Output is the raw console text
// intended for human display only.
type ExecutionResult struct {
	Success        bool          `json:"success"`
	Summary        string        `json:"summary"`
	Output         string        `json:"output"`
	Error          string        `json:"error,omitempty"`
	FilesGenerated []string      `json:"files_generated,omitempty"`
	Duration       time.Duration `json:"duration"`
	TimedOut       bool          `json:"timed_out,omitempty"`
}

// ScriptExecutor runs code inside a session's working directory.
//
// Execute never returns a Go error for script failures; those are reported
// through ExecutionResult. The returned result is never nil.
type ScriptExecutor interface {
	Execute(ctx context.Context, code string) *ExecutionResult
	// WorkDir returns the session's pinned working directory.
	WorkDir() string
	// Reset clears generated workspace state so the next run starts fresh.
	Reset() error
}
