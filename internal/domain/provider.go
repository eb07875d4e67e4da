package domain

import "context"

// LLMProvider is a chat backend. Implementations must be safe for
// concurrent use; the agent calls one provider from many sessions at once.
type LLMProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name identifies the backend in logs and health output.
	Name() string
}

// StreamDelta is one incremental chunk of a streaming response. Tool call
// arguments may arrive split across many deltas and are reassembled by
// index on the consumer side.
type StreamDelta struct {
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
	Done      bool            `json:"done,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
}

// ToolCallDelta is a fragment of one streamed tool call. Index identifies
// the call the fragment belongs to; parallel calls interleave and each
// fragment may carry only part of the arguments, so position within a single
// delta says nothing about which call it extends.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamingLLMProvider is an LLMProvider that can also stream. The returned
// channel is closed when the response is complete or the context ends.
type StreamingLLMProvider interface {
	LLMProvider
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}
