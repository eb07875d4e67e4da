package domain

import "time"

// StreamEventType identifies the kind of event emitted during a turn.
type StreamEventType string

const (
	// EventStart opens a turn: the engine accepted the message.
	EventStart StreamEventType = "start"
	// EventContent carries an incremental chunk of assistant text.
	EventContent StreamEventType = "content"
	// EventFunctionStart announces a tool invocation about to run.
	EventFunctionStart StreamEventType = "function_start"
	// EventFunctionResult carries the outcome of a tool invocation.
	EventFunctionResult StreamEventType = "function_result"
	// EventSessionReady signals a persistent session's turn is done and the
	// session stays alive awaiting the next message. Never followed by EventEnd.
	EventSessionReady StreamEventType = "session_ready"
	// EventEnd closes a non-persistent turn. Exactly one per such turn.
	EventEnd StreamEventType = "end"
	// EventError reports a failure; the turn may or may not continue.
	EventError StreamEventType = "error"
	// EventTimeout reports that a bounded operation exceeded its deadline.
	EventTimeout StreamEventType = "timeout"
	// EventSystem carries engine-originated notices (e.g. session terminated).
	EventSystem StreamEventType = "system"
)

// StreamEvent is the wire envelope sent to clients during a turn.
//
// For EventFunctionResult, Content holds the model-safe summary while Output
// holds the raw console text; the two are never conflated.
type StreamEvent struct {
	Type           StreamEventType `json:"type"`
	SessionID      string          `json:"session_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Content        string          `json:"content,omitempty"`
	Function       string          `json:"function,omitempty"`
	Output         string          `json:"output,omitempty"`
	FilesGenerated []string        `json:"files_generated,omitempty"`
	Code           ErrorCode       `json:"code,omitempty"`
	Iteration      int             `json:"iteration,omitempty"`
}

// Terminal reports whether the event closes the stream for this turn.
func (e StreamEvent) Terminal() bool {
	switch e.Type {
	case EventEnd, EventSessionReady:
		return true
	}
	return false
}
