package gateway

// ClientFrameType identifies the kind of frame a client sends.
type ClientFrameType string

const (
	// FrameMessage submits a user message for a session turn.
	FrameMessage ClientFrameType = "message"
	// FrameInterrupt requests cancellation of the session's pending execution.
	FrameInterrupt ClientFrameType = "interrupt"
)

// ClientFrame is the envelope clients send over the WebSocket connection.
// Server-to-client traffic is a plain stream of domain.StreamEvent values.
type ClientFrame struct {
	Type      ClientFrameType   `json:"type"`
	SessionID string            `json:"session_id"`
	Text      string            `json:"text,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}
