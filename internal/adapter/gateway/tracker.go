package gateway

import "sync"

// ConnTracker records which connections are still live. Sends to a closed
// connection and repeated close notifications are both no-ops, so teardown
// paths never have to coordinate who closes first.
type ConnTracker struct {
	mu   sync.Mutex
	live map[uint64]struct{}
}

// NewConnTracker creates an empty tracker.
func NewConnTracker() *ConnTracker {
	return &ConnTracker{live: make(map[uint64]struct{})}
}

// Register marks a connection as live.
func (t *ConnTracker) Register(id uint64) {
	t.mu.Lock()
	t.live[id] = struct{}{}
	t.mu.Unlock()
}

// Close marks a connection as gone. Closing an unknown or already-closed
// connection does nothing.
func (t *ConnTracker) Close(id uint64) {
	t.mu.Lock()
	delete(t.live, id)
	t.mu.Unlock()
}

// IsLive reports whether the connection is still registered.
func (t *ConnTracker) IsLive(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.live[id]
	return ok
}

// Count returns the number of live connections.
func (t *ConnTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}
