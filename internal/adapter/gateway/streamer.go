package gateway

import (
	"ragent/internal/domain"
)

// EventStreamer forwards turn events to one connection's outbound queue.
// Send reports liveness: false means the connection is gone and the caller
// must stop producing.
type EventStreamer struct {
	connID  uint64
	tracker *ConnTracker
	sendCh  chan<- domain.StreamEvent
	done    <-chan struct{}
}

func newEventStreamer(connID uint64, tracker *ConnTracker, sendCh chan<- domain.StreamEvent, done <-chan struct{}) *EventStreamer {
	return &EventStreamer{
		connID:  connID,
		tracker: tracker,
		sendCh:  sendCh,
		done:    done,
	}
}

// Send queues an event for delivery. It blocks while the queue is full and
// the connection is alive, and returns false once the connection is gone.
func (s *EventStreamer) Send(event domain.StreamEvent) bool {
	if !s.tracker.IsLive(s.connID) {
		return false
	}
	select {
	case s.sendCh <- event:
		return true
	case <-s.done:
		return false
	}
}
