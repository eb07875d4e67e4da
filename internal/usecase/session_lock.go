package usecase

import (
	"context"
	"fmt"
	"sync"
)

// SessionLocker serializes turns per session. A second ProcessMessage for
// the same id blocks here until the first finishes; turns never interleave.
// Independent sessions never contend.
type SessionLocker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// lockEntry is one session's mutex plus the number of holders and waiters.
// The entry is dropped from the table when the last of them releases.
type lockEntry struct {
	mu      sync.Mutex
	waiters int
}

// NewSessionLocker creates a new session locker.
func NewSessionLocker() *SessionLocker {
	return &SessionLocker{entries: make(map[string]*lockEntry)}
}

// Lock acquires the turn lock for sessionID, blocking until it is free or
// ctx is cancelled. On success the returned unlock MUST be called when the
// turn is done.
func (sl *SessionLocker) Lock(ctx context.Context, sessionID string) (unlock func(), err error) {
	sl.mu.Lock()
	e, ok := sl.entries[sessionID]
	if !ok {
		e = &lockEntry{}
		sl.entries[sessionID] = e
	}
	e.waiters++
	sl.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() { sl.release(sessionID, e) }, nil

	case <-ctx.Done():
		// The acquiring goroutine will still get the mutex eventually;
		// release it the moment it does so nothing holds it forever.
		go func() {
			<-acquired
			sl.release(sessionID, e)
		}()
		return nil, fmt.Errorf("session lock: %w", ctx.Err())
	}
}

// release unlocks the entry and removes it from the table when no one else
// is waiting on it.
func (sl *SessionLocker) release(sessionID string, e *lockEntry) {
	e.mu.Unlock()
	sl.mu.Lock()
	e.waiters--
	if e.waiters == 0 {
		delete(sl.entries, sessionID)
	}
	sl.mu.Unlock()
}

// ActiveCount returns the number of sessions with held or pending locks.
func (sl *SessionLocker) ActiveCount() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.entries)
}
