package usecase

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"ragent/internal/domain"
)

// SessionStatus reports whether a session can accept a new turn.
type SessionStatus string

const (
	StatusReady SessionStatus = "ready"
	StatusBusy  SessionStatus = "busy"
)

// Session is one client's persistent execution context: a conversation
// history plus an isolated script workspace.
type Session struct {
	mu           sync.RWMutex
	ID           string // caller-chosen key, filesystem-safe
	ULID         string // internal, globally unique
	Conv         *Conversation
	Exec         domain.ScriptExecutor
	CreatedAt    time.Time
	lastUsed     time.Time
	status       SessionStatus
	requestCount int
	state        map[string]string
	interrupted  atomic.Bool
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Status returns the session's current status.
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastUsed returns the time of the most recent access.
func (s *Session) LastUsed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUsed
}

// RequestCount returns how many turns the session has served.
func (s *Session) RequestCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requestCount
}

// touch records an access and bumps the request counter.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.requestCount++
	s.mu.Unlock()
}

// SetState stores a scratch key/value pair on the session.
func (s *Session) SetState(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.state = make(map[string]string)
	}
	s.state[key] = value
}

// State returns the scratch value for key, if set.
func (s *Session) State(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state[key]
	return v, ok
}

// Interrupt flags the session so the next execution is skipped.
// A running subprocess is never killed by this; only future launches see it.
func (s *Session) Interrupt() { s.interrupted.Store(true) }

// Interrupted reports and clears the interrupt flag.
func (s *Session) Interrupted() bool { return s.interrupted.Swap(false) }

// ExecutorFactory builds a script executor pinned to the given session's
// working directory.
type ExecutorFactory func(sessionID string) (domain.ScriptExecutor, error)

// SessionPool owns every live session. One mutex guards the registry so
// creation, lookup, eviction and reaping never interleave.
type SessionPool struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	dataDir      string
	systemPrompt string
	maxSessions  int
	ttl          time.Duration
	newExecutor  ExecutorFactory
}

// PoolConfig holds session pool settings.
type PoolConfig struct {
	DataDir      string
	SystemPrompt string
	MaxSessions  int
	TTL          time.Duration
}

// NewSessionPool creates a pool with the given capacity and idle TTL.
func NewSessionPool(cfg PoolConfig, factory ExecutorFactory) *SessionPool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 50
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &SessionPool{
		sessions:     make(map[string]*Session),
		dataDir:      cfg.DataDir,
		systemPrompt: cfg.SystemPrompt,
		maxSessions:  cfg.MaxSessions,
		ttl:          cfg.TTL,
		newExecutor:  factory,
	}
}

// validateSessionID checks if a session ID is safe for filesystem use.
// It rejects path separators, parent directory references, and null bytes.
func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("session ID contains path separators: %q", id)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session ID contains parent directory reference: %q", id)
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session ID contains null byte: %q", id)
	}
	if clean := filepath.Clean(id); clean != id {
		return fmt.Errorf("session ID not clean path: %q vs %q", id, clean)
	}
	return nil
}

// GetOrCreate returns the session for id, creating it when absent. The same
// id always maps to the same live session until it is evicted or reaped.
// Sessions idle past the TTL are replaced transparently.
func (p *SessionPool) GetOrCreate(id string) (*Session, error) {
	if err := validateSessionID(id); err != nil {
		return nil, domain.NewDomainError("SessionPool.GetOrCreate", domain.ErrSessionInvalidID, err.Error())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[id]; ok {
		// Lazy expiry: replace idle sessions past the TTL.
		if s.Status() != StatusBusy && time.Since(s.LastUsed()) > p.ttl {
			delete(p.sessions, id)
		} else {
			s.touch()
			return s, nil
		}
	}

	if len(p.sessions) >= p.maxSessions {
		if err := p.evictLRULocked(); err != nil {
			return nil, err
		}
	}

	s, err := p.createLocked(id)
	if err != nil {
		return nil, err
	}
	p.sessions[id] = s
	return s, nil
}

func (p *SessionPool) createLocked(id string) (*Session, error) {
	conv, err := NewConversation(id, p.systemPrompt, p.dataDir)
	if err != nil {
		return nil, domain.WrapOp("SessionPool.create", err)
	}
	exec, err := p.newExecutor(id)
	if err != nil {
		return nil, domain.WrapOp("SessionPool.create", err)
	}
	now := time.Now()
	return &Session{
		ID:           id,
		ULID:         generateULID(now),
		Conv:         conv,
		Exec:         exec,
		CreatedAt:    now,
		lastUsed:     now,
		status:       StatusReady,
		requestCount: 1,
	}, nil
}

// evictLRULocked removes the least-recently-used ready session. Only
// bookkeeping is dropped; a subprocess mid-execution is never killed, which
// is why busy sessions are not candidates.
func (p *SessionPool) evictLRULocked() error {
	var victim *Session
	for _, s := range p.sessions {
		if s.Status() == StatusBusy {
			continue
		}
		if victim == nil || s.LastUsed().Before(victim.LastUsed()) {
			victim = s
		}
	}
	if victim == nil {
		return domain.NewDomainError("SessionPool.evict", domain.ErrPoolFull, "all sessions busy")
	}
	delete(p.sessions, victim.ID)
	return nil
}

// Get returns an existing session or ErrSessionNotFound.
func (p *SessionPool) Get(id string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, domain.NewDomainError("SessionPool.Get", domain.ErrSessionNotFound, id)
	}
	return s, nil
}

// MarkBusy transitions a session to busy for the duration of a turn.
func (p *SessionPool) MarkBusy(id string) error {
	return p.setStatus(id, StatusBusy)
}

// MarkReady transitions a session back to ready after a turn.
func (p *SessionPool) MarkReady(id string) error {
	return p.setStatus(id, StatusReady)
}

func (p *SessionPool) setStatus(id string, status SessionStatus) error {
	p.mu.Lock()
	s, ok := p.sessions[id]
	p.mu.Unlock()
	if !ok {
		return domain.NewDomainError("SessionPool.setStatus", domain.ErrSessionNotFound, id)
	}
	s.mu.Lock()
	s.status = status
	s.lastUsed = time.Now()
	s.mu.Unlock()
	return nil
}

// Delete removes a session and its persisted conversation.
func (p *SessionPool) Delete(id string) error {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	if !ok {
		return domain.NewDomainError("SessionPool.Delete", domain.ErrSessionNotFound, id)
	}
	return s.Conv.Delete()
}

// Reap removes sessions idle longer than the pool TTL and returns how many
// were dropped. Busy sessions are skipped regardless of age.
func (p *SessionPool) Reap() int {
	cutoff := time.Now().Add(-p.ttl)

	p.mu.Lock()
	var stale []*Session
	for id, s := range p.sessions {
		if s.Status() == StatusBusy {
			continue
		}
		if s.LastUsed().Before(cutoff) {
			stale = append(stale, s)
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()

	for _, s := range stale {
		s.Conv.Delete()
	}
	return len(stale)
}

// List returns the ids of all live sessions.
func (p *SessionPool) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live sessions.
func (p *SessionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
