package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"ragent/internal/domain"
)

// terminationCommands end a session without consulting the model.
var terminationCommands = map[string]struct{}{
	"end session":       {},
	"quit":              {},
	"exit":              {},
	"terminate session": {},
	"close session":     {},
	"stop session":      {},
}

// hintOrder fixes the rendering order of well-known context hint keys.
// Unknown keys follow alphabetically.
var hintOrder = []string{
	"current_code",
	"last_error",
	"dataset_path",
	"recent_failures",
	"session_id",
}

// Engine ties the session pool, locker and agent together. One
// ProcessMessage call is one turn.
type Engine struct {
	pool       *SessionPool
	agent      *Agent
	locker     *SessionLocker
	logger     *slog.Logger
	persistent bool
	bufSize    int
}

// EngineDeps holds injected dependencies for the engine.
type EngineDeps struct {
	Pool       *SessionPool
	Agent      *Agent
	Locker     *SessionLocker
	Logger     *slog.Logger
	Persistent bool
	BufSize    int // event channel capacity; the loop blocks when full
}

// NewEngine creates an engine with the given dependencies.
func NewEngine(deps EngineDeps) *Engine {
	if deps.BufSize <= 0 {
		deps.BufSize = 64
	}
	if deps.Locker == nil {
		deps.Locker = NewSessionLocker()
	}
	return &Engine{
		pool:       deps.Pool,
		agent:      deps.Agent,
		locker:     deps.Locker,
		logger:     deps.Logger,
		persistent: deps.Persistent,
		bufSize:    deps.BufSize,
	}
}

// Pool exposes the session pool for background maintenance (reap sweeps).
func (e *Engine) Pool() *SessionPool { return e.pool }

// ProcessMessage runs one turn for the session and streams events on the
// returned channel. The channel is closed when the turn is over; the last
// event before close is terminal (end, or session_ready for persistent
// sessions). A malformed session id fails fast with no channel.
//
// Events are delivered with back-pressure: when the consumer stalls, the
// loop blocks rather than dropping events. Cancel ctx to abandon the turn.
func (e *Engine) ProcessMessage(ctx context.Context, sessionID, text string, hints map[string]string) (<-chan domain.StreamEvent, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, domain.NewDomainError("Engine.ProcessMessage", domain.ErrSessionInvalidID, err.Error())
	}

	ch := make(chan domain.StreamEvent, e.bufSize)
	go e.runTurn(ctx, sessionID, text, hints, ch)
	return ch, nil
}

func (e *Engine) runTurn(ctx context.Context, sessionID, text string, hints map[string]string, ch chan<- domain.StreamEvent) {
	defer close(ch)

	emit := func(ev domain.StreamEvent) bool {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		if ev.SessionID == "" {
			ev.SessionID = sessionID
		}
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(domain.StreamEvent{Type: domain.EventStart}) {
		return
	}

	// One turn at a time per session; a concurrent request waits here.
	unlock, err := e.locker.Lock(ctx, sessionID)
	if err != nil {
		e.emitError(emit, err)
		emit(domain.StreamEvent{Type: domain.EventEnd})
		return
	}
	defer unlock()

	// Termination commands short-circuit before any model call.
	if isTerminationCommand(text) {
		e.terminate(sessionID, emit)
		return
	}

	sess, err := e.pool.GetOrCreate(sessionID)
	if err != nil {
		e.emitError(emit, err)
		emit(domain.StreamEvent{Type: domain.EventEnd})
		return
	}

	if err := e.pool.MarkBusy(sessionID); err != nil {
		e.logger.Warn("mark busy failed", "session_id", sessionID, "error", err)
	}
	defer func() {
		if err := e.pool.MarkReady(sessionID); err != nil {
			e.logger.Debug("mark ready failed", "session_id", sessionID, "error", err)
		}
	}()

	if len(hints) > 0 {
		if err := sess.Conv.Append(domain.Message{
			Role:    domain.RoleSystem,
			Content: formatContextHints(hints),
		}); err != nil {
			e.logger.Warn("conversation flush failed", "session_id", sessionID, "error", err)
		}
	}
	if err := sess.Conv.Append(domain.Message{
		Role:    domain.RoleUser,
		Content: text,
	}); err != nil {
		e.logger.Warn("conversation flush failed", "session_id", sessionID, "error", err)
	}

	reason, err := e.agent.RunTurn(ctx, sess, emit)
	if err != nil {
		if errors.Is(err, domain.ErrStreamClosed) || ctx.Err() != nil {
			e.logger.Info("turn abandoned: client gone", "session_id", sessionID)
			return
		}
		e.emitError(emit, err)
		emit(domain.StreamEvent{Type: domain.EventEnd})
		return
	}

	e.logger.Debug("turn finished", "session_id", sessionID, "reason", string(reason))

	// Terminal framing: persistent sessions announce readiness and never
	// send end after it; non-persistent turns end with exactly one end.
	if e.persistent {
		emit(domain.StreamEvent{
			Type:    domain.EventSessionReady,
			Content: "Ready for the next instruction.",
		})
		return
	}
	emit(domain.StreamEvent{Type: domain.EventEnd})
}

// terminate ends and drops a session on explicit user command.
func (e *Engine) terminate(sessionID string, emit EmitFunc) {
	if err := e.pool.Delete(sessionID); err != nil {
		e.logger.Debug("terminate: no session to drop", "session_id", sessionID)
	} else {
		e.logger.Info("session terminated by user", "session_id", sessionID)
	}
	if !emit(domain.StreamEvent{
		Type:    domain.EventSystem,
		Content: "Session ended. Your workspace has been released.",
	}) {
		return
	}
	emit(domain.StreamEvent{Type: domain.EventEnd})
}

func (e *Engine) emitError(emit EmitFunc, err error) {
	emit(domain.StreamEvent{
		Type:    domain.EventError,
		Content: err.Error(),
		Code:    domain.ErrorCodeOf(err),
	})
}

// isTerminationCommand reports whether the message is an explicit request to
// end the session. Matching is case-insensitive and ignores trailing
// punctuation.
func isTerminationCommand(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.TrimRight(normalized, ".!?")
	_, ok := terminationCommands[normalized]
	return ok
}

// formatContextHints renders opaque client hints into one system message.
// Hints are advisory text for the model, never trusted structured input.
func formatContextHints(hints map[string]string) string {
	var b strings.Builder
	b.WriteString("Current session context:\n")

	seen := make(map[string]bool, len(hints))
	for _, key := range hintOrder {
		if v, ok := hints[key]; ok && v != "" {
			fmt.Fprintf(&b, "- %s: %s\n", strings.ReplaceAll(key, "_", " "), v)
			seen[key] = true
		}
	}

	rest := make([]string, 0, len(hints))
	for k := range hints {
		if !seen[k] && hints[k] != "" {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		fmt.Fprintf(&b, "- %s: %s\n", strings.ReplaceAll(k, "_", " "), hints[k])
	}

	return strings.TrimRight(b.String(), "\n")
}
