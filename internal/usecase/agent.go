package usecase

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"ragent/internal/domain"
	"ragent/internal/infra/config"
	"ragent/internal/infra/tracer"
)

// Recovery loop constants.
const (
	defaultMaxLLMRetries = 3
	baseRetryDelay       = 500 * time.Millisecond
	maxRetryDelay        = 10 * time.Second
)

// EmitFunc delivers one stream event to the client. It returns false when
// the client is gone; the loop must stop emitting and wind down.
type EmitFunc func(domain.StreamEvent) bool

// AgentDeps holds injected dependencies for the agent.
type AgentDeps struct {
	LLM            domain.LLMProvider
	Logger         *slog.Logger
	Heuristics     *Heuristics
	ContextGuard   *ContextGuard // optional, nil = no token window guard
	MaxIterations  int
	MaxMessages    int  // conversation sliding window
	Persistent     bool // persistent sessions stop after one tool round
	MaxRetries     int
	RetryBaseDelay time.Duration
	TurnTimeout    time.Duration // soft; logged only
}

// Agent drives the model-call / tool-call loop for one turn.
type Agent struct {
	deps AgentDeps
}

// NewAgent creates an agent with the given dependencies.
func NewAgent(deps AgentDeps) *Agent {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = 15
	}
	if deps.MaxMessages <= 0 {
		deps.MaxMessages = 20
	}
	if deps.MaxRetries <= 0 {
		deps.MaxRetries = defaultMaxLLMRetries
	}
	if deps.RetryBaseDelay <= 0 {
		deps.RetryBaseDelay = baseRetryDelay
	}
	if deps.Heuristics == nil {
		deps.Heuristics = NewHeuristics(config.HeuristicsConfig{})
	}
	return &Agent{deps: deps}
}

// RunTurn processes one user message for the session, emitting stream events
// as it goes. It returns the finish reason; terminal framing (session_ready
// versus end) is the caller's responsibility.
//
// The user message has already been appended to the conversation by the
// engine. Every emit is checked: a dead client stops the turn.
func (a *Agent) RunTurn(ctx context.Context, sess *Session, emit EmitFunc) (domain.FinishReason, error) {
	ctx, span := tracer.StartSpan(ctx, "agent.run_turn",
		trace.WithAttributes(tracer.StringAttr("session.id", sess.ID)),
	)
	defer span.End()

	ctx = domain.ContextWithSessionID(ctx, sess.ID)
	turnStart := time.Now()

	sess.Conv.Truncate(a.deps.MaxMessages)
	if a.deps.ContextGuard != nil {
		if err := a.deps.ContextGuard.Check(sess.Conv); err != nil {
			tracer.RecordError(span, err)
			return domain.FinishStop, err
		}
	}

	for i := 0; i < a.deps.MaxIterations; i++ {
		if ctx.Err() != nil {
			return domain.FinishStop, ctx.Err()
		}
		span.AddEvent("agent.iteration", trace.WithAttributes(tracer.IntAttr("iteration", i)))

		if a.deps.TurnTimeout > 0 && time.Since(turnStart) > a.deps.TurnTimeout {
			// Soft deadline: noted, never aborts a stream in flight.
			a.deps.Logger.Warn("turn running past soft timeout",
				"session_id", sess.ID,
				"elapsed", time.Since(turnStart),
			)
		}

		req := domain.ChatRequest{
			Messages: sess.Conv.Messages(),
			Tools:    []domain.ToolSchema{RCodeToolSchema()},
			Stream:   true,
		}

		msg, _, llmErr := a.callLLMWithRetry(ctx, sess, req, emit, i)
		if llmErr != nil {
			tracer.RecordError(span, llmErr)
			return domain.FinishStop, llmErr
		}

		// A chatty preamble that is only a stub means the model is not
		// actually ready; its tool calls must not run. They must not be
		// persisted either: a history entry with pending tool calls and no
		// tool results is rejected by strict chat APIs on the next request.
		if len(msg.ToolCalls) > 0 && strings.TrimSpace(msg.Content) != "" && !a.deps.Heuristics.ResponseReady(msg.Content) {
			a.deps.Logger.Debug("dropping tool calls on stub response", "session_id", sess.ID)
			msg.ToolCalls = nil
		}

		if err := sess.Conv.Append(msg); err != nil {
			a.deps.Logger.Warn("conversation flush failed", "session_id", sess.ID, "error", err)
		}

		a.deps.Logger.Debug("llm response",
			"session_id", sess.ID,
			"iteration", i,
			"tool_calls", len(msg.ToolCalls),
			"content_len", len(msg.Content),
		)

		if len(msg.ToolCalls) > 0 {
			if !a.executeToolCalls(ctx, sess, msg.ToolCalls, emit) {
				return domain.FinishStop, domain.ErrStreamClosed
			}

			if a.deps.Persistent {
				// One tool round per turn; the session keeps its workspace
				// and waits for the next instruction.
				tracer.SetOK(span)
				return domain.FinishToolCalls, nil
			}

			if a.deps.Heuristics.RepetitionExceeded(sess.Conv.Messages()) {
				a.deps.Logger.Info("stopping turn: tool repetition", "session_id", sess.ID)
				tracer.SetOK(span)
				return domain.FinishToolCalls, nil
			}
			continue
		}

		// Content-only response.
		if !a.deps.Heuristics.ResponseReady(msg.Content) {
			a.deps.Logger.Debug("response not ready, re-prompting",
				"session_id", sess.ID,
				"content_len", len(msg.Content),
			)
			continue
		}

		if stop, reason := a.deps.Heuristics.ShouldStop(sess.Conv.Messages(), msg.Content); stop {
			a.deps.Logger.Debug("turn complete", "session_id", sess.ID, "reason", reason)
			tracer.SetOK(span)
			return domain.FinishStop, nil
		}
		tracer.SetOK(span)
		return domain.FinishNewInput, nil
	}

	tracer.RecordError(span, domain.ErrMaxIterations)
	return domain.FinishStop, domain.ErrMaxIterations
}

// executeToolCalls runs each requested tool call in order, emitting
// function_start / function_result events and appending tool-result messages.
// Returns false if the client stream died mid-way.
func (a *Agent) executeToolCalls(ctx context.Context, sess *Session, calls []domain.ToolCall, emit EmitFunc) bool {
	for _, call := range calls {
		if !a.executeToolCall(ctx, sess, call, emit) {
			return false
		}
	}
	return true
}

func (a *Agent) executeToolCall(ctx context.Context, sess *Session, call domain.ToolCall, emit EmitFunc) bool {
	ctx, span := tracer.StartSpan(ctx, "agent.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	now := time.Now()

	if call.Name != RCodeToolName {
		err := domain.NewDomainError("Agent.executeToolCall", domain.ErrToolNotFound, call.Name)
		tracer.RecordError(span, err)
		a.appendToolResult(sess, call, "unknown tool: "+call.Name)
		return emit(domain.StreamEvent{
			Type:      domain.EventError,
			SessionID: sess.ID,
			Timestamp: now,
			Content:   err.Error(),
			Code:      domain.CodeToolNotFound,
		})
	}

	code, err := ParseRCodeArgs(call.Arguments)
	if err != nil {
		// Malformed arguments fail this invocation only; the turn goes on.
		tracer.RecordError(span, err)
		a.appendToolResult(sess, call, "invalid arguments: "+err.Error())
		return emit(domain.StreamEvent{
			Type:      domain.EventError,
			SessionID: sess.ID,
			Timestamp: now,
			Content:   err.Error(),
			Code:      domain.CodeToolArgsInvalid,
		})
	}

	if !emit(domain.StreamEvent{
		Type:      domain.EventFunctionStart,
		SessionID: sess.ID,
		Timestamp: now,
		Function:  call.Name,
		Content:   "Executing R code...",
	}) {
		return false
	}

	if sess.Interrupted() {
		a.deps.Logger.Info("execution skipped: session interrupted", "session_id", sess.ID)
		a.appendToolResult(sess, call, "execution cancelled by user")
		return emit(domain.StreamEvent{
			Type:      domain.EventSystem,
			SessionID: sess.ID,
			Timestamp: time.Now(),
			Content:   "Execution cancelled.",
		})
	}

	result := sess.Exec.Execute(ctx, code)

	if result.TimedOut {
		tracer.RecordError(span, domain.ErrExecTimeout)
		if !emit(domain.StreamEvent{
			Type:      domain.EventTimeout,
			SessionID: sess.ID,
			Timestamp: time.Now(),
			Content:   result.Error,
			Code:      domain.CodeExecTimeout,
		}) {
			return false
		}
	} else if result.Success {
		tracer.SetOK(span)
	}

	// The summary goes back to the model; the raw console text rides along
	// for human display only.
	if !emit(domain.StreamEvent{
		Type:           domain.EventFunctionResult,
		SessionID:      sess.ID,
		Timestamp:      time.Now(),
		Function:       call.Name,
		Content:        result.Summary,
		Output:         result.Output,
		FilesGenerated: result.FilesGenerated,
	}) {
		return false
	}

	a.appendToolResult(sess, call, result.Summary)
	return true
}

// appendToolResult records a tool outcome in the conversation.
func (a *Agent) appendToolResult(sess *Session, call domain.ToolCall, content string) {
	if err := sess.Conv.Append(domain.Message{
		Role:       domain.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    content,
		Timestamp:  time.Now(),
	}); err != nil {
		a.deps.Logger.Warn("conversation flush failed", "session_id", sess.ID, "error", err)
	}
}

// callLLMWithRetry performs the LLM call with bounded retries for transient
// failures. Streaming providers emit content events per delta; synchronous
// providers emit one content event with the full text.
func (a *Agent) callLLMWithRetry(
	ctx context.Context,
	sess *Session,
	req domain.ChatRequest,
	emit EmitFunc,
	iteration int,
) (domain.Message, domain.Usage, error) {
	sp, canStream := a.deps.LLM.(domain.StreamingLLMProvider)

	var lastErr error
	for attempt := 0; attempt < a.deps.MaxRetries; attempt++ {
		var msg domain.Message
		var usage domain.Usage
		var callErr error

		if canStream {
			llmCtx, llmSpan := tracer.StartSpan(ctx, "agent.llm_stream")
			deltaCh, err := sp.ChatStream(llmCtx, req)
			llmSpan.End()

			if err != nil {
				callErr = err
			} else {
				acc := newStreamAccumulator()
				for delta := range deltaCh {
					acc.addDelta(delta)
					if delta.Content != "" {
						emit(domain.StreamEvent{
							Type:      domain.EventContent,
							SessionID: sess.ID,
							Timestamp: time.Now(),
							Content:   delta.Content,
							Iteration: iteration,
						})
					}
				}
				msg, usage = acc.build()
			}
		} else {
			llmCtx, llmSpan := tracer.StartSpan(ctx, "agent.llm_call")
			resp, err := a.deps.LLM.Chat(llmCtx, req)
			llmSpan.End()

			if err != nil {
				callErr = err
			} else {
				msg = resp.Message
				usage = resp.Usage
				if msg.Content != "" {
					emit(domain.StreamEvent{
						Type:      domain.EventContent,
						SessionID: sess.ID,
						Timestamp: time.Now(),
						Content:   msg.Content,
						Iteration: iteration,
					})
				}
			}
		}

		if callErr == nil {
			return msg, usage, nil
		}
		lastErr = callErr

		if !domain.IsRetryableError(callErr) {
			return domain.Message{}, domain.Usage{}, lastErr
		}

		if attempt < a.deps.MaxRetries-1 {
			delay := retryBackoff(a.deps.RetryBaseDelay, attempt)
			a.deps.Logger.Info("retrying LLM call after error",
				"attempt", attempt+1, "delay", delay, "error", callErr)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return domain.Message{}, domain.Usage{}, ctx.Err()
			}
		}
	}

	return domain.Message{}, domain.Usage{}, lastErr
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

// maxToolCallSlots limits the number of tool call slots the accumulator
// will allocate. Fragments with indices beyond this bound are silently
// dropped to prevent memory exhaustion from malformed streaming deltas.
const maxToolCallSlots = 50

// streamAccumulator collects incremental deltas into a complete message.
type streamAccumulator struct {
	content   strings.Builder
	toolCalls []domain.ToolCall // slot per tool call index
	usage     domain.Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

// addDelta merges a single streaming delta into the accumulator. Tool call
// fragments are routed to their slot by the wire index; parallel calls
// interleave, so position within one delta's array is meaningless. The first
// fragment for a call provides ID and Name; every fragment appends to
// Arguments.
func (acc *streamAccumulator) addDelta(delta domain.StreamDelta) {
	acc.content.WriteString(delta.Content)

	for _, tc := range delta.ToolCalls {
		if tc.Index < 0 || tc.Index >= maxToolCallSlots {
			continue
		}

		for len(acc.toolCalls) <= tc.Index {
			acc.toolCalls = append(acc.toolCalls, domain.ToolCall{})
		}

		slot := &acc.toolCalls[tc.Index]
		if tc.ID != "" {
			slot.ID = tc.ID
		}
		if tc.Name != "" {
			slot.Name = tc.Name
		}
		if tc.Arguments != "" {
			slot.Arguments = append(slot.Arguments, tc.Arguments...)
		}
	}

	if delta.Usage != nil {
		acc.usage.PromptTokens = delta.Usage.PromptTokens
		acc.usage.CompletionTokens = delta.Usage.CompletionTokens
		acc.usage.TotalTokens = delta.Usage.TotalTokens
	}
}

// build returns the accumulated message and usage.
func (acc *streamAccumulator) build() (domain.Message, domain.Usage) {
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   acc.content.String(),
		ToolCalls: acc.toolCalls,
		Timestamp: time.Now(),
	}
	return msg, acc.usage
}
