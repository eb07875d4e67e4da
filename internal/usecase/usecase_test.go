package usecase

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ragent/internal/domain"
	"ragent/internal/infra/config"
)

// --- Mocks ---

type mockLLM struct {
	mu        sync.Mutex
	responses []domain.ChatResponse
	callIdx   int
	errs      []error // consumed before responses; nil entries mean success
}

func (m *mockLLM) Chat(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callIdx < len(m.errs) && m.errs[m.callIdx] != nil {
		err := m.errs[m.callIdx]
		m.callIdx++
		return nil, err
	}
	if m.callIdx >= len(m.responses) {
		m.callIdx++
		return &domain.ChatResponse{
			Message: domain.Message{Role: domain.RoleAssistant, Content: "All done. The analysis is finished and results are above."},
		}, nil
	}
	idx := m.callIdx
	m.callIdx++
	resp := m.responses[idx]
	return &resp, nil
}

func (m *mockLLM) Name() string { return "mock" }

func (m *mockLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callIdx
}

// toolCallForever always asks for another execution, never finishing.
type toolCallForever struct {
	mu    sync.Mutex
	calls int
}

func (m *toolCallForever) Chat(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return &domain.ChatResponse{
		Message: domain.Message{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{{
				ID:        "call-1",
				Name:      RCodeToolName,
				Arguments: json.RawMessage(`{"code":"summary(df)"}`),
			}},
		},
	}, nil
}

func (m *toolCallForever) Name() string { return "loop" }

// fakeExecutor records executions and tracks concurrency.
type fakeExecutor struct {
	mu        sync.Mutex
	codes     []string
	active    int32
	maxActive int32
	delay     time.Duration
	result    *domain.ExecutionResult
	workDir   string
}

func (f *fakeExecutor) Execute(_ context.Context, code string) *domain.ExecutionResult {
	cur := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		max := atomic.LoadInt32(&f.maxActive)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxActive, max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.codes = append(f.codes, code)
	f.mu.Unlock()
	if f.result != nil {
		return f.result
	}
	return &domain.ExecutionResult{
		Success: true,
		Summary: "Executed successfully. Created 1 variable.",
		Output:  "[1] 42",
	}
}

func (f *fakeExecutor) WorkDir() string { return f.workDir }
func (f *fakeExecutor) Reset() error    { return nil }

func (f *fakeExecutor) executions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.codes)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func toolCallResponse(code string) domain.ChatResponse {
	return domain.ChatResponse{
		Message: domain.Message{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{{
				ID:        "call-1",
				Name:      RCodeToolName,
				Arguments: json.RawMessage(`{"code":` + mustJSON(code) + `}`),
			}},
		},
	}
}

func contentResponse(text string) domain.ChatResponse {
	return domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: text},
	}
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// newTestEngine wires a pool, agent and engine around the given provider.
// Every session shares the single fake executor.
func newTestEngine(t *testing.T, llm domain.LLMProvider, exec *fakeExecutor, persistent bool) (*Engine, *SessionPool) {
	t.Helper()
	pool := NewSessionPool(PoolConfig{
		DataDir:      t.TempDir(),
		SystemPrompt: "You are a statistical analysis assistant.",
		MaxSessions:  10,
		TTL:          time.Hour,
	}, func(string) (domain.ScriptExecutor, error) { return exec, nil })

	agent := NewAgent(AgentDeps{
		LLM:        llm,
		Logger:     newTestLogger(),
		Heuristics: NewHeuristics(config.HeuristicsConfig{}),
		Persistent: persistent,
		MaxRetries: 1,
	})

	eng := NewEngine(EngineDeps{
		Pool:       pool,
		Agent:      agent,
		Logger:     newTestLogger(),
		Persistent: persistent,
	})
	return eng, pool
}

// drain collects every event until the channel closes.
func drain(t *testing.T, ch <-chan domain.StreamEvent) []domain.StreamEvent {
	t.Helper()
	var events []domain.StreamEvent
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("turn did not finish; got %d events", len(events))
		}
	}
}

func eventTypes(events []domain.StreamEvent) []domain.StreamEventType {
	types := make([]domain.StreamEventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func countType(events []domain.StreamEvent, typ domain.StreamEventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// --- Agent loop tests ---

func TestPersistentTurnStopsAfterOneToolRound(t *testing.T) {
	llm := &mockLLM{responses: []domain.ChatResponse{
		toolCallResponse(`x <- c(1,2,3); mean(x)`),
		toolCallResponse(`sd(x)`), // must never be reached
	}}
	exec := &fakeExecutor{}
	eng, _ := newTestEngine(t, llm, exec, true)

	ch, err := eng.ProcessMessage(context.Background(), "sess-1", "compute the mean", nil)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	events := drain(t, ch)

	if exec.executions() != 1 {
		t.Errorf("executions = %d, want 1 (one tool round per persistent turn)", exec.executions())
	}
	if llm.calls() != 1 {
		t.Errorf("llm calls = %d, want 1", llm.calls())
	}
	if countType(events, domain.EventSessionReady) != 1 {
		t.Errorf("want exactly one session_ready, events: %v", eventTypes(events))
	}
	if countType(events, domain.EventEnd) != 0 {
		t.Errorf("persistent turn must not emit end, events: %v", eventTypes(events))
	}
	last := events[len(events)-1]
	if last.Type != domain.EventSessionReady {
		t.Errorf("last event = %s, want session_ready", last.Type)
	}
}

func TestNonPersistentTurnEndsExactlyOnce(t *testing.T) {
	llm := &mockLLM{responses: []domain.ChatResponse{
		toolCallResponse(`x <- 1`),
		contentResponse("The analysis is finished. The value of x is 1."),
	}}
	exec := &fakeExecutor{}
	eng, _ := newTestEngine(t, llm, exec, false)

	ch, err := eng.ProcessMessage(context.Background(), "sess-1", "set x to 1", nil)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	events := drain(t, ch)

	if countType(events, domain.EventEnd) != 1 {
		t.Errorf("want exactly one end, events: %v", eventTypes(events))
	}
	if countType(events, domain.EventSessionReady) != 0 {
		t.Errorf("non-persistent turn must not emit session_ready, events: %v", eventTypes(events))
	}
	if events[len(events)-1].Type != domain.EventEnd {
		t.Errorf("last event = %s, want end", events[len(events)-1].Type)
	}
}

func TestRepetitionGuardBoundsToolCallForever(t *testing.T) {
	llm := &toolCallForever{}
	exec := &fakeExecutor{}
	eng, _ := newTestEngine(t, llm, exec, false)

	ch, err := eng.ProcessMessage(context.Background(), "sess-1", "loop forever", nil)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	events := drain(t, ch)

	if exec.executions() > 2 {
		t.Errorf("executions = %d, want <= 2", exec.executions())
	}
	if countType(events, domain.EventEnd) != 1 {
		t.Errorf("want exactly one end, events: %v", eventTypes(events))
	}
}

func TestFunctionResultSeparatesSummaryFromOutput(t *testing.T) {
	llm := &mockLLM{responses: []domain.ChatResponse{
		toolCallResponse(`head(df)`),
	}}
	exec := &fakeExecutor{result: &domain.ExecutionResult{
		Success:        true,
		Summary:        "Displayed the first rows of the data frame.",
		Output:         "  x y\n1 1 2\n2 3 4",
		FilesGenerated: []string{"plot.png"},
	}}
	eng, pool := newTestEngine(t, llm, exec, true)

	ch, _ := eng.ProcessMessage(context.Background(), "sess-1", "show the data", nil)
	events := drain(t, ch)

	var fr *domain.StreamEvent
	for i := range events {
		if events[i].Type == domain.EventFunctionResult {
			fr = &events[i]
		}
	}
	if fr == nil {
		t.Fatalf("no function_result event: %v", eventTypes(events))
	}
	if fr.Content != "Displayed the first rows of the data frame." {
		t.Errorf("Content = %q, want the summary", fr.Content)
	}
	if fr.Output != "  x y\n1 1 2\n2 3 4" {
		t.Errorf("Output = %q, want the raw console text", fr.Output)
	}
	if len(fr.FilesGenerated) != 1 || fr.FilesGenerated[0] != "plot.png" {
		t.Errorf("FilesGenerated = %v", fr.FilesGenerated)
	}

	// The model-facing history must carry the summary, not the raw output.
	sess, err := pool.Get("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	msgs := sess.Conv.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleTool || last.Content != "Displayed the first rows of the data frame." {
		t.Errorf("tool message = %+v, want the summary as content", last)
	}
}

func TestMalformedToolArgsFailInvocationOnly(t *testing.T) {
	bad := domain.ChatResponse{
		Message: domain.Message{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{{
				ID:        "call-1",
				Name:      RCodeToolName,
				Arguments: json.RawMessage(`{"script":"mean(x)"}`), // wrong key
			}},
		},
	}
	llm := &mockLLM{responses: []domain.ChatResponse{bad}}
	exec := &fakeExecutor{}
	eng, _ := newTestEngine(t, llm, exec, true)

	ch, _ := eng.ProcessMessage(context.Background(), "sess-1", "run it", nil)
	events := drain(t, ch)

	if exec.executions() != 0 {
		t.Errorf("executor must not run on malformed args, ran %d times", exec.executions())
	}
	foundErr := false
	for _, ev := range events {
		if ev.Type == domain.EventError && ev.Code == domain.CodeToolArgsInvalid {
			foundErr = true
		}
	}
	if !foundErr {
		t.Errorf("want error event with TOOL_ARGS_INVALID, events: %v", eventTypes(events))
	}
	// The turn still closes cleanly.
	if events[len(events)-1].Type != domain.EventSessionReady {
		t.Errorf("last event = %s, want session_ready", events[len(events)-1].Type)
	}
}

func TestStubPreambleToolCallsNeverRunOrPersist(t *testing.T) {
	// A bare acknowledgement alongside tool calls means the model is not
	// ready. The calls must not execute, and the saved history must not hold
	// a pending tool_calls entry: strict APIs reject a transcript whose tool
	// calls have no matching tool results, which would wedge the session.
	stub := domain.ChatResponse{
		Message: domain.Message{
			Role:    domain.RoleAssistant,
			Content: "Sure!",
			ToolCalls: []domain.ToolCall{{
				ID:        "call-1",
				Name:      RCodeToolName,
				Arguments: json.RawMessage(`{"code":"mean(x)"}`),
			}},
		},
	}
	llm := &mockLLM{responses: []domain.ChatResponse{
		stub,
		contentResponse("The analysis is finished. The mean of x is 4.2."),
	}}
	exec := &fakeExecutor{}
	eng, pool := newTestEngine(t, llm, exec, false)

	ch, _ := eng.ProcessMessage(context.Background(), "sess-1", "compute the mean", nil)
	events := drain(t, ch)

	if exec.executions() != 0 {
		t.Errorf("executor ran %d times on a stub preamble, want 0", exec.executions())
	}
	if events[len(events)-1].Type != domain.EventEnd {
		t.Errorf("last event = %s, want end", events[len(events)-1].Type)
	}

	sess, err := pool.Get("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range sess.Conv.Messages() {
		if m.Role == domain.RoleAssistant && len(m.ToolCalls) > 0 {
			t.Errorf("history holds pending tool calls with no tool results: %+v", m)
		}
	}
}

func TestUnknownToolRejected(t *testing.T) {
	resp := domain.ChatResponse{
		Message: domain.Message{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{{
				ID:        "call-1",
				Name:      "delete_everything",
				Arguments: json.RawMessage(`{}`),
			}},
		},
	}
	llm := &mockLLM{responses: []domain.ChatResponse{resp}}
	exec := &fakeExecutor{}
	eng, _ := newTestEngine(t, llm, exec, true)

	ch, _ := eng.ProcessMessage(context.Background(), "sess-1", "run it", nil)
	events := drain(t, ch)

	if exec.executions() != 0 {
		t.Errorf("executor must not run for unknown tool")
	}
	found := false
	for _, ev := range events {
		if ev.Type == domain.EventError && ev.Code == domain.CodeToolNotFound {
			found = true
		}
	}
	if !found {
		t.Errorf("want TOOL_NOT_FOUND error event, events: %v", eventTypes(events))
	}
}

func TestBackendFailureEmitsErrorEvent(t *testing.T) {
	llm := &mockLLM{errs: []error{domain.ErrAuthInvalid}}
	exec := &fakeExecutor{}
	eng, _ := newTestEngine(t, llm, exec, false)

	ch, _ := eng.ProcessMessage(context.Background(), "sess-1", "hello", nil)
	events := drain(t, ch)

	foundErr := false
	for _, ev := range events {
		if ev.Type == domain.EventError && ev.Code == domain.CodeAuthInvalid {
			foundErr = true
		}
	}
	if !foundErr {
		t.Errorf("want error event with AUTH_INVALID, events: %v", eventTypes(events))
	}
	if events[len(events)-1].Type != domain.EventEnd {
		t.Errorf("error turn must still end, events: %v", eventTypes(events))
	}
}

func TestRetryableBackendErrorRecovers(t *testing.T) {
	llm := &mockLLM{
		errs:      []error{domain.ErrRateLimit},
		responses: []domain.ChatResponse{{}, contentResponse("The analysis is finished. All good here, results above.")},
	}
	exec := &fakeExecutor{}
	pool := NewSessionPool(PoolConfig{
		DataDir:      t.TempDir(),
		SystemPrompt: "sys",
		MaxSessions:  5,
		TTL:          time.Hour,
	}, func(string) (domain.ScriptExecutor, error) { return exec, nil })
	agent := NewAgent(AgentDeps{
		LLM:            llm,
		Logger:         newTestLogger(),
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	})
	eng := NewEngine(EngineDeps{Pool: pool, Agent: agent, Logger: newTestLogger()})

	ch, _ := eng.ProcessMessage(context.Background(), "sess-1", "hello", nil)
	events := drain(t, ch)

	if countType(events, domain.EventError) != 0 {
		t.Errorf("retryable error should recover silently, events: %v", eventTypes(events))
	}
	if events[len(events)-1].Type != domain.EventEnd {
		t.Errorf("last event = %s, want end", events[len(events)-1].Type)
	}
}

func TestTerminationCommandBypassesModel(t *testing.T) {
	llm := &mockLLM{}
	exec := &fakeExecutor{}
	eng, pool := newTestEngine(t, llm, exec, true)

	// Create the session with a normal turn first.
	ch, _ := eng.ProcessMessage(context.Background(), "sess-1", "hello there friend", nil)
	drain(t, ch)
	if pool.Len() != 1 {
		t.Fatalf("pool len = %d, want 1", pool.Len())
	}
	callsBefore := llm.calls()

	ch, err := eng.ProcessMessage(context.Background(), "sess-1", "End session.", nil)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	events := drain(t, ch)

	if llm.calls() != callsBefore {
		t.Errorf("termination command must not reach the model")
	}
	if pool.Len() != 0 {
		t.Errorf("session should be dropped, pool len = %d", pool.Len())
	}
	types := eventTypes(events)
	if countType(events, domain.EventSystem) != 1 || countType(events, domain.EventEnd) != 1 {
		t.Errorf("want system + end, got %v", types)
	}
	if events[len(events)-1].Type != domain.EventEnd {
		t.Errorf("last event = %s, want end", events[len(events)-1].Type)
	}
}

func TestContextHintsBecomeSystemMessage(t *testing.T) {
	llm := &mockLLM{}
	exec := &fakeExecutor{}
	eng, pool := newTestEngine(t, llm, exec, false)

	hints := map[string]string{
		"dataset_path": "/data/trial.csv",
		"last_error":   "object 'df' not found",
	}
	ch, _ := eng.ProcessMessage(context.Background(), "sess-1", "try again please, carefully", hints)
	drain(t, ch)

	sess, err := pool.Get("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	msgs := sess.Conv.Messages()
	// [system prompt, hints, user, assistant]
	if len(msgs) < 3 || msgs[1].Role != domain.RoleSystem {
		t.Fatalf("expected hint system message at index 1, got %+v", msgs)
	}
	if want := "dataset path: /data/trial.csv"; !strings.Contains(msgs[1].Content, want) {
		t.Errorf("hints message %q missing %q", msgs[1].Content, want)
	}
	if want := "last error: object 'df' not found"; !strings.Contains(msgs[1].Content, want) {
		t.Errorf("hints message %q missing %q", msgs[1].Content, want)
	}
}

func TestExecutorNeverRunsConcurrentlyPerSession(t *testing.T) {
	llm := &mockLLM{responses: []domain.ChatResponse{
		toolCallResponse(`a <- 1`),
		toolCallResponse(`b <- 2`),
	}}
	exec := &fakeExecutor{delay: 50 * time.Millisecond}
	eng, _ := newTestEngine(t, llm, exec, true)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := eng.ProcessMessage(context.Background(), "sess-1", "run something for me", nil)
			if err != nil {
				t.Error(err)
				return
			}
			drain(t, ch)
		}()
	}
	wg.Wait()

	if exec.executions() != 2 {
		t.Errorf("executions = %d, want 2", exec.executions())
	}
	if atomic.LoadInt32(&exec.maxActive) != 1 {
		t.Errorf("max concurrent executions = %d, want 1", exec.maxActive)
	}
}

func TestInvalidSessionIDFailsFast(t *testing.T) {
	llm := &mockLLM{}
	eng, _ := newTestEngine(t, llm, &fakeExecutor{}, true)

	for _, id := range []string{"", "a/b", "..", "x\\y", "a\x00b"} {
		if _, err := eng.ProcessMessage(context.Background(), id, "hi", nil); err == nil {
			t.Errorf("id %q should be rejected", id)
		}
	}
}
