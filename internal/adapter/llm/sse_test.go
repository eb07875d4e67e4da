package llm

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"ragent/internal/domain"
)

func parseTextLine(data []byte) (*domain.StreamDelta, error) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &domain.StreamDelta{Content: payload.Text}, nil
}

func collectDeltas(ch <-chan domain.StreamDelta) []domain.StreamDelta {
	var out []domain.StreamDelta
	for d := range ch {
		out = append(out, d)
	}
	return out
}

func TestParseSSEStreamBasic(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"data: {\"text\":\"hello \"}\n\n" +
			"data: {\"text\":\"world\"}\n\n" +
			"data: [DONE]\n\n"))

	deltas := collectDeltas(parseSSEStream(context.Background(), body, parseTextLine))

	if len(deltas) != 3 {
		t.Fatalf("got %d deltas, want 3: %+v", len(deltas), deltas)
	}
	if deltas[0].Content != "hello " || deltas[1].Content != "world" {
		t.Errorf("content wrong: %+v", deltas)
	}
	if !deltas[2].Done {
		t.Error("final delta should be Done")
	}
}

func TestParseSSEStreamSkipsCommentsAndGarbage(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		": keep-alive\n" +
			"event: message\n" +
			"data: not json at all\n" +
			"data: {\"text\":\"ok\"}\n" +
			"data: [DONE]\n"))

	deltas := collectDeltas(parseSSEStream(context.Background(), body, parseTextLine))

	if len(deltas) != 2 {
		t.Fatalf("got %d deltas, want 2: %+v", len(deltas), deltas)
	}
	if deltas[0].Content != "ok" {
		t.Errorf("content = %q", deltas[0].Content)
	}
}

func TestParseSSEStreamStopsOnDoneDelta(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"data: {\"text\":\"only\"}\n" +
			"data: {\"text\":\"never\"}\n"))

	parse := func(data []byte) (*domain.StreamDelta, error) {
		d, err := parseTextLine(data)
		if err != nil {
			return nil, err
		}
		d.Done = true
		return d, nil
	}

	deltas := collectDeltas(parseSSEStream(context.Background(), body, parse))
	if len(deltas) != 1 {
		t.Fatalf("got %d deltas, want 1 (stream stops at Done)", len(deltas))
	}
}

// brokenBody yields some data and then a read error, like a connection
// dropped mid-stream.
type brokenBody struct {
	r io.Reader
}

func (b *brokenBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (b *brokenBody) Close() error { return nil }

func TestParseSSEStreamReadErrorYieldsDone(t *testing.T) {
	body := &brokenBody{r: strings.NewReader("data: {\"text\":\"partial\"}\n")}

	deltas := collectDeltas(parseSSEStream(context.Background(), body, parseTextLine))

	if len(deltas) != 2 {
		t.Fatalf("got %d deltas, want partial content plus Done: %+v", len(deltas), deltas)
	}
	if deltas[0].Content != "partial" {
		t.Errorf("content = %q", deltas[0].Content)
	}
	if !deltas[1].Done {
		t.Error("read error must still produce a final Done delta")
	}
}

func TestParseSSEStreamContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	body := io.NopCloser(strings.NewReader(
		"data: {\"text\":\"a\"}\ndata: {\"text\":\"b\"}\n"))
	ch := parseSSEStream(ctx, body, parseTextLine)

	// The channel must close promptly; buffered deltas may or may not arrive.
	for range ch {
	}
}
