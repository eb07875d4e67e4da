package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"ragent/internal/domain"
)

var sseDataPrefix = []byte("data: ")

// parseSSEStream decodes a server-sent-events body into StreamDeltas.
// parseLine converts one data payload into a delta; payloads it cannot
// parse are dropped rather than aborting the stream. The channel closes
// when a Done delta is produced, the payload is "[DONE]", the body ends,
// or ctx is cancelled.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	out := make(chan domain.StreamDelta, 16)

	emit := func(d domain.StreamDelta) bool {
		select {
		case out <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			payload, ok := ssePayload(scanner.Bytes())
			if !ok {
				continue
			}
			if bytes.Equal(payload, []byte("[DONE]")) {
				emit(domain.StreamDelta{Done: true})
				return
			}

			delta, err := parseLine(payload)
			if err != nil || delta == nil {
				continue
			}
			if !emit(*delta) {
				return
			}
			if delta.Done {
				return
			}
		}

		// A read error mid-stream still yields a final Done delta so the
		// accumulator knows the response is over.
		if scanner.Err() != nil {
			emit(domain.StreamDelta{Done: true})
		}
	}()

	return out
}

// ssePayload extracts the data payload from one SSE line. Blank lines,
// comments and non-data fields yield ok=false.
func ssePayload(line []byte) ([]byte, bool) {
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	if !bytes.HasPrefix(line, sseDataPrefix) {
		return nil, false
	}
	return line[len(sseDataPrefix):], true
}
