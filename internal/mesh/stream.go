package mesh

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// maxEventLine bounds one NDJSON event line (1MB), matching typical broker
// payload limits further down the pipeline. Longer lines are dropped and the
// reader resyncs at the next newline.
const maxEventLine = 1 << 20

// StreamHandler consumes one decoded envelope. Handlers must not block on
// network I/O; the uplink fan-out path is already non-blocking.
type StreamHandler func(env RawEventEnvelope)

// StreamReader decodes newline-delimited JSON event envelopes from the
// device-layer bridge.
//
// Each line is one envelope: {"event_type": ..., "payload": ..., "timestamp": ...}.
// Blank lines are tolerated; malformed lines are counted and skipped so a
// single corrupt event never stalls the stream.
type StreamReader struct {
	r       io.Reader
	handler StreamHandler

	// Dropped counts malformed or oversized lines skipped so far. Read
	// after Run returns.
	Dropped int
}

// NewStreamReader creates a StreamReader delivering envelopes to handler.
func NewStreamReader(r io.Reader, handler StreamHandler) *StreamReader {
	return &StreamReader{r: r, handler: handler}
}

// wireEnvelope is the NDJSON shape; timestamps arrive as Unix seconds.
type wireEnvelope struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Timestamp float64        `json:"timestamp"`
}

// Run reads envelopes until EOF or ctx cancellation.
//
// When the source implements io.Closer it is closed on cancellation so a
// read blocked on a quiet stdin or TCP stream unblocks immediately.
//
// Returns:
//   - error: nil on EOF, ctx.Err() on cancellation, or the read error
func (s *StreamReader) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			if c, ok := s.r.(io.Closer); ok {
				c.Close()
			}
		case <-stop:
		}
	}()

	reader := bufio.NewReaderSize(s.r, 64*1024)
	var line []byte
	oversized := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading event stream: %w", err)
		}

		if oversized || len(line)+len(chunk) > maxEventLine {
			// Over the line cap: discard the rest of this line and
			// resync at the newline.
			oversized = isPrefix
			line = line[:0]
			if !isPrefix {
				s.Dropped++
			}
			continue
		}

		line = append(line, chunk...)
		if isPrefix {
			continue
		}

		s.deliver(line)
		line = line[:0]
	}
}

// deliver decodes one complete line, counting malformed or untagged
// envelopes without interrupting the stream.
func (s *StreamReader) deliver(line []byte) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}

	var wire wireEnvelope
	if err := json.Unmarshal([]byte(trimmed), &wire); err != nil {
		s.Dropped++
		return
	}
	if wire.EventType == "" {
		s.Dropped++
		return
	}

	s.handler(envelopeFromWire(wire))
}

// envelopeFromWire converts the wire shape to a RawEventEnvelope,
// defaulting the receipt timestamp to now when absent.
func envelopeFromWire(wire wireEnvelope) RawEventEnvelope {
	ts := time.Now()
	if wire.Timestamp > 0 {
		sec := int64(wire.Timestamp)
		nsec := int64((wire.Timestamp - float64(sec)) * float64(time.Second))
		ts = time.Unix(sec, nsec)
	}
	return RawEventEnvelope{
		Kind:       EventKind(wire.EventType),
		Payload:    wire.Payload,
		ReceivedAt: ts,
	}
}
