package mesh

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStreamReader(t *testing.T) {
	input := strings.Join([]string{
		`{"event_type":"RX_LOG_DATA","payload":{"snr":8.5},"timestamp":1724900000.25}`,
		``,
		`not json`,
		`{"payload":{}}`,
		`{"event_type":"BATTERY","payload":{"level":92}}`,
	}, "\n")

	var got []RawEventEnvelope
	reader := NewStreamReader(strings.NewReader(input), func(env RawEventEnvelope) {
		got = append(got, env)
	})

	if err := reader.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("delivered %d envelopes, want 2", len(got))
	}
	if got[0].Kind != EventRxLog {
		t.Errorf("first Kind = %q", got[0].Kind)
	}
	if snr, ok := got[0].Payload["snr"].(float64); !ok || snr != 8.5 {
		t.Errorf("first payload snr = %v", got[0].Payload["snr"])
	}
	wantTS := time.Unix(1724900000, int64(250*time.Millisecond))
	if !got[0].ReceivedAt.Equal(wantTS) {
		t.Errorf("first ReceivedAt = %v, want %v", got[0].ReceivedAt, wantTS)
	}
	if got[1].Kind != EventBattery {
		t.Errorf("second Kind = %q", got[1].Kind)
	}
	if got[1].ReceivedAt.IsZero() {
		t.Error("missing timestamp should default to now, got zero")
	}

	if reader.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2 (malformed + untagged)", reader.Dropped)
	}
}

func TestStreamReaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reader := NewStreamReader(strings.NewReader("{\"event_type\":\"BATTERY\"}\n"), func(RawEventEnvelope) {})
	if err := reader.Run(ctx); err != context.Canceled {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestStreamReaderCancelUnblocksRead(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	reader := NewStreamReader(pr, func(RawEventEnvelope) {})
	go func() {
		done <- reader.Run(ctx)
	}()

	// Deliver one event so Run is past startup and blocked on the next read.
	if _, err := pw.Write([]byte(`{"event_type":"BATTERY","payload":{}}` + "\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation while blocked on read")
	}
}

func TestStreamReaderDropsOversizedLine(t *testing.T) {
	long := strings.Repeat("x", maxEventLine+100)
	input := strings.Join([]string{
		`{"event_type":"BATTERY","payload":{"level":92}}`,
		`{"event_type":"RX_LOG_DATA","payload":{"junk":"` + long + `"}}`,
		`{"event_type":"BATTERY","payload":{"level":91}}`,
	}, "\n")

	var got []RawEventEnvelope
	reader := NewStreamReader(strings.NewReader(input), func(env RawEventEnvelope) {
		got = append(got, env)
	})

	if err := reader.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("delivered %d envelopes, want 2 (oversized line skipped)", len(got))
	}
	if got[0].Kind != EventBattery || got[1].Kind != EventBattery {
		t.Errorf("delivered kinds = %q, %q", got[0].Kind, got[1].Kind)
	}
	if reader.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", reader.Dropped)
	}
}

func TestIsPacket(t *testing.T) {
	tests := []struct {
		kind EventKind
		want bool
	}{
		{EventRxLog, true},
		{EventTxLog, true},
		{EventBattery, false},
		{EventContactMessage, false},
	}
	for _, tt := range tests {
		env := RawEventEnvelope{Kind: tt.kind}
		if env.IsPacket() != tt.want {
			t.Errorf("IsPacket(%s) = %v, want %v", tt.kind, !tt.want, tt.want)
		}
	}
}
