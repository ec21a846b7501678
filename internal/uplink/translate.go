package uplink

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/meshcore-dev/meshuplink/internal/infrastructure/config"
	"github.com/meshcore-dev/meshuplink/internal/mesh"
)

// sourceTag identifies this uploader in outbound payloads.
const sourceTag = "meshuplink"

// NormalizedPacket is the flat legacy packet schema expected by
// pre-existing uploader consumers. Field names are part of the external
// contract and must not change.
//
// Hash is a pure function of the packet header and payload bytes;
// SNR/RSSI describe this reception only and never enter the hash.
type NormalizedPacket struct {
	Type       string  `json:"type"`
	Direction  string  `json:"direction"`
	Length     int     `json:"len"`
	PacketType int     `json:"packet_type"`
	PayloadLen int     `json:"payload_len"`
	Raw        string  `json:"raw"`
	Hash       string  `json:"hash"`
	SNR        float64 `json:"SNR"`
	RSSI       float64 `json:"RSSI"`
	Origin     string  `json:"origin"`
	OriginID   string  `json:"origin_id"`
	Source     string  `json:"source"`
}

// Translator reshapes device events into endpoint wire payloads.
// It is stateless apart from the fixed origin identity and safe for
// concurrent use.
type Translator struct {
	origin   string
	originID string
}

// NewTranslator creates a Translator stamping the given node identity
// into every payload.
func NewTranslator(nodeName, publicKey string) *Translator {
	if publicKey == "" {
		publicKey = "DEVICE"
	}
	return &Translator{origin: nodeName, originID: strings.ToUpper(publicKey)}
}

// Translate produces the publishable payload for one event in the given
// payload mode.
//
// A nil payload with a nil error means the event does not map to this
// mode (normalized mode only carries packet-shaped events); the caller
// publishes nothing for this endpoint. This is deliberate, not an error.
func (t *Translator) Translate(env mesh.RawEventEnvelope, mode string) ([]byte, *NormalizedPacket, error) {
	switch mode {
	case config.PayloadModeRaw:
		payload, err := t.Raw(env)
		return payload, nil, err
	case config.PayloadModeNormalized:
		pkt, err := t.Normalize(env)
		if err != nil || pkt == nil {
			return nil, nil, err
		}
		payload, err := json.Marshal(pkt)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding normalized packet: %w", err)
		}
		return payload, pkt, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown payload mode %q", ErrConfig, mode)
	}
}

// Raw builds the raw-event wire payload: event kind, sanitized payload,
// receipt timestamp, and fixed origin fields.
func (t *Translator) Raw(env mesh.RawEventEnvelope) ([]byte, error) {
	body := map[string]any{
		"event_type": string(env.Kind),
		"payload":    sanitizeValue(env.Payload),
		"timestamp":  env.ReceivedAt.Format(time.RFC3339),
		"origin":     t.origin,
		"origin_id":  t.originID,
		"source":     sourceTag,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding raw event: %w", err)
	}
	return data, nil
}

// Normalize maps a packet-shaped event onto the legacy schema. Non-packet
// events return (nil, nil): nothing to publish on a packets channel.
func (t *Translator) Normalize(env mesh.RawEventEnvelope) (*NormalizedPacket, error) {
	if !env.IsPacket() {
		return nil, nil
	}

	raw, err := frameBytes(env.Payload)
	if err != nil {
		return nil, err
	}
	frame, err := mesh.ParseFrame(raw)
	if err != nil {
		return nil, err
	}

	direction := "rx"
	if env.Kind == mesh.EventTxLog {
		direction = "tx"
	}

	return &NormalizedPacket{
		Type:       "PACKET",
		Direction:  direction,
		Length:     len(raw),
		PacketType: int(frame.PayloadType()),
		PayloadLen: len(frame.Payload),
		Raw:        hex.EncodeToString(raw),
		Hash:       frame.Hash(),
		SNR:        floatField(env.Payload, "snr"),
		RSSI:       floatField(env.Payload, "rssi"),
		Origin:     t.origin,
		OriginID:   t.originID,
		Source:     sourceTag,
	}, nil
}

// frameBytes extracts the raw frame hex from a radio-log payload. The
// device layer has used both "raw_hex" and "raw" for this field.
func frameBytes(payload map[string]any) ([]byte, error) {
	for _, key := range []string{"raw_hex", "raw"} {
		v, ok := payload[key].(string)
		if !ok || v == "" {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", key, err)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("radio-log event has no raw frame field")
}

// floatField reads a numeric payload field, tolerating absence.
func floatField(payload map[string]any, key string) float64 {
	if v, ok := payload[key].(float64); ok {
		return v
	}
	return 0
}

// sanitizeValue makes an event payload JSON-safe: binary becomes lowercase
// hex, unsupported scalars become strings, containers recurse.
func sanitizeValue(v any) any {
	switch val := v.(type) {
	case nil, bool, string, float64, float32, int, int64, uint64:
		return val
	case []byte:
		return hex.EncodeToString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = sanitizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return fmt.Sprintf("%v", val)
	}
}
