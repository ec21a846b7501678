package mesh

import "time"

// EventKind identifies one type of device-layer event.
type EventKind string

// Event kinds delivered by the device layer. The set mirrors the MeshCore
// companion-radio event dispatcher; unknown kinds still flow through the
// firehose path untouched.
const (
	EventContactMessage EventKind = "CONTACT_MSG_RECV"
	EventChannelMessage EventKind = "CHANNEL_MSG_RECV"
	EventMessageSent    EventKind = "MSG_SENT"
	EventRxLog          EventKind = "RX_LOG_DATA"
	EventTxLog          EventKind = "TX_LOG_DATA"
	EventAdvertisement  EventKind = "ADVERTISEMENT"
	EventBattery        EventKind = "BATTERY"
	EventStatus         EventKind = "STATUS_RESPONSE"
	EventTelemetry      EventKind = "TELEMETRY_RESPONSE"
	EventContacts       EventKind = "CONTACTS"
	EventPathUpdate     EventKind = "PATH_UPDATE"
	EventDeviceInfo     EventKind = "DEVICE_INFO"
	EventPrivateKey     EventKind = "PRIVATE_KEY"
	EventDisabled       EventKind = "DISABLED"
	EventError          EventKind = "ERROR"
)

// RawEventEnvelope is one event as delivered by the device layer.
//
// Envelopes are immutable once constructed: routing and translation read
// them, nothing mutates them.
type RawEventEnvelope struct {
	// Kind tags the event type.
	Kind EventKind `json:"event_type"`

	// Payload carries the event-specific fields. Values follow JSON
	// decoding conventions (string, float64, bool, map, slice, nil).
	Payload map[string]any `json:"payload"`

	// ReceivedAt is the host receipt timestamp.
	ReceivedAt time.Time `json:"timestamp"`
}

// IsPacket reports whether the envelope describes one physical radio
// packet (a receive or forward log entry).
func (e RawEventEnvelope) IsPacket() bool {
	return e.Kind == EventRxLog || e.Kind == EventTxLog
}
