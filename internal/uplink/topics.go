package uplink

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/meshcore-dev/meshuplink/internal/infrastructure/config"
)

// maxClientIDLen is the MQTT 3.1 client identifier limit honoured for
// compatibility with strict brokers.
const maxClientIDLen = 23

// Topic template placeholders.
const (
	placeholderIATA      = "{IATA}"
	placeholderIATALower = "{IATA_lower}"
	placeholderPublicKey = "{PUBLIC_KEY}"
)

var clientIDStrip = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// topicSet is one endpoint's resolved topic layout.
type topicSet struct {
	status  string
	packets string
}

// buildTopics resolves both topic templates for a broker slot.
//
// LetsMesh-class consumers historically expected an "/events" suffix on the
// packets channel; current brokers consume "/packets", so a configured
// "/events" suffix is corrected here at connection-build time.
func buildTopics(b config.BrokerConfig, publicKey string) topicSet {
	packets := resolveTopic(b.TopicPackets, b.IATA, publicKey)
	if b.IsLetsMesh() && strings.HasSuffix(packets, "/events") {
		packets = strings.TrimSuffix(packets, "/events") + "/packets"
	}
	return topicSet{
		status:  resolveTopic(b.TopicStatus, b.IATA, publicKey),
		packets: packets,
	}
}

// resolveTopic expands template placeholders. An empty template resolves to
// an empty topic, which disables that channel.
func resolveTopic(template, iata, publicKey string) string {
	raw := strings.TrimSpace(template)
	if raw == "" {
		return ""
	}
	if publicKey == "" {
		publicKey = "DEVICE"
	}
	raw = strings.ReplaceAll(raw, placeholderIATA, strings.ToUpper(iata))
	raw = strings.ReplaceAll(raw, placeholderIATALower, strings.ToLower(iata))
	return strings.ReplaceAll(raw, placeholderPublicKey, publicKey)
}

// clientIDFor builds the MQTT client identifier for a slot, in the same
// style as the other uploaders in the ecosystem: prefix + node name with
// spaces collapsed, restricted charset, 23-char cap, slot suffix for
// slots beyond the first.
func clientIDFor(b config.BrokerConfig, nodeName string) string {
	id := b.ClientIDPrefix + strings.ReplaceAll(nodeName, " ", "_")
	id = clientIDStrip.ReplaceAllString(id, "")
	if len(id) > maxClientIDLen {
		id = id[:maxClientIDLen]
	}
	if b.Slot > 1 {
		if len(id) > 20 {
			id = id[:20]
		}
		id = fmt.Sprintf("%s_%d", id, b.Slot)
		if len(id) > maxClientIDLen {
			id = id[:maxClientIDLen]
		}
	}
	return id
}

// brokerURL builds the paho broker URL for the configured transport.
func brokerURL(b config.BrokerConfig) string {
	scheme := "tcp"
	switch {
	case b.Transport == "websockets" && b.UseTLS:
		scheme = "wss"
	case b.Transport == "websockets":
		scheme = "ws"
	case b.UseTLS:
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Server, b.Port)
}
