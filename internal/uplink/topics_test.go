package uplink

import (
	"testing"

	"github.com/meshcore-dev/meshuplink/internal/infrastructure/config"
)

const testPubKey = "F3A9C2D8E17B4056F3A9C2D8E17B4056F3A9C2D8E17B4056F3A9C2D8E17B4056"

func TestResolveTopic(t *testing.T) {
	tests := []struct {
		name      string
		template  string
		iata      string
		publicKey string
		want      string
	}{
		{
			name:      "standard layout",
			template:  "meshcore/{IATA}/{PUBLIC_KEY}/packets",
			iata:      "lhr",
			publicKey: testPubKey,
			want:      "meshcore/LHR/" + testPubKey + "/packets",
		},
		{
			name:      "lowercase region placeholder",
			template:  "mesh/{IATA_lower}/status",
			iata:      "LHR",
			publicKey: testPubKey,
			want:      "mesh/lhr/status",
		},
		{
			name:      "missing public key falls back to DEVICE",
			template:  "meshcore/{IATA}/{PUBLIC_KEY}/status",
			iata:      "ams",
			publicKey: "",
			want:      "meshcore/AMS/DEVICE/status",
		},
		{
			name:     "empty template disables channel",
			template: "   ",
			want:     "",
		},
		{
			name:      "no placeholders passes through",
			template:  "fixed/topic/path",
			iata:      "lhr",
			publicKey: testPubKey,
			want:      "fixed/topic/path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveTopic(tt.template, tt.iata, tt.publicKey)
			if got != tt.want {
				t.Errorf("resolveTopic() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildTopicsLetsMeshEventsRewrite(t *testing.T) {
	b := config.BrokerConfig{
		Slot:         2,
		Server:       "mqtt.letsmesh.net",
		IATA:         "LHR",
		TopicStatus:  "meshcore/{IATA}/{PUBLIC_KEY}/status",
		TopicPackets: "meshcore/{IATA}/{PUBLIC_KEY}/events",
	}

	got := buildTopics(b, testPubKey)
	want := "meshcore/LHR/" + testPubKey + "/packets"
	if got.packets != want {
		t.Errorf("packets topic = %q, want %q", got.packets, want)
	}
	if got.status != "meshcore/LHR/"+testPubKey+"/status" {
		t.Errorf("status topic = %q", got.status)
	}
}

func TestBuildTopicsNonLetsMeshKeepsEventsSuffix(t *testing.T) {
	b := config.BrokerConfig{
		Slot:         1,
		Server:       "broker.example.org",
		IATA:         "LHR",
		TopicPackets: "meshcore/{IATA}/{PUBLIC_KEY}/events",
	}

	got := buildTopics(b, testPubKey)
	want := "meshcore/LHR/" + testPubKey + "/events"
	if got.packets != want {
		t.Errorf("packets topic = %q, want %q", got.packets, want)
	}
}

func TestClientIDFor(t *testing.T) {
	tests := []struct {
		name     string
		broker   config.BrokerConfig
		nodeName string
		want     string
	}{
		{
			name:     "simple name",
			broker:   config.BrokerConfig{Slot: 1, ClientIDPrefix: "meshcore_"},
			nodeName: "Rooftop",
			want:     "meshcore_Rooftop",
		},
		{
			name:     "spaces become underscores",
			broker:   config.BrokerConfig{Slot: 1, ClientIDPrefix: "meshcore_"},
			nodeName: "Roof Top",
			want:     "meshcore_Roof_Top",
		},
		{
			name:     "invalid characters stripped",
			broker:   config.BrokerConfig{Slot: 1, ClientIDPrefix: "meshcore_"},
			nodeName: "Café/Node!",
			want:     "meshcore_CafNode",
		},
		{
			name:     "capped at 23 characters",
			broker:   config.BrokerConfig{Slot: 1, ClientIDPrefix: "meshcore_"},
			nodeName: "a_very_long_node_name_indeed",
			want:     "meshcore_a_very_long_no",
		},
		{
			name:     "slot suffix beyond first slot",
			broker:   config.BrokerConfig{Slot: 3, ClientIDPrefix: "meshcore_"},
			nodeName: "Rooftop",
			want:     "meshcore_Rooftop_3",
		},
		{
			name:     "slot suffix still fits the cap",
			broker:   config.BrokerConfig{Slot: 4, ClientIDPrefix: "meshcore_"},
			nodeName: "a_very_long_node_name_indeed",
			want:     "meshcore_a_very_long_4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clientIDFor(tt.broker, tt.nodeName)
			if got != tt.want {
				t.Errorf("clientIDFor() = %q, want %q", got, tt.want)
			}
			if len(got) > maxClientIDLen {
				t.Errorf("client id %q exceeds %d characters", got, maxClientIDLen)
			}
		})
	}
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		name   string
		broker config.BrokerConfig
		want   string
	}{
		{
			name:   "plain tcp",
			broker: config.BrokerConfig{Server: "broker.example.org", Port: 1883},
			want:   "tcp://broker.example.org:1883",
		},
		{
			name:   "tls",
			broker: config.BrokerConfig{Server: "broker.example.org", Port: 8883, UseTLS: true},
			want:   "ssl://broker.example.org:8883",
		},
		{
			name:   "websockets",
			broker: config.BrokerConfig{Server: "broker.example.org", Port: 8080, Transport: "websockets"},
			want:   "ws://broker.example.org:8080",
		},
		{
			name:   "websockets over tls",
			broker: config.BrokerConfig{Server: "broker.example.org", Port: 443, Transport: "websockets", UseTLS: true},
			want:   "wss://broker.example.org:443",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := brokerURL(tt.broker); got != tt.want {
				t.Errorf("brokerURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
