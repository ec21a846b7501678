package uplink

import (
	"testing"

	"github.com/meshcore-dev/meshuplink/internal/infrastructure/config"
	"github.com/meshcore-dev/meshuplink/internal/mesh"
)

func TestRouterFilteredMode(t *testing.T) {
	r := NewRouter(config.RouteModeFiltered)

	tests := []struct {
		name string
		kind mesh.EventKind
		want bool
	}{
		{"contact message", mesh.EventContactMessage, true},
		{"channel message", mesh.EventChannelMessage, true},
		{"message sent", mesh.EventMessageSent, true},
		{"rx log", mesh.EventRxLog, true},
		{"tx log", mesh.EventTxLog, true},
		{"advertisement", mesh.EventAdvertisement, true},
		{"battery", mesh.EventBattery, true},
		{"status", mesh.EventStatus, true},
		{"telemetry", mesh.EventTelemetry, true},
		{"contacts dump", mesh.EventContacts, false},
		{"path update", mesh.EventPathUpdate, false},
		{"device info", mesh.EventDeviceInfo, false},
		{"private key", mesh.EventPrivateKey, false},
		{"error", mesh.EventError, false},
		{"unknown kind", mesh.EventKind("SOMETHING_NEW"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Route(mesh.RawEventEnvelope{Kind: tt.kind})
			if got != tt.want {
				t.Errorf("Route(%s) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestRouterFirehoseMode(t *testing.T) {
	r := NewRouter(config.RouteModeFirehose)

	kinds := []mesh.EventKind{
		mesh.EventContactMessage,
		mesh.EventContacts,
		mesh.EventPrivateKey,
		mesh.EventError,
		mesh.EventKind("SOMETHING_NEW"),
	}
	for _, kind := range kinds {
		if !r.Route(mesh.RawEventEnvelope{Kind: kind}) {
			t.Errorf("firehose Route(%s) = false, want true", kind)
		}
	}
}

func TestRouterUnknownModeFallsBackToFiltered(t *testing.T) {
	r := NewRouter("something-else")

	if !r.Route(mesh.RawEventEnvelope{Kind: mesh.EventRxLog}) {
		t.Error("expected relevant kind to route")
	}
	if r.Route(mesh.RawEventEnvelope{Kind: mesh.EventPrivateKey}) {
		t.Error("expected irrelevant kind to be filtered")
	}
}
