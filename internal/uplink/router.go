package uplink

import (
	"github.com/meshcore-dev/meshuplink/internal/infrastructure/config"
	"github.com/meshcore-dev/meshuplink/internal/mesh"
)

// Router decides which device events are relevant to any endpoint at all.
// The decision is global: per-endpoint shaping happens later in translation.
//
// Routing is O(1), has no side effects, and never mutates the event.
type Router struct {
	firehose bool
	allowed  map[mesh.EventKind]struct{}
}

// relevantKinds is the fixed allow-list for filtered mode: messages in and
// out, radio packet log entries, and status/telemetry of interest.
var relevantKinds = []mesh.EventKind{
	mesh.EventContactMessage,
	mesh.EventChannelMessage,
	mesh.EventMessageSent,
	mesh.EventRxLog,
	mesh.EventTxLog,
	mesh.EventAdvertisement,
	mesh.EventBattery,
	mesh.EventStatus,
	mesh.EventTelemetry,
}

// NewRouter creates a Router for the given mode
// (config.RouteModeFiltered or config.RouteModeFirehose).
//
// The mode is fixed at construction; reconfiguration means building a new
// Router, never mutating a shared one.
func NewRouter(mode string) *Router {
	r := &Router{
		firehose: mode == config.RouteModeFirehose,
		allowed:  make(map[mesh.EventKind]struct{}, len(relevantKinds)),
	}
	for _, kind := range relevantKinds {
		r.allowed[kind] = struct{}{}
	}
	return r
}

// Route reports whether the event should reach the endpoint fan-out.
func (r *Router) Route(env mesh.RawEventEnvelope) bool {
	if r.firehose {
		return true
	}
	_, ok := r.allowed[env.Kind]
	return ok
}
