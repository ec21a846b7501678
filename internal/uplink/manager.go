package uplink

import (
	"context"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/meshcore-dev/meshuplink/internal/infrastructure/config"
	"github.com/meshcore-dev/meshuplink/internal/mesh"
)

// Per-endpoint startup diagnostics.
const (
	DiagDisabled         = "disabled"
	DiagMissingAddress   = "missing-address"
	DiagAuthUnresolvable = "auth-unresolvable"
	DiagNominal          = "nominal"
)

// Archiver persists normalized packets locally. Implemented by
// archive.Store; optional.
type Archiver interface {
	Record(ctx context.Context, pkt *NormalizedPacket) error
}

// SignalRecorder exports per-packet radio signal quality measurements.
// Implemented by telemetry.Writer; optional.
type SignalRecorder interface {
	RecordSignal(ctx context.Context, pkt *NormalizedPacket)
}

// ManagerParams carries the collaborators shared across all endpoints.
type ManagerParams struct {
	NodeName  string
	PublicKey string
	RouteMode string
	QueueSize int
	DedupWin  time.Duration
	DedupMax  int
	Tokens    TokenSource
	Log       Logger

	// Optional side channels, fired once per routed packet event.
	Archiver Archiver
	Recorder SignalRecorder
}

// Manager owns the endpoint set. It diffs configuration into endpoint
// lifecycle changes and fans routed events out to every live endpoint.
// Endpoints never share connections, queues, or dedup state.
type Manager struct {
	params     ManagerParams
	router     *Router
	translator *Translator
	log        Logger

	mu        sync.Mutex
	endpoints map[int]*Endpoint
	configs   map[int]config.BrokerConfig
	closed    bool

	// newClient overrides the MQTT client constructor for endpoints this
	// manager starts; nil keeps the endpoint default. Injectable for tests.
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// NewManager builds a Manager; endpoints come up on the first Apply.
func NewManager(p ManagerParams) *Manager {
	return &Manager{
		params:     p,
		router:     NewRouter(p.RouteMode),
		translator: NewTranslator(p.NodeName, p.PublicKey),
		log:        p.Log,
		endpoints:  make(map[int]*Endpoint),
		configs:    make(map[int]config.BrokerConfig),
	}
}

// Apply reconciles the running endpoint set against the desired broker
// configuration. Unchanged endpoints keep running; changed ones are torn
// down gracefully and restarted; removed or disabled ones are torn down.
// A slot parked in StateFailed is restarted only when its configuration
// actually changed.
func (m *Manager) Apply(ctx context.Context, brokers []config.BrokerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	desired := make(map[int]config.BrokerConfig, len(brokers))
	for _, b := range brokers {
		if !b.Enabled {
			continue
		}
		if b.IsLetsMesh() && !b.RegionConfigured() {
			m.log.Warn("endpoint kept offline: placeholder region code",
				"endpoint", b.Name(),
				"server", b.Server,
			)
			continue
		}
		desired[b.Slot] = b
	}

	for slot, ep := range m.endpoints {
		cfg, want := desired[slot]
		if want && cfg == m.configs[slot] {
			continue
		}
		m.log.Info("stopping endpoint", "endpoint", m.configs[slot].Name())
		ep.Stop(shutdownGrace + time.Second)
		delete(m.endpoints, slot)
		delete(m.configs, slot)
	}

	for slot, cfg := range desired {
		if _, running := m.endpoints[slot]; running {
			continue
		}
		ep := newEndpoint(cfg, EndpointParams{
			NodeName:   m.params.NodeName,
			PublicKey:  m.params.PublicKey,
			QueueSize:  m.params.QueueSize,
			DedupWin:   m.params.DedupWin,
			DedupMax:   m.params.DedupMax,
			Tokens:     m.params.Tokens,
			Translator: m.translator,
			Log:        m.log,
		})
		if m.newClient != nil {
			ep.newClient = m.newClient
		}
		m.endpoints[slot] = ep
		m.configs[slot] = cfg
		m.log.Info("starting endpoint",
			"endpoint", cfg.Name(),
			"server", cfg.Server,
			"auth", authModeName(cfg),
		)
		ep.Start(ctx)
	}
}

// Publish routes one event and fans it out to every live endpoint without
// blocking. The archive and telemetry hooks fire once per routed
// packet-shaped event regardless of how many endpoints accept it.
func (m *Manager) Publish(ctx context.Context, env mesh.RawEventEnvelope) {
	if !m.router.Route(env) {
		return
	}

	if env.IsPacket() && (m.params.Archiver != nil || m.params.Recorder != nil) {
		if pkt, err := m.translator.Normalize(env); err == nil && pkt != nil {
			if m.params.Archiver != nil {
				if err := m.params.Archiver.Record(ctx, pkt); err != nil {
					m.log.Warn("packet archive write failed", "error", err)
				}
			}
			if m.params.Recorder != nil {
				m.params.Recorder.RecordSignal(ctx, pkt)
			}
		}
	}

	m.mu.Lock()
	eps := make([]*Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		eps = append(eps, ep)
	}
	m.mu.Unlock()

	for _, ep := range eps {
		ep.Offer(env)
	}
}

// Status reports the tri-state link status for every broker slot,
// including slots with no endpoint (disabled).
func (m *Manager) Status() map[int]LinkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int]LinkStatus, config.MaxBrokers)
	for slot := 1; slot <= config.MaxBrokers; slot++ {
		if ep, ok := m.endpoints[slot]; ok {
			out[slot] = ep.LinkStatus()
		} else {
			out[slot] = LinkDisabled
		}
	}
	return out
}

// Aggregate collapses per-slot status into one signal for the host:
// connected when every enabled endpoint is connected, disabled when none
// are enabled, degraded otherwise.
func (m *Manager) Aggregate() LinkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.endpoints) == 0 {
		return LinkDisabled
	}
	for _, ep := range m.endpoints {
		if ep.LinkStatus() != LinkConnected {
			return LinkDegraded
		}
	}
	return LinkConnected
}

// Diagnostics inspects the broker configuration before startup and
// returns one finding per slot. Auth resolvability is checked once via the
// shared token source, since every token-mode endpoint depends on the same
// node key.
func (m *Manager) Diagnostics(ctx context.Context, brokers []config.BrokerConfig) map[int]string {
	bySlot := make(map[int]config.BrokerConfig, len(brokers))
	for _, b := range brokers {
		bySlot[b.Slot] = b
	}

	var keyErr error
	keyChecked := false

	out := make(map[int]string, config.MaxBrokers)
	for slot := 1; slot <= config.MaxBrokers; slot++ {
		cfg, ok := bySlot[slot]
		switch {
		case !ok || !cfg.Enabled:
			out[slot] = DiagDisabled
		case cfg.IsLetsMesh() && !cfg.RegionConfigured():
			out[slot] = DiagDisabled
		case strings.TrimSpace(cfg.Server) == "":
			out[slot] = DiagMissingAddress
		case cfg.UseAuthToken:
			if !keyChecked {
				keyErr = m.params.Tokens.ResolveKey(ctx)
				keyChecked = true
			}
			if keyErr != nil {
				out[slot] = DiagAuthUnresolvable
			} else {
				out[slot] = DiagNominal
			}
		default:
			out[slot] = DiagNominal
		}
	}
	return out
}

// Dropped returns the total number of events dropped across endpoints.
func (m *Manager) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total uint64
	for _, ep := range m.endpoints {
		total += ep.Dropped()
	}
	return total
}

// Close tears down every endpoint, waiting up to grace for each to drain
// and publish its offline status.
func (m *Manager) Close(grace time.Duration) {
	m.mu.Lock()
	m.closed = true
	eps := m.endpoints
	m.endpoints = make(map[int]*Endpoint)
	m.configs = make(map[int]config.BrokerConfig)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, ep := range eps {
		wg.Add(1)
		go func(ep *Endpoint) {
			defer wg.Done()
			ep.Stop(grace)
		}(ep)
	}
	wg.Wait()
}

func authModeName(cfg config.BrokerConfig) string {
	switch {
	case cfg.UseAuthToken:
		return "token"
	case cfg.Username != "":
		return "password"
	default:
		return "anonymous"
	}
}
