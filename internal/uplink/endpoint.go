package uplink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/meshcore-dev/meshuplink/internal/infrastructure/config"
	"github.com/meshcore-dev/meshuplink/internal/mesh"
	"github.com/meshcore-dev/meshuplink/internal/token"
)

// Connection constants.
const (
	// publishQoS is fixed at 0 (at most once), matching the external
	// ecosystem's expectation. Not user-configurable.
	publishQoS = 0

	// connectTimeout is the maximum time for one transport connect.
	connectTimeout = 10 * time.Second

	// publishTimeout is the maximum time to wait for a publish token.
	publishTimeout = 5 * time.Second

	// initialBackoff and maxBackoff bound the reconnect delay.
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second

	// maxConfigFailures is how many consecutive terminal configuration
	// errors park the endpoint in StateFailed.
	maxConfigFailures = 5

	// shutdownGrace is how long a closing endpoint may keep draining
	// its queue before being forced closed.
	shutdownGrace = 2 * time.Second

	// disconnectQuiesce is passed to paho on graceful disconnect.
	disconnectQuiesce = 250 * time.Millisecond
)

// State is the connection state of one endpoint. Owned exclusively by its
// Endpoint; other components observe it via State()/LinkStatus().
type State int

// Endpoint connection states.
const (
	StateDisabled State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateBackoff
	StateFailed
)

// String returns the state name for logs and diagnostics.
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LinkStatus is the tri-state connectivity signal reported back to the
// host platform.
type LinkStatus string

// Link statuses.
const (
	LinkConnected LinkStatus = "connected"
	LinkDegraded  LinkStatus = "degraded"
	LinkDisabled  LinkStatus = "disabled"
)

// TokenSource issues and invalidates auth tokens. Implemented by
// token.Issuer; narrowed here so tests can substitute their own.
type TokenSource interface {
	Issue(ctx context.Context, audience string, extra token.ExtraClaims) (token.Token, error)
	Invalidate(audience string, extra token.ExtraClaims)
	ResolveKey(ctx context.Context) error
}

// Logger is the logging surface the uplink package needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// EndpointParams carries the shared collaborators an Endpoint needs.
type EndpointParams struct {
	NodeName   string
	PublicKey  string
	QueueSize  int
	DedupWin   time.Duration
	DedupMax   int
	Tokens     TokenSource
	Translator *Translator
	Log        Logger
}

// Endpoint owns one broker connection: transport, auth, topics, backoff,
// bounded publish queue. It runs as a single goroutine; no connection or
// channel handle is ever shared with another endpoint.
type Endpoint struct {
	cfg        config.BrokerConfig
	nodeName   string
	topics     topicSet
	status     statusPublisher
	translator *Translator
	dedup      *DedupCache
	tokens     TokenSource
	log        Logger

	queue   chan mesh.RawEventEnvelope
	dropped atomic.Uint64

	mu    sync.RWMutex
	state State

	cancel context.CancelFunc
	done   chan struct{}

	// backoffMin/backoffMax bound the reconnect delay; injectable for
	// tests alongside newClient.
	backoffMin time.Duration
	backoffMax time.Duration
	newClient  func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// newEndpoint builds an Endpoint for one broker slot. Call Start to begin
// connecting.
func newEndpoint(cfg config.BrokerConfig, p EndpointParams) *Endpoint {
	topics := buildTopics(cfg, p.PublicKey)
	originID := strings.ToUpper(p.PublicKey)
	if originID == "" {
		originID = "DEVICE"
	}
	return &Endpoint{
		cfg:        cfg,
		nodeName:   p.NodeName,
		topics:     topics,
		status:     statusPublisher{origin: p.NodeName, originID: originID, topic: topics.status},
		translator: p.Translator,
		dedup:      NewDedupCache(p.DedupWin, p.DedupMax),
		tokens:     p.Tokens,
		log:        p.Log,
		queue:      make(chan mesh.RawEventEnvelope, max(p.QueueSize, 1)),
		state:      StateDisabled,
		done:       make(chan struct{}),
		backoffMin: initialBackoff,
		backoffMax: maxBackoff,
		newClient:  pahomqtt.NewClient,
	}
}

// Start launches the endpoint's connection loop.
func (e *Endpoint) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go e.run(ctx)
}

// Stop signals the endpoint to drain and close, waiting up to grace for
// the loop to exit before giving up on it.
func (e *Endpoint) Stop(grace time.Duration) {
	if e.cancel != nil {
		e.cancel()
	}
	select {
	case <-e.done:
	case <-time.After(grace):
		e.log.Warn("endpoint did not stop within grace period")
	}
}

// Offer enqueues an event without blocking. Events are dropped (debug log,
// no error to the caller) when the queue is full or the endpoint is not
// connected or attempting to connect; stale data is never held for later.
func (e *Endpoint) Offer(env mesh.RawEventEnvelope) bool {
	switch e.State() {
	case StateConnecting, StateAuthenticating, StateConnected:
	default:
		return false
	}

	select {
	case e.queue <- env:
		return true
	default:
		e.dropped.Add(1)
		e.log.Debug("event dropped", "reason", ErrQueueFull.Error(), "queue_cap", cap(e.queue))
		return false
	}
}

// State returns the current connection state.
func (e *Endpoint) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// LinkStatus maps the internal state onto the external tri-state signal.
func (e *Endpoint) LinkStatus() LinkStatus {
	switch e.State() {
	case StateConnected:
		return LinkConnected
	case StateDisabled:
		return LinkDisabled
	default:
		return LinkDegraded
	}
}

// Dropped returns how many events this endpoint has dropped.
func (e *Endpoint) Dropped() uint64 {
	return e.dropped.Load()
}

func (e *Endpoint) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// run is the endpoint's connection loop. Exits on context cancellation or
// on a terminal condition (Failed).
func (e *Endpoint) run(ctx context.Context) {
	defer close(e.done)

	backoff := e.backoffMin
	configFailures := 0

	for {
		if ctx.Err() != nil {
			e.setState(StateDisabled)
			return
		}

		e.setState(StateConnecting)
		lost := make(chan error, 1)
		opts, err := e.buildOptions(ctx, lost)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrKeyResolution):
				e.log.Error("auth unresolvable, endpoint parked until reconfiguration", "error", err)
				e.setState(StateFailed)
				return
			case errors.Is(err, ErrConfig):
				configFailures++
				e.log.Error("endpoint configuration error",
					"error", err,
					"consecutive", configFailures,
				)
				if configFailures >= maxConfigFailures {
					e.setState(StateFailed)
					return
				}
			default:
				e.log.Warn("connection setup failed", "error", err)
			}
			e.setState(StateBackoff)
			if !e.sleep(ctx, backoff) {
				e.setState(StateDisabled)
				return
			}
			backoff = e.nextBackoff(backoff)
			continue
		}
		configFailures = 0

		client := e.newClient(opts)
		if err := waitConnect(client); err != nil {
			if isAuthRejection(err) {
				e.log.Warn("broker rejected authentication, forcing token reissue",
					"error", fmt.Errorf("%w: %w", ErrAuthRejected, err),
				)
				if e.cfg.UseAuthToken {
					e.tokens.Invalidate(e.cfg.TokenAudience, e.extraClaims())
				}
			} else {
				e.log.Warn("connect failed", "error", fmt.Errorf("%w: %w", ErrTransport, err))
			}
			client.Disconnect(0)
			e.discardQueue()
			e.setState(StateBackoff)
			if !e.sleep(ctx, backoff) {
				e.setState(StateDisabled)
				return
			}
			backoff = e.nextBackoff(backoff)
			continue
		}

		backoff = e.backoffMin
		e.setState(StateConnected)
		e.log.Info("connected",
			"server", e.cfg.Server,
			"port", e.cfg.Port,
			"status_topic", e.topics.status,
			"packets_topic", e.topics.packets,
		)
		e.publishStatus(client, statusOnline)

		lostErr := e.drain(ctx, client, lost)
		if ctx.Err() != nil {
			// Graceful teardown: retained offline status, then close.
			e.publishStatus(client, statusOffline)
			client.Disconnect(uint(disconnectQuiesce / time.Millisecond))
			e.setState(StateDisabled)
			return
		}

		e.log.Warn("connection lost", "error", lostErr)
		client.Disconnect(0)
		e.discardQueue()
		e.setState(StateBackoff)
		if !e.sleep(ctx, backoff) {
			e.setState(StateDisabled)
			return
		}
		backoff = e.nextBackoff(backoff)
	}
}

// buildOptions assembles paho options for one connect attempt. Token-mode
// endpoints resolve a fresh-enough token here (Authenticating).
func (e *Endpoint) buildOptions(ctx context.Context, lost chan error) (*pahomqtt.ClientOptions, error) {
	if strings.TrimSpace(e.cfg.Server) == "" {
		return nil, fmt.Errorf("%w: missing broker address", ErrConfig)
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg))
	opts.SetClientID(clientIDFor(e.cfg, e.nodeName))
	opts.SetCleanSession(true)
	// The endpoint owns its own retry loop; paho must not race it.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(time.Duration(e.cfg.Keepalive) * time.Second)

	if e.cfg.UseAuthToken {
		e.setState(StateAuthenticating)
		tok, err := e.tokens.Issue(ctx, e.cfg.TokenAudience, e.extraClaims())
		if err != nil {
			return nil, err
		}
		opts.SetUsername("v1_" + e.status.originID)
		opts.SetPassword(tok.Value)
	} else if e.cfg.Username != "" {
		opts.SetUsername(e.cfg.Username)
		opts.SetPassword(e.cfg.Password)
	}

	if e.cfg.UseTLS {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if !e.cfg.TLSVerify {
			tlsCfg.InsecureSkipVerify = true
			e.log.Warn("TLS verification disabled")
		}
		opts.SetTLSConfig(tlsCfg)
	}

	if e.topics.status != "" {
		opts.SetWill(e.topics.status, string(e.status.payload(statusOffline)), publishQoS, true)
	}

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})

	return opts, nil
}

// drain delivers queued events while connected. Returns the connection
// loss error, or ctx.Err() via the caller checking the context.
func (e *Endpoint) drain(ctx context.Context, client pahomqtt.Client, lost <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			e.flush(client)
			return ctx.Err()
		case err := <-lost:
			return err
		case env := <-e.queue:
			e.publishEvent(client, env)
		}
	}
}

// flush drains remaining queued events for a bounded grace period during
// shutdown, then gives up.
func (e *Endpoint) flush(client pahomqtt.Client) {
	deadline := time.After(shutdownGrace)
	for {
		select {
		case env := <-e.queue:
			e.publishEvent(client, env)
		case <-deadline:
			return
		default:
			return
		}
	}
}

// discardQueue empties the queue; events held while disconnected are stale
// by the time the connection returns.
func (e *Endpoint) discardQueue() {
	for {
		select {
		case <-e.queue:
		default:
			return
		}
	}
}

// publishEvent translates and publishes one event to the packets topic.
// Translation misses and duplicates are silent per-endpoint drops.
func (e *Endpoint) publishEvent(client pahomqtt.Client, env mesh.RawEventEnvelope) {
	if e.topics.packets == "" {
		return
	}

	payload, pkt, err := e.translator.Translate(env, e.cfg.PayloadMode)
	if err != nil {
		e.log.Warn("translation failed", "event", string(env.Kind), "error", err)
		return
	}
	if payload == nil {
		// Event does not map to this endpoint's payload mode.
		return
	}

	if env.IsPacket() {
		hash := ""
		if pkt != nil {
			hash = pkt.Hash
		} else if np, normErr := e.translator.Normalize(env); normErr == nil && np != nil {
			hash = np.Hash
		}
		if hash != "" && !e.dedup.ShouldPublish(hash) {
			e.log.Debug("duplicate packet suppressed", "hash", hash)
			return
		}
	}

	pubToken := client.Publish(e.topics.packets, publishQoS, false, payload)
	if !pubToken.WaitTimeout(publishTimeout) {
		e.log.Warn("publish timeout", "topic", e.topics.packets)
		return
	}
	if pubErr := pubToken.Error(); pubErr != nil {
		e.log.Warn("publish failed", "topic", e.topics.packets, "error", fmt.Errorf("%w: %w", ErrTransport, pubErr))
		return
	}
	e.log.Debug("packet published", "topic", e.topics.packets, "event", string(env.Kind))
}

// publishStatus publishes a retained presence payload.
func (e *Endpoint) publishStatus(client pahomqtt.Client, state string) {
	if e.topics.status == "" {
		return
	}
	pubToken := client.Publish(e.topics.status, publishQoS, true, e.status.payload(state))
	if !pubToken.WaitTimeout(publishTimeout) {
		e.log.Warn("status publish timeout", "state", state)
		return
	}
	if err := pubToken.Error(); err != nil {
		e.log.Warn("status publish failed", "state", state, "error", err)
		return
	}
	e.log.Debug("status published", "state", state, "topic", e.topics.status)
}

// extraClaims returns the endpoint's optional token claims.
func (e *Endpoint) extraClaims() token.ExtraClaims {
	return token.ExtraClaims{Owner: e.cfg.TokenOwner, Email: e.cfg.TokenEmail}
}

// sleep waits for the backoff delay, returning false when the context is
// cancelled first.
func (e *Endpoint) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// waitConnect runs one connect attempt with a timeout.
func waitConnect(client pahomqtt.Client) error {
	t := client.Connect()
	if !t.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect timeout after %v", connectTimeout)
	}
	return t.Error()
}

// nextBackoff doubles the delay up to the cap.
func (e *Endpoint) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > e.backoffMax {
		return e.backoffMax
	}
	return d
}

// isAuthRejection distinguishes a broker-side auth refusal from a generic
// transport failure.
func isAuthRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised) ||
		errors.Is(err, packets.ErrorRefusedIDRejected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not authorized") || strings.Contains(msg, "bad user name or password")
}
