package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/meshcore-dev/meshuplink/internal/infrastructure/config"
	"github.com/meshcore-dev/meshuplink/internal/uplink"
)

// Default timeouts and batching parameters.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10

	// millisecondsPerSecond converts seconds to milliseconds for the
	// InfluxDB API.
	millisecondsPerSecond = 1000
)

// Writer exports signal measurements to InfluxDB v2.
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched; async write failures surface via the SetOnError callback.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	node     string

	connected bool
	mu        sync.RWMutex

	onError func(err error)
}

// Connect establishes the InfluxDB connection and verifies it with a
// ping before returning a usable Writer.
func Connect(cfg config.TelemetryConfig, nodeName string) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	// #nosec G115 -- values validated above to be positive
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	w := &Writer{
		client:    client,
		writeAPI:  writeAPI,
		node:      nodeName,
		connected: true,
	}

	go w.handleWriteErrors(writeAPI.Errors())

	return w, nil
}

// handleWriteErrors forwards async write errors to the callback.
func (w *Writer) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		w.mu.RLock()
		callback := w.onError
		w.mu.RUnlock()

		if callback != nil {
			callback(err)
		}
	}
}

// RecordSignal writes one packet's reception quality: SNR and RSSI tagged
// by node, direction, and packet type. The packet hash is recorded as a
// field so bursts of the same packet remain distinguishable without
// exploding tag cardinality.
func (w *Writer) RecordSignal(_ context.Context, pkt *uplink.NormalizedPacket) {
	if !w.IsConnected() {
		return
	}

	point := write.NewPoint(
		"packet_signal",
		map[string]string{
			"node":        w.node,
			"direction":   pkt.Direction,
			"packet_type": fmt.Sprintf("%d", pkt.PacketType),
		},
		map[string]interface{}{
			"snr":         pkt.SNR,
			"rssi":        pkt.RSSI,
			"frame_len":   pkt.Length,
			"payload_len": pkt.PayloadLen,
			"hash":        pkt.Hash,
		},
		time.Now(),
	)

	w.writeAPI.WritePoint(point)
}

// HealthCheck verifies the InfluxDB connection with an active ping.
func (w *Writer) HealthCheck(ctx context.Context) error {
	if !w.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := w.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("telemetry health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("telemetry health check failed: server not healthy")
	}

	return nil
}

// IsConnected returns the last known connection state.
func (w *Writer) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// SetOnError sets the callback invoked on async write failures.
func (w *Writer) SetOnError(callback func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = callback
}

// Close flushes pending writes and shuts the client down.
func (w *Writer) Close() error {
	if w.client == nil {
		return nil
	}

	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()

	w.writeAPI.Flush()
	w.client.Close()

	return nil
}
