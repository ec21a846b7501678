// MeshUplink - MeshCore event uploader
//
// This is the main entry point for the meshuplink relay. It consumes the
// device-layer event stream from a MeshCore node and uploads filtered,
// reshaped events to up to four independently configured MQTT endpoints,
// with optional local packet archiving and signal telemetry export.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshcore-dev/meshuplink/internal/archive"
	"github.com/meshcore-dev/meshuplink/internal/infrastructure/config"
	"github.com/meshcore-dev/meshuplink/internal/infrastructure/logging"
	"github.com/meshcore-dev/meshuplink/internal/mesh"
	"github.com/meshcore-dev/meshuplink/internal/telemetry"
	"github.com/meshcore-dev/meshuplink/internal/token"
	"github.com/meshcore-dev/meshuplink/internal/uplink"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownGrace bounds how long endpoints may drain on shutdown.
const shutdownGrace = 5 * time.Second

// archiveSweepInterval is how often the retention sweep runs.
const archiveSweepInterval = time.Hour

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting meshuplink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open packet archive (optional)
	var store *archive.Store
	if cfg.Archive.Enabled {
		store, err = archive.Open(archive.Config{
			Path:          cfg.Archive.Path,
			WALMode:       cfg.Archive.WALMode,
			BusyTimeout:   cfg.Archive.BusyTimeout,
			RetentionDays: cfg.Archive.RetentionDays,
		}, log.With("component", "archive"))
		if err != nil {
			return fmt.Errorf("opening packet archive: %w", err)
		}
		defer func() {
			log.Info("closing packet archive")
			if closeErr := store.Close(); closeErr != nil {
				log.Error("error closing packet archive", "error", closeErr)
			}
		}()
		go store.Sweep(ctx, archiveSweepInterval)
		log.Info("packet archive opened", "path", store.Path())
	} else {
		log.Info("packet archive disabled")
	}

	// Connect signal telemetry (optional)
	var signals *telemetry.Writer
	if cfg.Telemetry.Enabled {
		signals, err = telemetry.Connect(cfg.Telemetry, cfg.Node.Name)
		if err != nil {
			return fmt.Errorf("connecting telemetry: %w", err)
		}
		defer func() {
			log.Info("closing telemetry connection")
			if closeErr := signals.Close(); closeErr != nil {
				log.Error("error closing telemetry", "error", closeErr)
			}
		}()
		signals.SetOnError(func(err error) {
			log.Error("telemetry write error", "error", err)
		})
		log.Info("telemetry connected",
			"url", cfg.Telemetry.URL,
			"org", cfg.Telemetry.Org,
			"bucket", cfg.Telemetry.Bucket,
		)
	} else {
		log.Info("telemetry disabled")
	}

	// Token issuer, shared by every token-auth endpoint
	issuer := token.NewIssuer(token.Config{
		PublicKeyHex:  cfg.Node.PublicKey,
		PrivateKeyHex: cfg.Node.PrivateKey,
		DecoderCmd:    cfg.Node.DecoderCmd,
		TTL:           cfg.TokenTTL(),
		ClientID:      "meshuplink/" + version,
	}, nil, log)

	// Endpoint manager
	manager := uplink.NewManager(uplink.ManagerParams{
		NodeName:  cfg.Node.Name,
		PublicKey: cfg.Node.PublicKey,
		RouteMode: cfg.Uploader.Mode,
		QueueSize: cfg.Uploader.QueueSize,
		DedupWin:  cfg.DedupWindow(),
		DedupMax:  cfg.Uploader.DedupMaxEntries,
		Tokens:    issuer,
		Log:       log,
		Archiver:  archiverOrNil(store),
		Recorder:  recorderOrNil(signals),
	})
	defer func() {
		log.Info("stopping endpoints")
		manager.Close(shutdownGrace)
	}()

	brokers := cfg.EnabledBrokers()
	for slot, diag := range manager.Diagnostics(ctx, cfg.AllBrokers()) {
		log.Info("endpoint diagnostic", "endpoint", fmt.Sprintf("MQTT%d", slot), "finding", diag)
	}
	manager.Apply(ctx, brokers)
	log.Info("endpoints started", "enabled", len(brokers), "mode", cfg.Uploader.Mode)

	// Open the device event stream
	source, closeSource, err := openStream(cfg.Node.StreamAddr)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer closeSource()
	log.Info("event stream open", "source", cfg.Node.StreamAddr)

	reader := mesh.NewStreamReader(source, func(env mesh.RawEventEnvelope) {
		manager.Publish(ctx, env)
	})

	log.Info("initialisation complete, relaying events")

	if err := reader.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream failed: %w", err)
	}
	if reader.Dropped > 0 {
		log.Warn("malformed stream lines skipped", "count", reader.Dropped)
	}
	if dropped := manager.Dropped(); dropped > 0 {
		log.Warn("events dropped at endpoint queues", "count", dropped)
	}

	log.Info("meshuplink stopped")
	return nil
}

// openStream connects the device-layer event source: stdin or a TCP
// address emitting NDJSON envelopes.
func openStream(addr string) (io.Reader, func(), error) {
	if addr == "" || addr == "stdin" {
		return os.Stdin, func() {}, nil
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return conn, func() { conn.Close() }, nil //nolint:errcheck // Best effort close on shutdown
}

// archiverOrNil avoids handing the manager a typed-nil interface.
func archiverOrNil(store *archive.Store) uplink.Archiver {
	if store == nil {
		return nil
	}
	return store
}

func recorderOrNil(w *telemetry.Writer) uplink.SignalRecorder {
	if w == nil {
		return nil
	}
	return w
}

// getConfigPath returns the configuration file path.
// Uses MESHUPLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MESHUPLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
