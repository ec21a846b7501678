package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/meshcore-dev/meshuplink/internal/uplink"
)

// Storage constants.
const (
	// dirPermissions is the permission mode for the archive directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the archive file.
	filePermissions = 0600

	// msPerSecond converts seconds to milliseconds.
	msPerSecond = 1000

	// connectionTimeout is the timeout for verifying connectivity.
	connectionTimeout = 5 * time.Second
)

// schema is applied on every open; idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS packets (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	hash        TEXT    NOT NULL,
	direction   TEXT    NOT NULL,
	packet_type INTEGER NOT NULL,
	frame_len   INTEGER NOT NULL,
	payload_len INTEGER NOT NULL,
	snr         REAL    NOT NULL,
	rssi        REAL    NOT NULL,
	raw_hex     TEXT    NOT NULL,
	received_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_packets_received_at ON packets(received_at);
CREATE INDEX IF NOT EXISTS idx_packets_hash ON packets(hash);
`

// Config contains archive storage options. These map to the archive
// section of config.yaml.
type Config struct {
	// Path is the filesystem path to the SQLite archive file.
	// The directory will be created if it doesn't exist.
	Path string

	// WALMode enables Write-Ahead Logging for concurrent reads.
	WALMode bool

	// BusyTimeout is the maximum time to wait for a lock (seconds).
	BusyTimeout int

	// RetentionDays is how long packet rows are kept. Zero disables
	// the periodic sweep.
	RetentionDays int
}

// Logger is the logging surface the archive needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Store is a packet archive backed by a single SQLite file.
// Safe for concurrent use; SQLite serializes the single writer.
type Store struct {
	db        *sql.DB
	path      string
	retention time.Duration
	log       Logger

	mu         sync.Mutex
	insertStmt *sql.Stmt
}

// Open creates the archive file, applies the schema, and prepares the
// insert path.
func Open(cfg Config, log Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d", cfg.Path, cfg.BusyTimeout*msPerSecond)
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying archive connection: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("applying archive schema: %w", err)
	}

	insertStmt, err := db.Prepare(`
		INSERT INTO packets (hash, direction, packet_type, frame_len, payload_len, snr, rssi, raw_hex, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("preparing packet insert: %w", err)
	}

	// Owner read/write only. File might not exist until the first write.
	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // Intentional: first run creates file later

	return &Store{
		db:         db,
		path:       cfg.Path,
		retention:  time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		log:        log,
		insertStmt: insertStmt,
	}, nil
}

// Record writes one normalized packet row.
func (s *Store) Record(ctx context.Context, pkt *uplink.NormalizedPacket) error {
	s.mu.Lock()
	stmt := s.insertStmt
	s.mu.Unlock()
	if stmt == nil {
		return fmt.Errorf("archive is closed")
	}

	_, err := stmt.ExecContext(ctx,
		pkt.Hash,
		pkt.Direction,
		pkt.PacketType,
		pkt.Length,
		pkt.PayloadLen,
		pkt.SNR,
		pkt.RSSI,
		pkt.Raw,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording packet: %w", err)
	}
	return nil
}

// Prune deletes rows received before the cutoff, returning how many were
// removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM packets WHERE received_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning archive: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned rows: %w", err)
	}
	return removed, nil
}

// Sweep runs the retention sweep on the configured interval until the
// context is cancelled. A zero retention disables sweeping entirely.
func (s *Store) Sweep(ctx context.Context, interval time.Duration) {
	if s.retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Prune(ctx, time.Now().Add(-s.retention))
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("archive retention sweep failed", "error", err)
				}
				continue
			}
			if removed > 0 {
				s.log.Debug("archive retention sweep", "removed", removed)
			}
		}
	}
}

// Count returns the number of archived packets.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting archived packets: %w", err)
	}
	return n, nil
}

// Path returns the filesystem path to the archive file.
func (s *Store) Path() string {
	return s.path
}

// Close releases the prepared statement and the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.insertStmt != nil {
		s.insertStmt.Close() //nolint:errcheck // Statement close failure is not actionable
		s.insertStmt = nil
	}
	s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return nil
}
