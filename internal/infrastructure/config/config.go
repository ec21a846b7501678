package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxBrokers is the number of configurable broker slots.
const MaxBrokers = 4

// Payload modes for a broker slot.
const (
	PayloadModeNormalized = "normalized"
	PayloadModeRaw        = "raw"
)

// Uploader routing modes.
const (
	RouteModeFiltered = "filtered"
	RouteModeFirehose = "firehose"
)

// Config is the root configuration structure for meshuplink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Node      NodeConfig           `yaml:"node"`
	Uploader  UploaderConfig       `yaml:"uploader"`
	Brokers   map[int]BrokerConfig `yaml:"brokers"`
	Archive   ArchiveConfig        `yaml:"archive"`
	Telemetry TelemetryConfig      `yaml:"telemetry"`
	Logging   LoggingConfig        `yaml:"logging"`
}

// NodeConfig identifies the local mesh-radio node and its key material.
type NodeConfig struct {
	// Name is the human-readable node name used in origin fields.
	Name string `yaml:"name"`

	// PublicKey is the node's 64-hex-char Ed25519 public key.
	PublicKey string `yaml:"public_key"`

	// PrivateKey is the node's 128-hex-char expanded Ed25519 private key.
	// If empty, the key is requested from the device on demand.
	PrivateKey string `yaml:"private_key"`

	// IATA is the deployment's region code, embedded in topic paths.
	IATA string `yaml:"iata"`

	// DecoderCmd is the external signer command tried before the
	// in-process signer. Empty disables the external signer path.
	DecoderCmd string `yaml:"decoder_cmd"`

	// TokenTTLSeconds is the default auth token lifetime.
	TokenTTLSeconds int `yaml:"token_ttl_seconds"`

	// StreamAddr is where the device-layer event stream is consumed from:
	// "stdin" or a host:port TCP address emitting NDJSON envelopes.
	StreamAddr string `yaml:"stream_addr"`
}

// UploaderConfig contains event routing and fan-out settings.
type UploaderConfig struct {
	// Mode selects the relevance filter: "filtered" (default) or "firehose".
	Mode string `yaml:"mode"`

	// QueueSize is the bounded per-endpoint publish queue length.
	QueueSize int `yaml:"queue_size"`

	// DedupWindowSeconds is how long a packet hash suppresses re-publication.
	DedupWindowSeconds int `yaml:"dedup_window_seconds"`

	// DedupMaxEntries bounds each endpoint's dedup cache.
	DedupMaxEntries int `yaml:"dedup_max_entries"`
}

// BrokerConfig contains the settings for one MQTT broker slot.
// Immutable once loaded; replaced wholesale on reconfiguration.
type BrokerConfig struct {
	Slot           int    `yaml:"-"`
	Enabled        bool   `yaml:"enabled"`
	Server         string `yaml:"server"`
	Port           int    `yaml:"port"`
	Transport      string `yaml:"transport"`
	UseTLS         bool   `yaml:"use_tls"`
	TLSVerify      bool   `yaml:"tls_verify"`
	Keepalive      int    `yaml:"keepalive"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	UseAuthToken   bool   `yaml:"use_auth_token"`
	TokenAudience  string `yaml:"token_audience"`
	TokenOwner     string `yaml:"token_owner"`
	TokenEmail     string `yaml:"token_email"`
	ClientIDPrefix string `yaml:"client_id_prefix"`
	TopicStatus    string `yaml:"topic_status"`
	TopicPackets   string `yaml:"topic_events"`
	IATA           string `yaml:"iata"`
	PayloadMode    string `yaml:"payload_mode"`
}

// Name returns the broker's diagnostic label, e.g. "MQTT2".
func (b BrokerConfig) Name() string {
	return fmt.Sprintf("MQTT%d", b.Slot)
}

// RegionConfigured reports whether the broker carries a real region code
// rather than the "LOC" placeholder. LetsMesh-class consumers reject
// placeholder regions, so such endpoints are kept offline until a region
// is configured.
func (b BrokerConfig) RegionConfigured() bool {
	iata := strings.ToUpper(strings.TrimSpace(b.IATA))
	return iata != "" && iata != "LOC"
}

// IsLetsMesh reports whether the broker targets a LetsMesh-class consumer,
// which carries extra topic and region-code expectations.
func (b BrokerConfig) IsLetsMesh() bool {
	host := strings.ToLower(b.Server)
	aud := strings.ToLower(b.TokenAudience)
	return strings.Contains(host, "letsmesh.net") || strings.Contains(aud, "letsmesh.net")
}

// ArchiveConfig contains the optional SQLite packet archive settings.
type ArchiveConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	WALMode       bool   `yaml:"wal_mode"`
	BusyTimeout   int    `yaml:"busy_timeout"`
	RetentionDays int    `yaml:"retention_days"`
}

// TelemetryConfig contains the optional InfluxDB signal-metrics settings.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file, applies environment variable
// overrides, and validates the result.
//
// Environment variables follow the pattern MESHUPLINK_SECTION_KEY, with
// per-broker overrides MESHUPLINK_MQTT{1..4}_KEY.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Name:            "meshcore",
			IATA:            "LOC",
			DecoderCmd:      "meshcore-decoder",
			TokenTTLSeconds: 3600,
			StreamAddr:      "stdin",
		},
		Uploader: UploaderConfig{
			Mode:               RouteModeFiltered,
			QueueSize:          64,
			DedupWindowSeconds: 30,
			DedupMaxEntries:    512,
		},
		Brokers: map[int]BrokerConfig{},
		Archive: ArchiveConfig{
			Path:          "./data/meshuplink.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 7,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// normalize fills per-broker derived fields and slot defaults after load.
func (c *Config) normalize() {
	c.Node.PublicKey = strings.ToUpper(strings.TrimSpace(c.Node.PublicKey))
	c.Node.PrivateKey = strings.TrimSpace(c.Node.PrivateKey)
	c.Node.IATA = strings.ToUpper(strings.TrimSpace(c.Node.IATA))
	if c.Node.IATA == "" {
		c.Node.IATA = "LOC"
	}

	for slot := 1; slot <= MaxBrokers; slot++ {
		b, ok := c.Brokers[slot]
		if !ok {
			continue
		}
		b.Slot = slot
		if b.Port == 0 {
			b.Port = 1883
		}
		if b.Transport == "" {
			b.Transport = "tcp"
		}
		b.Transport = strings.ToLower(strings.TrimSpace(b.Transport))
		if b.Keepalive == 0 {
			b.Keepalive = 60
		}
		if b.ClientIDPrefix == "" {
			b.ClientIDPrefix = "meshcore_"
		}
		if b.TopicStatus == "" {
			b.TopicStatus = "meshcore/{IATA}/{PUBLIC_KEY}/status"
		}
		if b.TopicPackets == "" {
			b.TopicPackets = "meshcore/{IATA}/{PUBLIC_KEY}/packets"
		}
		if b.PayloadMode == "" {
			b.PayloadMode = PayloadModeNormalized
		}
		b.IATA = strings.ToUpper(strings.TrimSpace(b.IATA))
		if b.IATA == "" || b.IATA == "LOC" {
			b.IATA = c.Node.IATA
		}
		c.Brokers[slot] = b
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Node
	if v := os.Getenv("MESHUPLINK_NODE_NAME"); v != "" {
		cfg.Node.Name = v
	}
	if v := os.Getenv("MESHUPLINK_NODE_PUBLIC_KEY"); v != "" {
		cfg.Node.PublicKey = v
	}
	if v := os.Getenv("MESHUPLINK_NODE_PRIVATE_KEY"); v != "" {
		cfg.Node.PrivateKey = v
	}
	if v := os.Getenv("MESHUPLINK_NODE_IATA"); v != "" {
		cfg.Node.IATA = v
	}
	if v := os.Getenv("MESHUPLINK_NODE_DECODER_CMD"); v != "" {
		cfg.Node.DecoderCmd = v
	}
	if v := os.Getenv("MESHUPLINK_NODE_TOKEN_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Node.TokenTTLSeconds = n
		}
	}

	// Uploader
	if v := os.Getenv("MESHUPLINK_UPLOADER_MODE"); v != "" {
		cfg.Uploader.Mode = v
	}

	// Telemetry
	if v := os.Getenv("MESHUPLINK_TELEMETRY_TOKEN"); v != "" {
		cfg.Telemetry.Token = v
	}

	// Per-broker slots
	for slot := 1; slot <= MaxBrokers; slot++ {
		applyBrokerEnvOverrides(cfg, slot)
	}
}

// applyBrokerEnvOverrides applies MESHUPLINK_MQTT{n}_* overrides for one slot.
// A slot absent from YAML can be introduced entirely via environment.
func applyBrokerEnvOverrides(cfg *Config, slot int) {
	prefix := fmt.Sprintf("MESHUPLINK_MQTT%d_", slot)
	get := func(key string) string { return os.Getenv(prefix + key) }

	b, present := cfg.Brokers[slot]
	touched := present

	if v := get("ENABLED"); v != "" {
		b.Enabled = asBool(v)
		touched = true
	}
	if v := get("SERVER"); v != "" {
		b.Server = v
		touched = true
	}
	if v := get("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			b.Port = n
		}
	}
	if v := get("TRANSPORT"); v != "" {
		b.Transport = v
	}
	if v := get("USE_TLS"); v != "" {
		b.UseTLS = asBool(v)
	}
	if v := get("TLS_VERIFY"); v != "" {
		b.TLSVerify = asBool(v)
	}
	if v := get("KEEPALIVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			b.Keepalive = n
		}
	}
	if v := get("USERNAME"); v != "" {
		b.Username = v
	}
	if v := get("PASSWORD"); v != "" {
		b.Password = v
	}
	if v := get("USE_AUTH_TOKEN"); v != "" {
		b.UseAuthToken = asBool(v)
	}
	if v := get("TOKEN_AUDIENCE"); v != "" {
		b.TokenAudience = v
	}
	if v := get("CLIENT_ID_PREFIX"); v != "" {
		b.ClientIDPrefix = v
	}
	if v := get("TOPIC_STATUS"); v != "" {
		b.TopicStatus = v
	}
	if v := get("TOPIC_EVENTS"); v != "" {
		b.TopicPackets = v
	}
	if v := get("IATA"); v != "" {
		b.IATA = v
	}
	if v := get("PAYLOAD_MODE"); v != "" {
		b.PayloadMode = v
	}

	if touched {
		cfg.Brokers[slot] = b
	}
}

// asBool converts string-ish env values to bool.
func asBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Node.Name == "" {
		errs = append(errs, "node.name is required")
	}
	if c.Node.PublicKey != "" && !isHex(c.Node.PublicKey, 64) {
		errs = append(errs, "node.public_key must be 64 hex characters")
	}
	if c.Node.PrivateKey != "" && !isHex(c.Node.PrivateKey, 128) {
		errs = append(errs, "node.private_key must be 128 hex characters")
	}
	if c.Node.TokenTTLSeconds <= 0 {
		errs = append(errs, "node.token_ttl_seconds must be positive")
	}

	switch c.Uploader.Mode {
	case RouteModeFiltered, RouteModeFirehose:
	default:
		errs = append(errs, "uploader.mode must be filtered or firehose")
	}
	if c.Uploader.QueueSize < 1 {
		errs = append(errs, "uploader.queue_size must be at least 1")
	}

	for slot, b := range c.Brokers {
		if slot < 1 || slot > MaxBrokers {
			errs = append(errs, fmt.Sprintf("brokers: slot %d out of range 1-%d", slot, MaxBrokers))
			continue
		}
		if !b.Enabled {
			continue
		}
		if b.Port < 1 || b.Port > 65535 {
			errs = append(errs, fmt.Sprintf("brokers.%d.port must be between 1 and 65535", slot))
		}
		switch b.Transport {
		case "tcp", "websockets":
		default:
			errs = append(errs, fmt.Sprintf("brokers.%d.transport must be tcp or websockets", slot))
		}
		switch b.PayloadMode {
		case PayloadModeNormalized, PayloadModeRaw:
		default:
			errs = append(errs, fmt.Sprintf("brokers.%d.payload_mode must be normalized or raw", slot))
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.URL == "" {
		errs = append(errs, "telemetry.url is required when telemetry is enabled")
	}
	if c.Archive.Enabled && c.Archive.Path == "" {
		errs = append(errs, "archive.path is required when archive is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// isHex reports whether s is exactly n hex characters.
func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// DedupWindow returns the dedup window as a Duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Uploader.DedupWindowSeconds) * time.Second
}

// TokenTTL returns the default token lifetime as a Duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Node.TokenTTLSeconds) * time.Second
}

// AllBrokers returns every configured broker slot ordered by slot,
// enabled or not. Used for startup diagnostics.
func (c *Config) AllBrokers() []BrokerConfig {
	out := make([]BrokerConfig, 0, MaxBrokers)
	for slot := 1; slot <= MaxBrokers; slot++ {
		if b, ok := c.Brokers[slot]; ok {
			out = append(out, b)
		}
	}
	return out
}

// EnabledBrokers returns the enabled broker configs ordered by slot.
func (c *Config) EnabledBrokers() []BrokerConfig {
	out := make([]BrokerConfig, 0, MaxBrokers)
	for slot := 1; slot <= MaxBrokers; slot++ {
		if b, ok := c.Brokers[slot]; ok && b.Enabled {
			out = append(out, b)
		}
	}
	return out
}
