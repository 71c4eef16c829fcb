// Package config loads opwarden's configuration from YAML, .env files and
// OPWARDEN_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/opwarden/internal/alert"
	"github.com/ppiankov/opwarden/internal/anomaly"
	"github.com/ppiankov/opwarden/internal/eventbus"
	"github.com/ppiankov/opwarden/internal/heartbeat"
	"github.com/ppiankov/opwarden/internal/kv"
	"github.com/ppiankov/opwarden/internal/risk"
	"github.com/ppiankov/opwarden/internal/trust"
)

// Config is the full opwarden configuration.
type Config struct {
	Storage    StorageConfig       `yaml:"storage"`
	Audit      AuditConfig         `yaml:"audit"`
	Trust      trust.Config        `yaml:"trust"`
	Anomaly    AnomalyConfig       `yaml:"anomaly"`
	Risk       risk.Config         `yaml:"risk"`
	Policy     PolicyConfig        `yaml:"policy"`
	Governance GovernanceConfig    `yaml:"governance"`
	EventBus   EventBusConfig      `yaml:"eventbus"`
	Heartbeat  heartbeat.Config    `yaml:"heartbeat"`
	Server     ServerConfig        `yaml:"server"`
	Logging    LoggingConfig       `yaml:"logging"`
	Alerts     []alert.AlertConfig `yaml:"alerts"`
}

// StorageConfig selects the state backend.
type StorageConfig struct {
	Backend     string          `yaml:"backend"` // file, sqlite, redis, postgres, memory
	Dir         string          `yaml:"dir"`
	SQLitePath  string          `yaml:"sqlite_path"`
	PostgresURL string          `yaml:"postgres_url"`
	Redis       kv.RedisOptions `yaml:"redis"`
}

// Options converts the section into kv.Options.
func (s StorageConfig) Options() kv.Options {
	return kv.Options{Backend: s.Backend, Dir: s.Dir, SQLitePath: s.SQLitePath, PostgresURL: s.PostgresURL, Redis: s.Redis}
}

// AuditConfig controls the audit chain. A non-empty Storage routes the
// chain to its own backend.
type AuditConfig struct {
	FailClosed bool           `yaml:"fail_closed"`
	Storage    *StorageConfig `yaml:"storage,omitempty"`
}

// AnomalyConfig tunes the detector.
type AnomalyConfig struct {
	anomaly.Config `yaml:",inline"`
	PatternsPath   string `yaml:"patterns_path"`
}

// PolicyConfig points at the approval table and inspection rules.
type PolicyConfig struct {
	TablePath   string `yaml:"table_path"`
	InspectPath string `yaml:"inspect_path"`
	HotReload   bool   `yaml:"hot_reload"`
}

// GovernanceConfig addresses the external governance hook.
type GovernanceConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// EventBusConfig configures external event sinks.
type EventBusConfig struct {
	Kafka KafkaSection `yaml:"kafka"`
}

// KafkaSection enables the Kafka sink.
type KafkaSection struct {
	eventbus.KafkaConfig `yaml:",inline"`
	Enabled              bool `yaml:"enabled"`
}

// ServerConfig holds listener addresses and REST authentication.
type ServerConfig struct {
	GRPCAddr  string `yaml:"grpc_addr"`
	HTTPAddr  string `yaml:"http_addr"`
	// JWTSecret, when set, requires HS256 bearer tokens on the REST API.
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig selects log level, format and destination.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
	Output string `yaml:"output"` // stderr or a file path
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage:    StorageConfig{Backend: kv.BackendFile},
		Audit:      AuditConfig{FailClosed: true},
		Trust:      trust.DefaultConfig(),
		Anomaly:    AnomalyConfig{Config: anomaly.DefaultConfig()},
		Risk:       risk.Config{MaxTokens: 300, Timeout: 5 * time.Second, MaxContent: 4000},
		Policy:     PolicyConfig{HotReload: true},
		Governance: GovernanceConfig{Timeout: 3 * time.Second},
		Heartbeat:  heartbeat.DefaultConfig(),
		Server:     ServerConfig{GRPCAddr: "127.0.0.1:9090", HTTPAddr: "127.0.0.1:8080"},
		Logging:    LoggingConfig{Level: "info", Format: "json", Output: "stderr"},
	}
}

// DefaultPath returns ~/.opwarden/opwarden.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "opwarden.yaml"
	}
	return filepath.Join(home, ".opwarden", "opwarden.yaml")
}

// Load reads path over the defaults, then applies .env and OPWARDEN_*
// overrides. A missing file yields the defaults. ${VAR} references in
// the file are expanded.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("OPWARDEN_STORAGE_BACKEND", &c.Storage.Backend)
	str("OPWARDEN_STORAGE_DIR", &c.Storage.Dir)
	str("OPWARDEN_SQLITE_PATH", &c.Storage.SQLitePath)
	str("OPWARDEN_POSTGRES_URL", &c.Storage.PostgresURL)
	str("OPWARDEN_REDIS_ADDR", &c.Storage.Redis.Addr)
	str("OPWARDEN_REDIS_PASSWORD", &c.Storage.Redis.Password)
	str("OPWARDEN_GRPC_ADDR", &c.Server.GRPCAddr)
	str("OPWARDEN_HTTP_ADDR", &c.Server.HTTPAddr)
	str("OPWARDEN_JWT_SECRET", &c.Server.JWTSecret)
	str("OPWARDEN_LOG_LEVEL", &c.Logging.Level)
	str("OPWARDEN_LOG_FORMAT", &c.Logging.Format)
	str("OPWARDEN_RISK_API_URL", &c.Risk.APIURL)
	str("OPWARDEN_RISK_API_KEY", &c.Risk.APIKey)
	str("OPWARDEN_RISK_MODEL", &c.Risk.Model)
	str("OPWARDEN_GOVERNANCE_URL", &c.Governance.URL)
	str("OPWARDEN_KAFKA_TOPIC", &c.EventBus.Kafka.Topic)

	if v := os.Getenv("OPWARDEN_KAFKA_BROKERS"); v != "" {
		c.EventBus.Kafka.Brokers = splitList(v)
		c.EventBus.Kafka.Enabled = true
	}
	if v := os.Getenv("OPWARDEN_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: OPWARDEN_REDIS_DB: %w", err)
		}
		c.Storage.Redis.DB = n
	}
	if v := os.Getenv("OPWARDEN_AUDIT_FAIL_CLOSED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: OPWARDEN_AUDIT_FAIL_CLOSED: %w", err)
		}
		c.Audit.FailClosed = b
	}
	if v := os.Getenv("OPWARDEN_RISK_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: OPWARDEN_RISK_ENABLED: %w", err)
		}
		c.Risk.Enabled = b
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if c.Audit.Storage != nil {
		if err := c.Audit.Storage.validate(); err != nil {
			return fmt.Errorf("audit: %w", err)
		}
	}
	if c.Trust.HalfLife <= 0 {
		return fmt.Errorf("trust.half_life must be positive")
	}
	if c.Trust.Threshold <= 0 {
		return fmt.Errorf("trust.threshold must be positive")
	}
	if c.Trust.FailureWeight < 0 {
		return fmt.Errorf("trust.failure_weight must not be negative")
	}
	if a := c.Anomaly.Alpha; a <= 0 || a > 1 {
		return fmt.Errorf("anomaly.alpha must be in (0, 1], got %v", a)
	}
	if c.Risk.Enabled && c.Risk.APIURL == "" {
		return fmt.Errorf("risk.api_url is required when risk is enabled")
	}
	if k := c.EventBus.Kafka; k.Enabled && (len(k.Brokers) == 0 || k.Topic == "") {
		return fmt.Errorf("eventbus.kafka requires brokers and topic when enabled")
	}
	if n := len(c.Server.JWTSecret); n > 0 && n < 32 {
		return fmt.Errorf("server.jwt_secret must be at least 32 bytes, got %d", n)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			return fmt.Errorf("alerts[%d]: url is required", i)
		}
	}
	return nil
}

func (s StorageConfig) validate() error {
	if err := validBackend(s.Backend); err != nil {
		return err
	}
	if s.Backend == kv.BackendPostgres && s.PostgresURL == "" {
		return fmt.Errorf("storage.postgres_url is required for the postgres backend")
	}
	return nil
}

func validBackend(b string) error {
	switch b {
	case "", kv.BackendFile, kv.BackendSQLite, kv.BackendRedis, kv.BackendPostgres, kv.BackendMemory:
		return nil
	}
	return fmt.Errorf("storage.backend %q is not one of file, sqlite, redis, postgres, memory", b)
}

// StoreOptions returns the state store options and, when the audit chain
// has its own backend, the audit store options.
func (c *Config) StoreOptions() (kv.Options, *kv.Options) {
	state := c.Storage.Options()
	if c.Audit.Storage == nil {
		return state, nil
	}
	a := c.Audit.Storage.Options()
	return state, &a
}
