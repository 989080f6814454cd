// Package config builds the validated reliability configuration from the
// process environment and an optional YAML overlay file.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ConfigFileVar names the variable pointing at an optional YAML overlay.
const ConfigFileVar = "RELIABILITY_CONFIG_FILE"

// Config is the fully validated configuration. It is built once and must be
// treated as read-only by every component it is handed to.
type Config struct {
	Retry       RetryConfig
	SLO         SLOConfig
	Alerts      AlertsConfig
	Ops         OpsConfig
	Replay      ReplayConfig
	Idempotency IdempotencyConfig
	Features    FeatureFlags
	Storage     StorageConfig
	Server      ServerConfig
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type SLOConfig struct {
	MaxErrorRate      float64
	MaxP95            time.Duration
	AlertMinSamples   int
	AlertCooldown     time.Duration
	PersistEnabled    bool
	PersistMaxSamples int
}

type AlertsConfig struct {
	Enabled             bool
	ConsoleEcho         bool
	WebhookURL          string
	WebhookSecret       string
	WebhookTimeout      time.Duration
	WebhookBlockPrivate bool
	QueueSize           int
}

type OpsConfig struct {
	RequireOperatorKey   bool
	OperatorKeys         []string
	RequireNonPublicAuth bool
	AllowDemoWrites      bool
	DemoActorID          string
	RateLimitWindow      time.Duration
	RateLimitMax         int
	AuditMaxRecords      int
}

type ReplayConfig struct {
	Enabled          bool
	Interval         time.Duration
	BatchSize        int
	MaxReplayCount   int
	MinRecordAge     time.Duration
	MinRetryInterval time.Duration
	RequireTransient bool
	// ExecutorURL, when set, receives replayed tasks as JSON POSTs. Embedders
	// may inject an executor instead.
	ExecutorURL     string
	ExecutorTimeout time.Duration
}

type IdempotencyConfig struct {
	RequestTTL    time.Duration
	ProcessingTTL time.Duration
}

// FeatureFlags switch whole subsystems on or off.
type FeatureFlags struct {
	Idempotency bool
	DLQ         bool
	SLO         bool
}

type StorageConfig struct {
	Backend    string // file, sqlite, memory
	Dir        string
	SQLitePath string
}

type ServerConfig struct {
	Port           int
	RequestTimeout time.Duration
	// APIKeys maps a sha256 hex key hash to the actor id it authenticates.
	APIKeys        map[string]string
	TracingEnabled bool
}

// Load reads the optional overlay file named by RELIABILITY_CONFIG_FILE and
// then the process environment, which overrides the file.
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv(ConfigFileVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Keys are flat variable names, so no key transformation is needed.
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	return parse(k)
}

// Build validates an explicit key/value source. It never reads the process
// environment, which keeps tests isolated.
func Build(source map[string]string) (*Config, error) {
	k := koanf.New(".")
	flat := make(map[string]interface{}, len(source))
	for key, value := range source {
		flat[key] = value
	}
	if err := k.Load(confmap.Provider(flat, ""), nil); err != nil {
		return nil, fmt.Errorf("load source: %w", err)
	}
	return parse(k)
}

var (
	cachedMu sync.Mutex
	cached   *Config
)

// Current returns the cached process-wide configuration, loading it on first
// use. It is never re-derived until Reset is called.
func Current() (*Config, error) {
	cachedMu.Lock()
	defer cachedMu.Unlock()

	if cached != nil {
		return cached, nil
	}
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	cached = cfg
	return cached, nil
}

// Reset drops the cached configuration so the next Current call rebuilds it.
func Reset() {
	cachedMu.Lock()
	defer cachedMu.Unlock()
	cached = nil
}
