package config

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/v2"
)

// ValidationError identifies the variable that violated its bound.
type ValidationError struct {
	Var    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Var, e.Reason)
}

const maxDayMs = 24 * 60 * 60 * 1000

var keyHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// reader pulls typed values out of koanf and keeps the first violation.
// Once err is set every further read returns its default untouched.
type reader struct {
	k   *koanf.Koanf
	err error
}

func (r *reader) raw(name string) (string, bool) {
	if r.err != nil || !r.k.Exists(name) {
		return "", false
	}
	v := strings.TrimSpace(r.k.String(name))
	return v, v != ""
}

func (r *reader) fail(name, format string, args ...any) {
	if r.err == nil {
		r.err = &ValidationError{Var: name, Reason: fmt.Sprintf(format, args...)}
	}
}

func (r *reader) str(name, def string) string {
	v, ok := r.raw(name)
	if !ok {
		return def
	}
	return v
}

func (r *reader) boolean(name string, def bool) bool {
	v, ok := r.raw(name)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	}
	r.fail(name, "must be \"true\" or \"false\", got %q", v)
	return def
}

func (r *reader) integer(name string, def, min, max int) int {
	v, ok := r.raw(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(name, "must be an integer, got %q", v)
		return def
	}
	if n < min || n > max {
		r.fail(name, "must be within [%d,%d], got %d", min, max, n)
		return def
	}
	return n
}

func (r *reader) float(name string, def, min, max float64) float64 {
	v, ok := r.raw(name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) {
		r.fail(name, "must be a number, got %q", v)
		return def
	}
	if f < min || f > max {
		r.fail(name, "must be within [%g,%g], got %g", min, max, f)
		return def
	}
	return f
}

func (r *reader) millis(name string, def, min, max int) time.Duration {
	return time.Duration(r.integer(name, def, min, max)) * time.Millisecond
}

func (r *reader) list(name string) []string {
	v, ok := r.raw(name)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// absoluteURL fails name unless v is empty or an absolute http(s) URL.
func (r *reader) absoluteURL(name, v string) {
	if r.err != nil || v == "" {
		return
	}
	u, err := url.Parse(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		r.fail(name, "must be an absolute http(s) URL")
	}
}

func parse(k *koanf.Koanf) (*Config, error) {
	r := &reader{k: k}
	cfg := &Config{}

	cfg.Retry = RetryConfig{
		MaxAttempts: r.integer("RETRY_MAX_ATTEMPTS", 3, 1, 10),
		BaseDelay:   r.millis("RETRY_BASE_DELAY_MS", 250, 0, 60_000),
		MaxDelay:    r.millis("RETRY_MAX_DELAY_MS", 4_000, 0, 300_000),
	}
	if r.err == nil && cfg.Retry.BaseDelay > cfg.Retry.MaxDelay {
		r.fail("RETRY_BASE_DELAY_MS", "must not exceed RETRY_MAX_DELAY_MS (%d > %d)",
			cfg.Retry.BaseDelay.Milliseconds(), cfg.Retry.MaxDelay.Milliseconds())
	}

	cfg.SLO = SLOConfig{
		MaxErrorRate:      r.float("SLO_MAX_ERROR_RATE", 0.05, 0, 1),
		MaxP95:            r.millis("SLO_MAX_P95_MS", 8_000, 1, 600_000),
		AlertMinSamples:   r.integer("SLO_ALERT_MIN_SAMPLES", 20, 1, 100_000),
		AlertCooldown:     r.millis("SLO_ALERT_COOLDOWN_MS", 300_000, 0, maxDayMs),
		PersistEnabled:    r.boolean("SLO_PERSIST_ENABLED", true),
		PersistMaxSamples: r.integer("SLO_PERSIST_MAX_SAMPLES", 2_000, 1, 100_000),
	}

	cfg.Alerts = AlertsConfig{
		Enabled:             r.boolean("ALERTS_ENABLED", true),
		ConsoleEcho:         r.boolean("ALERTS_CONSOLE_ECHO", true),
		WebhookURL:          r.str("ALERT_WEBHOOK_URL", ""),
		WebhookSecret:       r.str("ALERT_WEBHOOK_SECRET", ""),
		WebhookTimeout:      r.millis("ALERT_WEBHOOK_TIMEOUT_MS", 5_000, 100, 60_000),
		WebhookBlockPrivate: r.boolean("ALERT_WEBHOOK_BLOCK_PRIVATE", false),
		QueueSize:           r.integer("ALERT_QUEUE_SIZE", 256, 1, 10_000),
	}
	r.absoluteURL("ALERT_WEBHOOK_URL", cfg.Alerts.WebhookURL)

	cfg.Ops = OpsConfig{
		RequireOperatorKey:   r.boolean("OPS_REQUIRE_OPERATOR_KEY", false),
		OperatorKeys:         r.list("OPS_OPERATOR_KEYS"),
		RequireNonPublicAuth: r.boolean("OPS_REQUIRE_NON_PUBLIC_AUTH", false),
		AllowDemoWrites:      r.boolean("OPS_ALLOW_DEMO_WRITES", false),
		DemoActorID:          r.str("OPS_DEMO_ACTOR_ID", "demo"),
		RateLimitWindow:      r.millis("OPS_RATE_LIMIT_WINDOW_MS", 60_000, 1_000, 3_600_000),
		RateLimitMax:         r.integer("OPS_RATE_LIMIT_MAX", 60, 1, 100_000),
		AuditMaxRecords:      r.integer("OPS_AUDIT_MAX_RECORDS", 500, 1, 100_000),
	}
	if r.err == nil && cfg.Ops.RequireOperatorKey && len(cfg.Ops.OperatorKeys) == 0 {
		r.fail("OPS_OPERATOR_KEYS", "must list at least one key when OPS_REQUIRE_OPERATOR_KEY=true")
	}

	cfg.Replay = ReplayConfig{
		Enabled:          r.boolean("DLQ_REPLAY_ENABLED", false),
		Interval:         r.millis("DLQ_REPLAY_INTERVAL_MS", 30_000, 1_000, 3_600_000),
		BatchSize:        r.integer("DLQ_REPLAY_BATCH_SIZE", 5, 1, 100),
		MaxReplayCount:   r.integer("DLQ_REPLAY_MAX_COUNT", 3, 0, 100),
		MinRecordAge:     r.millis("DLQ_REPLAY_MIN_AGE_MS", 60_000, 0, maxDayMs),
		MinRetryInterval: r.millis("DLQ_REPLAY_MIN_RETRY_INTERVAL_MS", 300_000, 0, maxDayMs),
		RequireTransient: r.boolean("DLQ_REPLAY_REQUIRE_TRANSIENT", true),
		ExecutorURL:      r.str("DLQ_REPLAY_EXECUTOR_URL", ""),
		ExecutorTimeout:  r.millis("DLQ_REPLAY_EXECUTOR_TIMEOUT_MS", 30_000, 100, 600_000),
	}
	r.absoluteURL("DLQ_REPLAY_EXECUTOR_URL", cfg.Replay.ExecutorURL)

	cfg.Idempotency = IdempotencyConfig{
		RequestTTL:    r.millis("IDEMPOTENCY_REQUEST_TTL_MS", 600_000, 1_000, 7*maxDayMs),
		ProcessingTTL: r.millis("IDEMPOTENCY_PROCESSING_TTL_MS", 21_600_000, 1_000, 7*maxDayMs),
	}

	cfg.Features = FeatureFlags{
		Idempotency: r.boolean("FEATURE_IDEMPOTENCY", true),
		DLQ:         r.boolean("FEATURE_DLQ", true),
		SLO:         r.boolean("FEATURE_SLO", true),
	}

	cfg.Storage = StorageConfig{
		Backend:    strings.ToLower(r.str("STORAGE_BACKEND", "file")),
		Dir:        r.str("STORAGE_DIR", "./data"),
		SQLitePath: r.str("STORAGE_SQLITE_PATH", "./data/reliability.db"),
	}
	switch cfg.Storage.Backend {
	case "file", "sqlite", "memory":
	default:
		r.fail("STORAGE_BACKEND", "must be one of file, sqlite, memory, got %q", cfg.Storage.Backend)
	}

	cfg.Server = ServerConfig{
		Port:           r.integer("ADMIN_PORT", 8080, 1, 65535),
		RequestTimeout: r.millis("ADMIN_REQUEST_TIMEOUT_MS", 30_000, 100, 600_000),
		APIKeys:        make(map[string]string),
		TracingEnabled: r.boolean("TELEMETRY_TRACING_ENABLED", false),
	}
	for _, entry := range r.list("AUTH_API_KEYS") {
		actor, hash, ok := strings.Cut(entry, "=")
		actor, hash = strings.TrimSpace(actor), strings.ToLower(strings.TrimSpace(hash))
		if !ok || actor == "" || !keyHashPattern.MatchString(hash) {
			r.fail("AUTH_API_KEYS", "entries must be actorId=<sha256 hex>, got %q", entry)
			break
		}
		cfg.Server.APIKeys[hash] = actor
	}

	if r.err != nil {
		return nil, r.err
	}
	return cfg, nil
}
