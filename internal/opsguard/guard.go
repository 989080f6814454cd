// Package opsguard protects the administrative reliability endpoints with
// access control, per-actor rate limiting and an append-only audit log.
package opsguard

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/reliability-core/internal/auth"
	"github.com/tjfontaine/reliability-core/internal/canonical"
	"github.com/tjfontaine/reliability-core/internal/storage/snapshot"
)

// AuditLogName is the persisted log name.
const AuditLogName = "ops-audit"

const (
	AuditSchemaVersion = "v1"
	MaxDetailLength    = 500
	MaxUserAgentLength = 256

	// windows are swept once the limiter tracks this many keys
	sweepThreshold = 4096
)

type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Config holds the guard policy.
type Config struct {
	RequireOperatorKey   bool
	OperatorKeys         []string
	RequireNonPublicAuth bool
	AllowDemoWrites      bool
	DemoActorID          string
	RateLimitWindow      time.Duration
	RateLimitMax         int
	AuditMaxRecords      int
}

// Request is what the guard knows about one administrative call.
type Request struct {
	Action      string
	Mode        Mode
	Actor       auth.Actor
	OperatorKey string
	ClientIP    string
	UserAgent   string
	Path        string
	Method      string
}

// Decision is the verdict of a check. RetryAfter is in whole seconds and only
// set for rate-limit denials.
type Decision struct {
	Allowed    bool
	Status     int
	Reason     string
	RetryAfter int
}

var allow = Decision{Allowed: true, Status: http.StatusOK}

// AuditRecord is one audit log line.
type AuditRecord struct {
	SchemaVersion string    `json:"schemaVersion"`
	ID            string    `json:"id"`
	Action        string    `json:"action"`
	StatusCode    int       `json:"statusCode"`
	Outcome       Outcome   `json:"outcome"`
	ActorID       string    `json:"actorId"`
	AuthMethod    string    `json:"authMethod"`
	ClientIP      string    `json:"clientIp"`
	UserAgent     string    `json:"userAgent,omitempty"`
	Path          string    `json:"path"`
	Method        string    `json:"method"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type window struct {
	count   int
	resetAt time.Time
}

// Guard holds the rate-limit windows and the audit ring.
type Guard struct {
	cfg      Config
	log      snapshot.Store
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
	observer func(AuditRecord)

	limitMu sync.Mutex
	windows map[string]*window

	auditMu sync.Mutex
	ring    []AuditRecord // oldest first
}

// Option configures a Guard.
type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithAuditObserver is called for every audit record after it is stored.
func WithAuditObserver(fn func(AuditRecord)) Option {
	return func(g *Guard) { g.observer = fn }
}

// WithIDGenerator overrides uuid.NewString.
func WithIDGenerator(fn func() string) Option {
	return func(g *Guard) { g.newID = fn }
}

// New creates a guard and fills the audit ring from the persisted log.
func New(cfg Config, log snapshot.Store, opts ...Option) (*Guard, error) {
	if log == nil {
		log = snapshot.NewMemoryStore()
	}
	if cfg.AuditMaxRecords <= 0 {
		cfg.AuditMaxRecords = 500
	}
	g := &Guard{
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  slog.Default(),
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(g)
	}

	lines, err := log.Lines(AuditLogName, cfg.AuditMaxRecords)
	if err != nil {
		return nil, fmt.Errorf("restore audit log: %w", err)
	}
	for _, line := range lines {
		var rec AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			g.logger.Warn("skipping unreadable audit line", slog.String("error", err.Error()))
			continue
		}
		g.ring = append(g.ring, rec)
	}
	return g, nil
}

// RequireAccess applies the access policy. It does not audit; Check does.
func (g *Guard) RequireAccess(req Request) Decision {
	if g.cfg.RequireNonPublicAuth && req.Actor.AuthMethod == auth.MethodPublic {
		return Decision{Status: http.StatusForbidden, Reason: "non-public authentication required"}
	}
	if req.Mode == ModeWrite && !g.cfg.AllowDemoWrites &&
		g.cfg.DemoActorID != "" && req.Actor.ID == g.cfg.DemoActorID {
		return Decision{Status: http.StatusForbidden, Reason: "demo actor may not perform write actions"}
	}
	if g.cfg.RequireOperatorKey && !g.operatorKeyMatches(req.OperatorKey) {
		return Decision{Status: http.StatusForbidden, Reason: "valid operator key required"}
	}
	return allow
}

func (g *Guard) operatorKeyMatches(key string) bool {
	if key == "" {
		return false
	}
	matched := false
	for _, candidate := range g.cfg.OperatorKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			matched = true
		}
	}
	return matched
}

// CheckRateLimit counts req against the fixed window of its (actor, IP)
// pair.
func (g *Guard) CheckRateLimit(req Request) Decision {
	if g.cfg.RateLimitMax <= 0 || g.cfg.RateLimitWindow <= 0 {
		return allow
	}

	key := req.Actor.ID + "|" + req.ClientIP
	now := g.now()

	g.limitMu.Lock()
	defer g.limitMu.Unlock()

	if len(g.windows) >= sweepThreshold {
		for k, w := range g.windows {
			if !now.Before(w.resetAt) {
				delete(g.windows, k)
			}
		}
	}

	w, ok := g.windows[key]
	if !ok || !now.Before(w.resetAt) {
		g.windows[key] = &window{count: 1, resetAt: now.Add(g.cfg.RateLimitWindow)}
		return allow
	}

	w.count++
	if w.count <= g.cfg.RateLimitMax {
		return allow
	}

	retryAfter := int(math.Ceil(w.resetAt.Sub(now).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Decision{
		Status:     http.StatusTooManyRequests,
		Reason:     "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// Check runs the rate limit and then the access policy. A denial is audited
// before it is returned.
func (g *Guard) Check(req Request) Decision {
	d := g.CheckRateLimit(req)
	if d.Allowed {
		d = g.RequireAccess(req)
	}
	if !d.Allowed {
		g.Audit(req, d.Status, OutcomeDenied, d.Reason)
		g.logger.Warn("ops access denied",
			slog.String("action", req.Action),
			slog.String("actor_id", req.Actor.ID),
			slog.String("client_ip", req.ClientIP),
			slog.Int("status", d.Status),
			slog.String("reason", d.Reason))
	}
	return d
}

// Audit stores one record in the ring and the durable log.
func (g *Guard) Audit(req Request, status int, outcome Outcome, detail string) AuditRecord {
	rec := AuditRecord{
		SchemaVersion: AuditSchemaVersion,
		ID:            g.newID(),
		Action:        req.Action,
		StatusCode:    status,
		Outcome:       outcome,
		ActorID:       req.Actor.ID,
		AuthMethod:    req.Actor.AuthMethod,
		ClientIP:      req.ClientIP,
		UserAgent:     truncate(req.UserAgent, MaxUserAgentLength),
		Path:          req.Path,
		Method:        req.Method,
		Detail:        truncate(detail, MaxDetailLength),
		CreatedAt:     g.now().UTC(),
	}

	line, err := canonical.Marshal(rec)

	g.auditMu.Lock()
	g.ring = append(g.ring, rec)
	if over := len(g.ring) - g.cfg.AuditMaxRecords; over > 0 {
		g.ring = append([]AuditRecord(nil), g.ring[over:]...)
	}
	if err == nil {
		err = g.log.Append(AuditLogName, line)
	}
	g.auditMu.Unlock()

	if err != nil {
		g.logger.Error("failed to persist audit record",
			slog.String("id", rec.ID),
			slog.String("error", err.Error()))
	}
	if g.observer != nil {
		g.observer(rec)
	}
	return rec
}

// Recent returns up to limit audit records, most recent first. limit <= 0
// returns the whole ring.
func (g *Guard) Recent(limit int) []AuditRecord {
	g.auditMu.Lock()
	defer g.auditMu.Unlock()

	n := len(g.ring)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]AuditRecord, 0, n)
	for i := len(g.ring) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, g.ring[i])
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
