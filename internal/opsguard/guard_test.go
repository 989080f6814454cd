package opsguard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/reliability-core/internal/auth"
	"github.com/tjfontaine/reliability-core/internal/storage/snapshot"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func baseConfig() Config {
	return Config{
		DemoActorID:     "demo",
		RateLimitWindow: time.Minute,
		RateLimitMax:    100,
		AuditMaxRecords: 50,
	}
}

func newTestGuard(t *testing.T, cfg Config) (*Guard, *fakeClock, *snapshot.MemoryStore) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	store := snapshot.NewMemoryStore()
	var seq int
	g, err := New(cfg, store,
		WithClock(clock.Now),
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("audit-%d", seq) }))
	require.NoError(t, err)
	return g, clock, store
}

var operator = auth.Actor{ID: "alice", AuthMethod: auth.MethodAPIKey}

func TestRequireAccess(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		req    Request
		want   int
		reason string
	}{
		{
			name: "open policy allows public read",
			req:  Request{Mode: ModeRead, Actor: auth.Anonymous},
			want: http.StatusOK,
		},
		{
			name:   "public denied when non-public auth required",
			mutate: func(c *Config) { c.RequireNonPublicAuth = true },
			req:    Request{Mode: ModeRead, Actor: auth.Anonymous},
			want:   http.StatusForbidden,
			reason: "non-public",
		},
		{
			name:   "demo actor cannot write",
			req:    Request{Mode: ModeWrite, Actor: auth.Actor{ID: "demo", AuthMethod: auth.MethodAPIKey}},
			want:   http.StatusForbidden,
			reason: "demo actor",
		},
		{
			name: "demo actor may read",
			req:  Request{Mode: ModeRead, Actor: auth.Actor{ID: "demo", AuthMethod: auth.MethodAPIKey}},
			want: http.StatusOK,
		},
		{
			name:   "demo writes explicitly allowed",
			mutate: func(c *Config) { c.AllowDemoWrites = true },
			req:    Request{Mode: ModeWrite, Actor: auth.Actor{ID: "demo", AuthMethod: auth.MethodAPIKey}},
			want:   http.StatusOK,
		},
		{
			name: "operator key missing",
			mutate: func(c *Config) {
				c.RequireOperatorKey = true
				c.OperatorKeys = []string{"op-1", "op-2"}
			},
			req:    Request{Mode: ModeRead, Actor: operator},
			want:   http.StatusForbidden,
			reason: "operator key",
		},
		{
			name: "operator key wrong",
			mutate: func(c *Config) {
				c.RequireOperatorKey = true
				c.OperatorKeys = []string{"op-1"}
			},
			req:  Request{Mode: ModeRead, Actor: operator, OperatorKey: "op-11"},
			want: http.StatusForbidden,
		},
		{
			name: "operator key matches",
			mutate: func(c *Config) {
				c.RequireOperatorKey = true
				c.OperatorKeys = []string{"op-1", "op-2"}
			},
			req:  Request{Mode: ModeWrite, Actor: operator, OperatorKey: "op-2"},
			want: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			g, _, _ := newTestGuard(t, cfg)
			d := g.RequireAccess(tt.req)
			assert.Equal(t, tt.want, d.Status)
			assert.Equal(t, tt.want == http.StatusOK, d.Allowed)
			if tt.reason != "" {
				assert.Contains(t, d.Reason, tt.reason)
			}
		})
	}
}

func TestCheckRateLimit_FixedWindow(t *testing.T) {
	cfg := baseConfig()
	cfg.RateLimitMax = 2
	g, clock, _ := newTestGuard(t, cfg)
	req := Request{Actor: operator, ClientIP: "10.0.0.1"}

	assert.True(t, g.CheckRateLimit(req).Allowed)
	clock.Advance(10 * time.Second)
	assert.True(t, g.CheckRateLimit(req).Allowed)

	clock.Advance(500 * time.Millisecond)
	d := g.CheckRateLimit(req)
	assert.False(t, d.Allowed)
	assert.Equal(t, http.StatusTooManyRequests, d.Status)
	assert.Equal(t, 50, d.RetryAfter, "49.5s remaining rounds up")

	other := Request{Actor: operator, ClientIP: "10.0.0.2"}
	assert.True(t, g.CheckRateLimit(other).Allowed, "windows are keyed by actor and IP")

	clock.Advance(50 * time.Second)
	assert.True(t, g.CheckRateLimit(req).Allowed, "a new window starts after the deadline")
}

func TestCheck_DenialsAreAudited(t *testing.T) {
	cfg := baseConfig()
	cfg.RequireNonPublicAuth = true
	g, _, store := newTestGuard(t, cfg)

	d := g.Check(Request{Action: "dlq.read", Mode: ModeRead, Actor: auth.Anonymous, ClientIP: "1.2.3.4", Path: "/x", Method: "GET"})
	require.False(t, d.Allowed)

	recent := g.Recent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, OutcomeDenied, recent[0].Outcome)
	assert.Equal(t, http.StatusForbidden, recent[0].StatusCode)
	assert.Equal(t, "dlq.read", recent[0].Action)
	assert.Equal(t, "anonymous", recent[0].ActorID)
	assert.Equal(t, "public", recent[0].AuthMethod)

	lines, err := store.Lines(AuditLogName, 0)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(string(lines[0]), `{"action":"dlq.read",`), "audit lines are canonical")
}

func TestAudit_TruncatesAndEvictsOldest(t *testing.T) {
	cfg := baseConfig()
	cfg.AuditMaxRecords = 3
	g, _, _ := newTestGuard(t, cfg)

	long := Request{Action: "a", Actor: operator, UserAgent: strings.Repeat("u", 400)}
	rec := g.Audit(long, 200, OutcomeAllowed, strings.Repeat("d", 900))
	assert.Len(t, rec.UserAgent, MaxUserAgentLength)
	assert.Len(t, rec.Detail, MaxDetailLength)

	for i := 0; i < 4; i++ {
		g.Audit(Request{Action: fmt.Sprintf("act-%d", i), Actor: operator}, 200, OutcomeAllowed, "")
	}
	recent := g.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "act-3", recent[0].Action)
	assert.Equal(t, "act-1", recent[2].Action)
}

func TestNew_HydratesRingFromLog(t *testing.T) {
	store := snapshot.NewMemoryStore()
	first, err := New(baseConfig(), store)
	require.NoError(t, err)
	first.Audit(Request{Action: "slo.read", Actor: operator}, 200, OutcomeAllowed, "")
	require.NoError(t, store.Append(AuditLogName, []byte("not json")))
	first.Audit(Request{Action: "dlq.read", Actor: operator}, 200, OutcomeAllowed, "")

	second, err := New(baseConfig(), store)
	require.NoError(t, err)
	recent := second.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "dlq.read", recent[0].Action)
}

func TestMiddleware(t *testing.T) {
	cfg := baseConfig()
	cfg.RateLimitMax = 2
	g, clock, _ := newTestGuard(t, cfg)

	handler := g.Middleware("slo.read", ModeRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetDetail(r.Context(), "snapshot served")
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ops/reliability/slo", nil)
		req.RemoteAddr = "192.0.2.7:5555"
		req = req.WithContext(auth.WithActor(req.Context(), operator))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send().Code)
	assert.Equal(t, http.StatusOK, send().Code)

	limited := send()
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(limited.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded", body["error"])

	clock.Advance(time.Minute)
	assert.Equal(t, http.StatusOK, send().Code)

	recent := g.Recent(0)
	require.Len(t, recent, 4)
	assert.Equal(t, OutcomeAllowed, recent[0].Outcome)
	assert.Equal(t, "snapshot served", recent[0].Detail)
	assert.Equal(t, "192.0.2.7", recent[0].ClientIP)
	assert.Equal(t, OutcomeDenied, recent[1].Outcome)
	assert.Equal(t, http.StatusTooManyRequests, recent[1].StatusCode)
}

func TestMiddleware_ServerErrorAuditedAsError(t *testing.T) {
	g, _, _ := newTestGuard(t, baseConfig())
	handler := g.Middleware("dlq.replay", ModeWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/x", nil))

	recent := g.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, OutcomeError, recent[0].Outcome)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.3:1234"
	assert.Equal(t, "198.51.100.3", ClientIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")
	assert.Equal(t, "203.0.113.5", ClientIP(req))
}
