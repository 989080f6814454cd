package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/reliability-core/internal/auth"
	"github.com/tjfontaine/reliability-core/internal/dlq"
	"github.com/tjfontaine/reliability-core/internal/idempotency"
	"github.com/tjfontaine/reliability-core/internal/opsguard"
	"github.com/tjfontaine/reliability-core/internal/replay"
	"github.com/tjfontaine/reliability-core/internal/slo"
)

const operatorKey = "sk-operator"

type fixture struct {
	srv     *Server
	queue   *dlq.Queue
	monitor *slo.Monitor
	guard   *opsguard.Guard
}

type stubWorker struct{}

func (stubWorker) Metrics() replay.Metrics { return replay.Metrics{Running: true, Runs: 3} }

func newFixture(t *testing.T, mutate func(*opsguard.Config, *Deps)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	queue, err := dlq.New(nil)
	require.NoError(t, err)
	monitor, err := slo.New(slo.Config{MaxErrorRate: 0.5, MaxP95: time.Second, AlertMinSamples: 100}, nil, nil)
	require.NoError(t, err)
	requests, err := idempotency.New("idempotency-request", time.Minute, nil)
	require.NoError(t, err)

	gcfg := opsguard.Config{
		DemoActorID:     "demo",
		RateLimitWindow: time.Minute,
		RateLimitMax:    1000,
		AuditMaxRecords: 100,
	}
	deps := Deps{
		Monitor:            monitor,
		Queue:              queue,
		Worker:             stubWorker{},
		WorkerEnabled:      true,
		RequestIdempotency: requests,
		Authenticator:      auth.NewAuthenticator(map[string]string{auth.HashAPIKey(operatorKey): "alice"}),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	}
	if mutate != nil {
		mutate(&gcfg, &deps)
	}
	guard, err := opsguard.New(gcfg, nil)
	require.NoError(t, err)
	deps.Guard = guard

	srv, err := New(0, time.Second, logger, deps)
	require.NoError(t, err)
	return &fixture{srv: srv, queue: queue, monitor: monitor, guard: guard}
}

func (f *fixture) do(t *testing.T, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Authorization", "Bearer "+operatorKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNew_RequiresGuard(t *testing.T) {
	_, err := New(0, 0, nil, Deps{})
	assert.Error(t, err)
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")

	assert.Empty(t, f.guard.Recent(0), "unguarded routes are not audited")
}

func TestGetSLO(t *testing.T) {
	f := newFixture(t, nil)
	f.monitor.Record(slo.OutcomeSuccess, 200*time.Millisecond)
	f.monitor.Record(slo.OutcomeFailure, 400*time.Millisecond)

	rec := f.do(t, http.MethodGet, BasePath+"/slo", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["healthy"])
	snap := body["snapshot"].(map[string]any)
	assert.Equal(t, float64(2), snap["total"])

	audit := f.guard.Recent(1)
	require.Len(t, audit, 1)
	assert.Equal(t, "slo.read", audit[0].Action)
	assert.Equal(t, "alice", audit[0].ActorID)
	assert.Equal(t, "healthy=true", audit[0].Detail)
}

func TestListDLQ_Limit(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		_, err := f.queue.Enqueue(dlq.Entry{Reason: "timeout"})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, BasePath+"/dlq?limit=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["records"], 2)
	assert.Equal(t, float64(3), body["stats"].(map[string]any)["total"])

	rec = f.do(t, http.MethodGet, BasePath+"/dlq?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestReplay(t *testing.T) {
	f := newFixture(t, nil)
	rec0, err := f.queue.Enqueue(dlq.Entry{Reason: "503", Transient: true, Payload: map[string]any{"specialist": "s", "prompt": "p"}})
	require.NoError(t, err)
	path := BasePath + "/dlq/" + rec0.ID + "/replay"

	rec := f.do(t, http.MethodPost, path+"?dryRun=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["dryRun"])
	stored, _ := f.queue.Get(rec0.ID)
	assert.Equal(t, dlq.StatusQueued, stored.Status, "dry run does not mutate")

	rec = f.do(t, http.MethodPost, path, "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	stored, _ = f.queue.Get(rec0.ID)
	assert.Equal(t, dlq.StatusReplayRequested, stored.Status)
	assert.Equal(t, 1, stored.ReplayCount)

	rec = f.do(t, http.MethodPost, BasePath+"/dlq/missing/replay", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, path+"?dryRun=maybe", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestReplay_IdempotencyKey(t *testing.T) {
	f := newFixture(t, nil)
	rec0, err := f.queue.Enqueue(dlq.Entry{Reason: "503"})
	require.NoError(t, err)
	path := BasePath + "/dlq/" + rec0.ID + "/replay"
	headers := map[string]string{idempotency.HeaderKey: "replay-once"}

	first := f.do(t, http.MethodPost, path, "", headers)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := f.do(t, http.MethodPost, path, "", headers)
	require.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, "true", second.Header().Get(idempotency.HeaderReplayed))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	stored, _ := f.queue.Get(rec0.ID)
	assert.Equal(t, 1, stored.ReplayCount, "a replayed response does not request again")
}

func TestIngestOutcome(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, BasePath+"/ingest/outcomes", `{"outcome":"failure","durationMs":120}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.monitor.Snapshot().Failures)

	for _, body := range []string{`{"outcome":"meh","durationMs":1}`, `{"outcome":"success","durationMs":-1}`, `not json`} {
		rec = f.do(t, http.MethodPost, BasePath+"/ingest/outcomes", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestIngestDLQ(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, BasePath+"/ingest/dlq",
		`{"taskId":"t-9","reason":"ECONNRESET upstream","payload":{"specialist":"analyst","prompt":"go"}}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["transient"], "classified from the reason")
	assert.Equal(t, "analyst", body["specialist"])
	assert.NotContains(t, body, "warning")

	rec = f.do(t, http.MethodPost, BasePath+"/ingest/dlq", `{"reason":"bad input","transient":false,"payload":{}}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, false, body["transient"])
	assert.Contains(t, body["warning"], "payload is not replayable")

	rec = f.do(t, http.MethodPost, BasePath+"/ingest/dlq", `{"payload":{}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "Reason")
}

func TestGuardDeniesAndAudits(t *testing.T) {
	f := newFixture(t, func(c *opsguard.Config, _ *Deps) {
		c.RequireOperatorKey = true
		c.OperatorKeys = []string{"op-secret"}
	})

	rec := f.do(t, http.MethodGet, BasePath+"/audit", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, BasePath+"/audit", "", map[string]string{opsguard.HeaderOperatorKey: "op-secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode(t, rec)["records"].([]any)
	require.Len(t, records, 1, "the denial is visible before the current call is audited")
	assert.Equal(t, "denied", records[0].(map[string]any)["outcome"])
}

func TestDisabledFeatures(t *testing.T) {
	f := newFixture(t, func(_ *opsguard.Config, d *Deps) {
		d.Monitor = nil
		d.Queue = nil
		d.Worker = nil
	})

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, BasePath+"/slo", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, BasePath+"/dlq", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, BasePath+"/ingest/dlq", `{}`, nil).Code)

	rec := f.do(t, http.MethodGet, BasePath+"/dlq/worker", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["enabled"])
}

func TestWorkerView(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, BasePath+"/dlq/worker", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, float64(3), body["metrics"].(map[string]any)["runs"])
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "upstream-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-id", seen)

	assert.Empty(t, GetRequestID(context.Background()))
}

func TestTimeoutMiddleware(t *testing.T) {
	var deadline bool
	h := TimeoutMiddleware(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, deadline = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, deadline)

	h = TimeoutMiddleware(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, deadline = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, deadline)
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "dlq_id", "rec-1")
		AddLogField(r.Context(), "empty", "")
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "request completed", line["msg"])
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, float64(404), line["status"])
	assert.Equal(t, "rec-1", line["dlq_id"])
	assert.NotContains(t, line, "empty")

	assert.NotPanics(t, func() { AddLogField(context.Background(), "k", "v") })
}
