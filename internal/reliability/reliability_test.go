package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/reliability-core/internal/auth"
	"github.com/tjfontaine/reliability-core/internal/dlq"
	"github.com/tjfontaine/reliability-core/internal/idempotency"
	"github.com/tjfontaine/reliability-core/internal/opsguard"
	"github.com/tjfontaine/reliability-core/internal/replay"
	"github.com/tjfontaine/reliability-core/internal/retry"
	"github.com/tjfontaine/reliability-core/internal/slo"
)

type stubSLO struct {
	snap slo.Snapshot
	cfg  slo.Config
}

func (s stubSLO) Snapshot() slo.Snapshot { return s.snap }
func (s stubSLO) Thresholds() slo.Config { return s.cfg }

func TestBuildSLOView(t *testing.T) {
	cfg := slo.Config{MaxErrorRate: 0.05, MaxP95: 8 * time.Second, AlertMinSamples: 20, AlertCooldown: 5 * time.Minute}

	tests := []struct {
		name    string
		snap    slo.Snapshot
		healthy bool
	}{
		{"empty window", slo.Snapshot{}, true},
		{"within budget", slo.Snapshot{Total: 100, Failures: 5, ErrorRate: 0.05, P95Ms: 8000}, true},
		{"error rate breach", slo.Snapshot{Total: 10, Failures: 1, ErrorRate: 0.1, P95Ms: 100}, false},
		{"latency breach", slo.Snapshot{Total: 10, P95Ms: 8001}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := BuildSLOView(stubSLO{snap: tt.snap, cfg: cfg})
			assert.Equal(t, tt.healthy, view.Healthy)
			if tt.healthy {
				assert.Equal(t, RecommendationHealthy, view.Recommendation)
			} else {
				assert.Equal(t, RecommendationDegraded, view.Recommendation)
			}
			assert.Equal(t, int64(8000), view.Thresholds.MaxP95Ms)
			assert.Equal(t, int64(300000), view.Thresholds.AlertCooldownMs)
		})
	}
}

func TestBuildDLQAndAuditViews(t *testing.T) {
	q, err := dlq.New(nil)
	require.NoError(t, err)
	view := BuildDLQView(q, 10)
	assert.NotNil(t, view.Records, "empty page encodes as []")
	assert.Zero(t, view.Stats.Total)

	_, err = q.Enqueue(dlq.Entry{Reason: "x"})
	require.NoError(t, err)
	assert.Len(t, BuildDLQView(q, 10).Records, 1)

	g, err := opsguard.New(opsguard.Config{AuditMaxRecords: 10}, nil)
	require.NoError(t, err)
	assert.NotNil(t, BuildAuditView(g, 5).Records)
	g.Audit(opsguard.Request{Action: "slo.read", Actor: auth.Anonymous}, 200, opsguard.OutcomeAllowed, "")
	assert.Len(t, BuildAuditView(g, 5).Records, 1)
}

func replayRecord() dlq.Record {
	return dlq.Record{
		ID:          "rec-1",
		TaskID:      "task-1",
		ReplayCount: 1,
		Payload:     []byte(`{"specialist":"researcher","prompt":"summarize","ticker":"ACME"}`),
	}
}

func TestExecuteDLQReplayRecord(t *testing.T) {
	t.Run("passes task through", func(t *testing.T) {
		var got Task
		res := ExecuteDLQReplayRecord(context.Background(), replayRecord(), func(ctx context.Context, task Task) (any, error) {
			got = task
			return "ok", nil
		})
		assert.True(t, res.Success)
		assert.Equal(t, "researcher", got.Specialist)
		assert.Equal(t, "summarize", got.Prompt)
		assert.Equal(t, "task-1", got.ID)
		assert.Equal(t, "rec-1", got.RecordID)
		assert.Equal(t, "ACME", got.Context["ticker"])
	})

	t.Run("invalid payload never reaches executor", func(t *testing.T) {
		rec := replayRecord()
		rec.Payload = []byte(`{"prompt":"x"}`)
		res := ExecuteDLQReplayRecord(context.Background(), rec, func(context.Context, Task) (any, error) {
			t.Fatal("executor called")
			return nil, nil
		})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "missing specialist")
	})

	t.Run("executor error", func(t *testing.T) {
		res := ExecuteDLQReplayRecord(context.Background(), replayRecord(), func(context.Context, Task) (any, error) {
			return nil, errors.New("model overloaded")
		})
		assert.Equal(t, replay.Result{Error: "model overloaded"}, res)
	})

	t.Run("executor panic", func(t *testing.T) {
		res := ExecuteDLQReplayRecord(context.Background(), replayRecord(), func(context.Context, Task) (any, error) {
			panic("boom")
		})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "panicked")
	})
}

func TestReplayHandler_ProcessingIdempotency(t *testing.T) {
	processing, err := idempotency.New("idempotency-processing", time.Hour, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	fail := true
	handler := ReplayHandler(func(context.Context, Task) (any, error) {
		calls.Add(1)
		if fail {
			return nil, errors.New("upstream 503")
		}
		return "ok", nil
	}, processing, nil)

	rec := replayRecord()

	res, err := handler(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, res.Success)
	stored, ok := processing.Get(ReplayKey(rec))
	require.True(t, ok)
	assert.Equal(t, idempotency.StatusFailed, stored.Status)

	fail = false
	res, err = handler(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, res.Success, "a failed reservation runs again")
	assert.Equal(t, int32(2), calls.Load())

	res, err = handler(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(2), calls.Load(), "a completed replay is not executed twice")

	rec.ReplayCount = 2
	_, err = handler(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load(), "a new replay request gets a new key")
}

func TestReplayHandler_InProgress(t *testing.T) {
	processing, err := idempotency.New("idempotency-processing", time.Hour, nil)
	require.NoError(t, err)
	rec := replayRecord()
	_, err = processing.Reserve(ReplayKey(rec), "whatever", "")
	require.NoError(t, err)

	// a different fingerprint replaces the stale reservation
	handler := ReplayHandler(func(context.Context, Task) (any, error) { return "ok", nil }, processing, nil)
	res, err := handler(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, res.Success)

	rec.ReplayCount = 5
	key := ReplayKey(rec)
	fp := payloadFingerprint(rec.Payload)
	_, err = processing.Reserve(key, fp, "")
	require.NoError(t, err)
	res, err = handler(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "replay already in progress", res.Error)
}

func TestDispatcher(t *testing.T) {
	fastRetry := retry.Options{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("success after transient failure", func(t *testing.T) {
		monitor, err := slo.New(slo.Config{MaxErrorRate: 1, MaxP95: time.Hour, AlertMinSamples: 1}, nil, nil)
		require.NoError(t, err)
		q, err := dlq.New(nil)
		require.NoError(t, err)
		d := &Dispatcher{Retry: fastRetry, Monitor: monitor, Queue: q}

		var calls int
		out, err := d.Dispatch(context.Background(), Task{ID: "t1", Specialist: "researcher", Prompt: "p"},
			func(context.Context, Task) (any, error) {
				calls++
				if calls == 1 {
					return nil, errors.New("connection reset by peer")
				}
				return "done", nil
			})
		require.NoError(t, err)
		assert.Equal(t, "done", out)
		assert.Equal(t, 1, monitor.Snapshot().Total)
		assert.Zero(t, monitor.Snapshot().Failures)
		assert.Zero(t, q.GetStats().Total)
	})

	t.Run("exhausted retries are dead-lettered", func(t *testing.T) {
		monitor, err := slo.New(slo.Config{MaxErrorRate: 1, MaxP95: time.Hour, AlertMinSamples: 1}, nil, nil)
		require.NoError(t, err)
		q, err := dlq.New(nil)
		require.NoError(t, err)
		d := &Dispatcher{Retry: fastRetry, Monitor: monitor, Queue: q}

		_, err = d.Dispatch(context.Background(), Task{ID: "t2", Specialist: "trader", Prompt: "buy"},
			func(context.Context, Task) (any, error) { return nil, errors.New("503 service unavailable") })
		require.Error(t, err)

		assert.Equal(t, 1, monitor.Snapshot().Failures)
		recs := q.GetRecords(1)
		require.Len(t, recs, 1)
		assert.Equal(t, "t2", recs[0].TaskID)
		assert.True(t, recs[0].Transient)
		p, err := dlq.DecodePayload(recs[0].Payload)
		require.NoError(t, err, "dead-lettered tasks are replayable")
		assert.Equal(t, "buy", p.Prompt)
	})

	t.Run("nil collaborators are skipped", func(t *testing.T) {
		d := &Dispatcher{Retry: retry.Options{MaxAttempts: 1}}
		_, err := d.Dispatch(context.Background(), Task{}, func(context.Context, Task) (any, error) {
			return nil, errors.New("bad request")
		})
		assert.EqualError(t, err, "bad request")
	})
}
