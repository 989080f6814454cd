package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/reliability-core/internal/dlq"
	"github.com/tjfontaine/reliability-core/internal/opsguard"
	"github.com/tjfontaine/reliability-core/internal/replay"
	"github.com/tjfontaine/reliability-core/internal/slo"
)

type stubSLO slo.Snapshot

func (s stubSLO) Snapshot() slo.Snapshot { return slo.Snapshot(s) }

type stubWorker replay.Metrics

func (s stubWorker) Metrics() replay.Metrics { return replay.Metrics(s) }

type stubDLQ dlq.Stats

func (s stubDLQ) GetStats() dlq.Stats { return dlq.Stats(s) }

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollector_ExposesComponentMetrics(t *testing.T) {
	c := NewCollector()
	c.RegisterSLO(stubSLO{Total: 40, Failures: 3, ErrorRate: 0.075, P95Ms: 1200})
	c.RegisterWorker(stubWorker{Running: true, Runs: 7, Succeeded: 4, Failed: 2, GuardrailSkipped: 1})
	c.RegisterDLQ(stubDLQ{Total: 9, Transient: 6, ByStatus: map[dlq.Status]int{dlq.StatusReplayRequested: 2}})

	body := scrape(t, c)
	for _, line := range []string{
		"reliability_slo_window_samples 40",
		"reliability_slo_window_failures 3",
		"reliability_slo_error_rate 0.075",
		"reliability_slo_p95_latency_ms 1200",
		"reliability_dlq_replay_running 1",
		"reliability_dlq_replay_in_flight 0",
		"reliability_dlq_replay_runs_total 7",
		"reliability_dlq_replay_succeeded_total 4",
		"reliability_dlq_replay_failed_total 2",
		"reliability_dlq_replay_guardrail_skipped_total 1",
		"reliability_dlq_records 9",
		"reliability_dlq_replay_requested_records 2",
		"reliability_dlq_transient_records 6",
	} {
		assert.Contains(t, body, line)
	}
}

func TestCollector_AuditObserver(t *testing.T) {
	c := NewCollector()
	c.ObserveAudit(opsguard.AuditRecord{Action: "dlq.replay", Outcome: opsguard.OutcomeDenied})
	c.ObserveAudit(opsguard.AuditRecord{Action: "dlq.replay", Outcome: opsguard.OutcomeDenied})
	c.ObserveAudit(opsguard.AuditRecord{Action: "slo.read", Outcome: opsguard.OutcomeAllowed})

	body := scrape(t, c)
	assert.Contains(t, body, `reliability_ops_audit_records_total{action="dlq.replay",outcome="denied"} 2`)
	assert.Contains(t, body, `reliability_ops_audit_records_total{action="slo.read",outcome="allowed"} 1`)
}

func TestCollector_IndependentRegistries(t *testing.T) {
	a, b := NewCollector(), NewCollector()
	assert.NotPanics(t, func() {
		a.RegisterSLO(stubSLO{})
		b.RegisterSLO(stubSLO{})
	})
	assert.NotSame(t, a.Registry(), b.Registry())
}
