// Package metrics exposes the reliability components as Prometheus metrics.
//
// Values are read from the components at scrape time, so the collector never
// holds state of its own except the audit outcome counter, which is fed by
// the ops guard's audit observer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/reliability-core/internal/dlq"
	"github.com/tjfontaine/reliability-core/internal/opsguard"
	"github.com/tjfontaine/reliability-core/internal/replay"
	"github.com/tjfontaine/reliability-core/internal/slo"
)

const namespace = "reliability"

// SLOSource is satisfied by *slo.Monitor.
type SLOSource interface {
	Snapshot() slo.Snapshot
}

// WorkerSource is satisfied by *replay.Worker.
type WorkerSource interface {
	Metrics() replay.Metrics
}

// DLQSource is satisfied by *dlq.Queue.
type DLQSource interface {
	GetStats() dlq.Stats
}

// Collector owns a dedicated registry so that several cores in one process
// (tests, embedding) never collide on the global one.
type Collector struct {
	registry *prometheus.Registry
	audit    *prometheus.CounterVec
}

// NewCollector creates the registry with Go runtime collectors and the audit
// counter. Component metrics are added with the Register* methods.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		audit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "audit_records_total",
			Help:      "Audited administrative calls by action and outcome",
		}, []string{"action", "outcome"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.audit,
	)
	return c
}

// ObserveAudit counts one audit record. It has the signature expected by
// opsguard.WithAuditObserver.
func (c *Collector) ObserveAudit(rec opsguard.AuditRecord) {
	c.audit.WithLabelValues(rec.Action, string(rec.Outcome)).Inc()
}

// RegisterSLO exposes the current window of src.
func (c *Collector) RegisterSLO(src SLOSource) {
	c.registry.MustRegister(
		gauge("slo", "window_samples", "Samples in the current SLO window", func() float64 {
			return float64(src.Snapshot().Total)
		}),
		gauge("slo", "window_failures", "Failed samples in the current SLO window", func() float64 {
			return float64(src.Snapshot().Failures)
		}),
		gauge("slo", "error_rate", "Failure ratio over the current SLO window", func() float64 {
			return src.Snapshot().ErrorRate
		}),
		gauge("slo", "p95_latency_ms", "95th percentile latency over the current SLO window", func() float64 {
			return float64(src.Snapshot().P95Ms)
		}),
	)
}

// RegisterWorker exposes the replay worker counters.
func (c *Collector) RegisterWorker(src WorkerSource) {
	c.registry.MustRegister(
		gauge("dlq_replay", "running", "1 while the replay worker is started", func() float64 {
			return boolFloat(src.Metrics().Running)
		}),
		gauge("dlq_replay", "in_flight", "1 while a replay run is executing", func() float64 {
			return boolFloat(src.Metrics().InFlight)
		}),
		gauge("dlq_replay", "last_duration_ms", "Duration of the last completed replay run", func() float64 {
			return float64(src.Metrics().LastDurationMs)
		}),
		counter("dlq_replay", "runs_total", "Replay runs started", func() float64 {
			return float64(src.Metrics().Runs)
		}),
		counter("dlq_replay", "skipped_ticks_total", "Ticks skipped because a run was in flight", func() float64 {
			return float64(src.Metrics().SkippedTicks)
		}),
		counter("dlq_replay", "claimed_total", "Records picked up by replay runs", func() float64 {
			return float64(src.Metrics().Claimed)
		}),
		counter("dlq_replay", "succeeded_total", "Records replayed successfully", func() float64 {
			return float64(src.Metrics().Succeeded)
		}),
		counter("dlq_replay", "failed_total", "Replay attempts that failed", func() float64 {
			return float64(src.Metrics().Failed)
		}),
		counter("dlq_replay", "guardrail_skipped_total", "Records skipped by a replay guardrail", func() float64 {
			return float64(src.Metrics().GuardrailSkipped)
		}),
	)
}

// RegisterDLQ exposes the queue depth by status.
func (c *Collector) RegisterDLQ(src DLQSource) {
	c.registry.MustRegister(
		gauge("dlq", "records", "Records held in the dead-letter queue", func() float64 {
			return float64(src.GetStats().Total)
		}),
		gauge("dlq", "replay_requested_records", "Records waiting for the replay worker", func() float64 {
			return float64(src.GetStats().ByStatus[dlq.StatusReplayRequested])
		}),
		gauge("dlq", "transient_records", "Records classified as transient failures", func() float64 {
			return float64(src.GetStats().Transient)
		}),
	)
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func gauge(subsystem, name, help string, fn func() float64) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

func counter(subsystem, name, help string, fn func() float64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
