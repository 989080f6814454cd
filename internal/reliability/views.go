// Package reliability aggregates the reliability components into read-only
// views and bridges DLQ records back to the task-execution collaborator.
package reliability

import (
	"github.com/tjfontaine/reliability-core/internal/dlq"
	"github.com/tjfontaine/reliability-core/internal/opsguard"
	"github.com/tjfontaine/reliability-core/internal/replay"
	"github.com/tjfontaine/reliability-core/internal/slo"
)

const (
	RecommendationHealthy  = "healthy: continue"
	RecommendationDegraded = "degraded: pause rollout, consider a kill switch"
)

// SLOSource is satisfied by *slo.Monitor.
type SLOSource interface {
	Snapshot() slo.Snapshot
	Thresholds() slo.Config
}

// MetricsSource is satisfied by *replay.Worker.
type MetricsSource interface {
	Metrics() replay.Metrics
}

type Thresholds struct {
	MaxErrorRate    float64 `json:"maxErrorRate"`
	MaxP95Ms        int64   `json:"maxP95Ms"`
	AlertMinSamples int     `json:"alertMinSamples"`
	AlertCooldownMs int64   `json:"alertCooldownMs"`
}

type SLOView struct {
	Snapshot       slo.Snapshot `json:"snapshot"`
	Thresholds     Thresholds   `json:"thresholds"`
	Healthy        bool         `json:"healthy"`
	Recommendation string       `json:"recommendation"`
}

type DLQView struct {
	Stats   dlq.Stats    `json:"stats"`
	Records []dlq.Record `json:"records"`
}

type WorkerView struct {
	Enabled bool           `json:"enabled"`
	Metrics replay.Metrics `json:"metrics"`
}

type AuditView struct {
	Records []opsguard.AuditRecord `json:"records"`
}

// BuildSLOView reports healthy only when both the error rate and p95 are
// within budget.
func BuildSLOView(src SLOSource) SLOView {
	snap := src.Snapshot()
	cfg := src.Thresholds()

	healthy := snap.ErrorRate <= cfg.MaxErrorRate && snap.P95Ms <= cfg.MaxP95.Milliseconds()
	view := SLOView{
		Snapshot: snap,
		Thresholds: Thresholds{
			MaxErrorRate:    cfg.MaxErrorRate,
			MaxP95Ms:        cfg.MaxP95.Milliseconds(),
			AlertMinSamples: cfg.AlertMinSamples,
			AlertCooldownMs: cfg.AlertCooldown.Milliseconds(),
		},
		Healthy:        healthy,
		Recommendation: RecommendationHealthy,
	}
	if !healthy {
		view.Recommendation = RecommendationDegraded
	}
	return view
}

// BuildDLQView returns stats and up to limit records, most recent first.
func BuildDLQView(q *dlq.Queue, limit int) DLQView {
	records := q.GetRecords(limit)
	if records == nil {
		records = []dlq.Record{}
	}
	return DLQView{Stats: q.GetStats(), Records: records}
}

func BuildWorkerView(src MetricsSource, enabled bool) WorkerView {
	return WorkerView{Enabled: enabled, Metrics: src.Metrics()}
}

func BuildAuditView(g *opsguard.Guard, limit int) AuditView {
	records := g.Recent(limit)
	if records == nil {
		records = []opsguard.AuditRecord{}
	}
	return AuditView{Records: records}
}
