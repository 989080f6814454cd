// Package slo tracks dispatch outcomes over a sliding window and raises an
// alert when the error rate or p95 latency exceed their budgets.
package slo

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/reliability-core/internal/alerts"
	"github.com/tjfontaine/reliability-core/internal/storage/snapshot"
)

// Window is how far back samples count.
const Window = 15 * time.Minute

// SnapshotName is the persisted document name.
const SnapshotName = "slo-samples"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ParseOutcome accepts "success" or "failure".
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(s) {
	case OutcomeSuccess, OutcomeFailure:
		return Outcome(s), nil
	}
	return "", fmt.Errorf("unknown outcome %q", s)
}

// Sample is one dispatch observation.
type Sample struct {
	At         time.Time `json:"at"`
	DurationMs int64     `json:"durationMs"`
	Outcome    Outcome   `json:"outcome"`
}

// Snapshot is the window summary.
type Snapshot struct {
	Total         int        `json:"total"`
	Failures      int        `json:"failures"`
	ErrorRate     float64    `json:"errorRate"`
	P95Ms         int64      `json:"p95Ms"`
	WindowMinutes int        `json:"windowMinutes"`
	LastAlertAt   *time.Time `json:"lastAlertAt,omitempty"`
}

// Config holds the budgets and persistence settings.
type Config struct {
	MaxErrorRate      float64
	MaxP95            time.Duration
	AlertMinSamples   int
	AlertCooldown     time.Duration
	PersistEnabled    bool
	PersistMaxSamples int
}

type persisted struct {
	Samples     []Sample   `json:"samples"`
	LastAlertAt *time.Time `json:"lastAlertAt"`
}

// Monitor owns the sample window.
type Monitor struct {
	cfg       Config
	snap      snapshot.Store
	publisher alerts.Publisher
	now       func() time.Time
	logger    *slog.Logger

	mu          sync.Mutex
	samples     []Sample // oldest first
	lastAlertAt time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// New creates a monitor. When persistence is enabled the previous window and
// last alert time are restored from snap. publisher may be nil.
func New(cfg Config, snap snapshot.Store, publisher alerts.Publisher, opts ...Option) (*Monitor, error) {
	if snap == nil {
		snap = snapshot.NewMemoryStore()
	}
	m := &Monitor{
		cfg:       cfg,
		snap:      snap,
		publisher: publisher,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if cfg.PersistEnabled {
		var doc persisted
		if _, err := snap.Load(SnapshotName, &doc); err != nil {
			return nil, fmt.Errorf("restore slo snapshot: %w", err)
		}
		m.samples = doc.Samples
		if doc.LastAlertAt != nil {
			m.lastAlertAt = *doc.LastAlertAt
		}
		m.trimLocked(m.now())
	}
	return m, nil
}

// Record adds a sample and, once the window holds enough samples, checks the
// budgets. It reports whether an alert was raised.
func (m *Monitor) Record(outcome Outcome, duration time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.trimLocked(now)
	m.samples = append(m.samples, Sample{
		At:         now,
		DurationMs: duration.Milliseconds(),
		Outcome:    outcome,
	})
	m.persistLocked()

	if len(m.samples) < m.cfg.AlertMinSamples {
		return false
	}

	snap := m.snapshotLocked()
	var reasons []string
	if snap.ErrorRate > m.cfg.MaxErrorRate {
		reasons = append(reasons, "error_rate")
	}
	if snap.P95Ms > m.cfg.MaxP95.Milliseconds() {
		reasons = append(reasons, "p95_latency")
	}
	if len(reasons) == 0 {
		return false
	}
	if !m.lastAlertAt.IsZero() && now.Sub(m.lastAlertAt) < m.cfg.AlertCooldown {
		return false
	}

	m.lastAlertAt = now
	m.persistLocked()

	m.logger.Warn("dispatch slo degraded",
		slog.Any("reasons", reasons),
		slog.Float64("error_rate", snap.ErrorRate),
		slog.Int64("p95_ms", snap.P95Ms),
		slog.Int("samples", snap.Total))

	if m.publisher != nil {
		m.publisher.Publish(alerts.NewSLODegraded(alerts.SLODegradedPayload{
			Reasons:       reasons,
			Total:         snap.Total,
			Failures:      snap.Failures,
			MinSamples:    m.cfg.AlertMinSamples,
			ErrorRate:     snap.ErrorRate,
			P95Ms:         snap.P95Ms,
			MaxErrorRate:  m.cfg.MaxErrorRate,
			MaxP95Ms:      m.cfg.MaxP95.Milliseconds(),
			WindowMinutes: int(Window / time.Minute),
		}, now))
	}
	return true
}

// Snapshot summarizes the current window.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trimLocked(m.now())
	return m.snapshotLocked()
}

// Thresholds returns the configured budgets.
func (m *Monitor) Thresholds() Config {
	return m.cfg
}

func (m *Monitor) snapshotLocked() Snapshot {
	s := Snapshot{
		Total:         len(m.samples),
		WindowMinutes: int(Window / time.Minute),
	}
	if !m.lastAlertAt.IsZero() {
		at := m.lastAlertAt
		s.LastAlertAt = &at
	}
	if s.Total == 0 {
		return s
	}

	durations := make([]int64, 0, s.Total)
	for _, sample := range m.samples {
		if sample.Outcome == OutcomeFailure {
			s.Failures++
		}
		durations = append(durations, sample.DurationMs)
	}
	s.ErrorRate = float64(s.Failures) / float64(s.Total)
	s.P95Ms = Percentile95(durations)
	return s
}

// Percentile95 returns the value at rank ceil(0.95*n)-1 of the sorted
// values. It sorts values in place.
func Percentile95(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	idx := int(math.Ceil(0.95*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}

func (m *Monitor) trimLocked(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(m.samples) && m.samples[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append([]Sample(nil), m.samples[i:]...)
	}
}

func (m *Monitor) persistLocked() {
	if !m.cfg.PersistEnabled {
		return
	}

	samples := m.samples
	if limit := m.cfg.PersistMaxSamples; limit > 0 && len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	doc := persisted{Samples: samples}
	if !m.lastAlertAt.IsZero() {
		at := m.lastAlertAt
		doc.LastAlertAt = &at
	}
	if err := m.snap.Save(SnapshotName, doc); err != nil {
		m.logger.Error("failed to persist slo snapshot", slog.String("error", err.Error()))
	}
}
