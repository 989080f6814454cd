// Package alerts defines reliability alert events and delivers them to a
// webhook and the log.
package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/tjfontaine/reliability-core/internal/canonical"
)

// SchemaVersion is stamped on every event.
const SchemaVersion = "v1"

// TimestampLayout formats Event.At (UTC, millisecond precision).
const TimestampLayout = "2006-01-02T15:04:05.000Z"

type EventType string

const (
	TypeSLODegraded  EventType = "dispatch_slo_degraded"
	TypeReplayFailed EventType = "dlq_replay_failed"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is immutable once built. Payload holds one of the typed payloads
// below.
type Event struct {
	SchemaVersion string    `json:"schemaVersion"`
	Type          EventType `json:"type"`
	At            string    `json:"at"`
	Severity      Severity  `json:"severity"`
	Summary       string    `json:"summary"`
	Payload       any       `json:"payload"`
}

// Canonical returns the deterministic wire form of the event.
func (e Event) Canonical() ([]byte, error) {
	return canonical.Marshal(e)
}

// SLODegradedPayload describes an SLO breach.
type SLODegradedPayload struct {
	Reasons       []string `json:"reasons"`
	Total         int      `json:"total"`
	Failures      int      `json:"failures"`
	MinSamples    int      `json:"minSamples"`
	ErrorRate     float64  `json:"errorRate"`
	P95Ms         int64    `json:"p95Ms"`
	MaxErrorRate  float64  `json:"maxErrorRate"`
	MaxP95Ms      int64    `json:"maxP95Ms"`
	WindowMinutes int      `json:"windowMinutes"`
}

// ReplayFailedPayload describes a failed DLQ replay attempt.
type ReplayFailedPayload struct {
	RecordID    string `json:"recordId"`
	TaskID      string `json:"taskId,omitempty"`
	Specialist  string `json:"specialist,omitempty"`
	ReplayCount int    `json:"replayCount"`
	Error       string `json:"error"`
}

// NewSLODegraded builds a warning event for an SLO breach.
func NewSLODegraded(p SLODegradedPayload, at time.Time) Event {
	return Event{
		SchemaVersion: SchemaVersion,
		Type:          TypeSLODegraded,
		At:            formatTime(at),
		Severity:      SeverityWarning,
		Summary: fmt.Sprintf("dispatch SLO degraded: %s (error rate %.4f, p95 %dms over %d samples)",
			strings.Join(p.Reasons, ", "), p.ErrorRate, p.P95Ms, p.Total),
		Payload: p,
	}
}

// NewReplayFailed builds a critical event for a failed DLQ replay.
func NewReplayFailed(p ReplayFailedPayload, at time.Time) Event {
	return Event{
		SchemaVersion: SchemaVersion,
		Type:          TypeReplayFailed,
		At:            formatTime(at),
		Severity:      SeverityCritical,
		Summary:       fmt.Sprintf("dlq replay failed for record %s (replay %d): %s", p.RecordID, p.ReplayCount, p.Error),
		Payload:       p,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
