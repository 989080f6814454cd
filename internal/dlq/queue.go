// Package dlq is the dead-letter queue for work that exhausted its retries.
//
// Record lifecycle:
//
//	queued ──RequestReplay──▶ replay_requested ──MarkReplayAttempt(replayed)──▶ replayed
//	                               ▲        │
//	                               └────────┘ failed / guardrail_skipped
//
// The in-memory slice is authoritative; a snapshot of it is written after
// every mutation.
package dlq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/reliability-core/internal/retry"
	"github.com/tjfontaine/reliability-core/internal/storage/snapshot"
)

// SnapshotName is the persisted document name.
const SnapshotName = "dlq"

const (
	// DefaultCapacity bounds how many records are retained, newest kept.
	DefaultCapacity = 1000
	// MaxErrorLength bounds LastReplayError.
	MaxErrorLength = 500
)

type Status string

const (
	StatusQueued          Status = "queued"
	StatusReplayRequested Status = "replay_requested"
	StatusReplayed        Status = "replayed"
)

type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeFailed           Outcome = "failed"
	OutcomeGuardrailSkipped Outcome = "guardrail_skipped"
)

// Record is one dead-lettered unit of work.
type Record struct {
	ID                    string          `json:"id"`
	TaskID                string          `json:"taskId,omitempty"`
	Specialist            string          `json:"specialist,omitempty"`
	Reason                string          `json:"reason"`
	Transient             bool            `json:"transient"`
	Payload               json.RawMessage `json:"payload,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	Status                Status          `json:"status"`
	ReplayCount           int             `json:"replayCount"`
	LastReplayRequestedAt *time.Time      `json:"lastReplayRequestedAt,omitempty"`
	LastReplayAttemptAt   *time.Time      `json:"lastReplayAttemptAt,omitempty"`
	LastReplayOutcome     Outcome         `json:"lastReplayOutcome,omitempty"`
	LastReplayError       string          `json:"lastReplayError,omitempty"`
}

// Entry is what a failing caller hands to Enqueue.
type Entry struct {
	TaskID     string
	Specialist string
	Reason     string
	Transient  bool
	// Payload is marshalled as JSON. It may be anything; it only has to be
	// a valid Payload envelope by the time a replay is attempted.
	Payload any
}

// FromError builds an Entry whose reason is err's text and whose transient
// flag comes from the retry classifier.
func FromError(err error, taskID, specialist string, payload any) Entry {
	e := Entry{TaskID: taskID, Specialist: specialist, Payload: payload}
	if err != nil {
		e.Reason = err.Error()
		e.Transient = retry.IsTransient(err)
	}
	return e
}

// Attempt is the result of one worker replay attempt.
type Attempt struct {
	Outcome  Outcome
	Error    string
	Replayed bool
}

// ReplayResult is returned by RequestReplay.
type ReplayResult struct {
	DryRun bool   `json:"dryRun"`
	Record Record `json:"record"`
}

// Stats summarizes the queue.
type Stats struct {
	Total        int             `json:"total"`
	ByStatus     map[Status]int  `json:"byStatus"`
	Transient    int             `json:"transient"`
	NonTransient int             `json:"nonTransient"`
	ByOutcome    map[Outcome]int `json:"byOutcome"`
}

// Queue owns the dead-letter records.
type Queue struct {
	snap     snapshot.Store
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
	capacity int

	mu      sync.Mutex
	records []*Record // oldest first
}

// Option configures a Queue.
type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithIDGenerator overrides uuid.NewString.
func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) { q.newID = fn }
}

// New creates a queue and restores its snapshot.
func New(snap snapshot.Store, opts ...Option) (*Queue, error) {
	if snap == nil {
		snap = snapshot.NewMemoryStore()
	}
	q := &Queue{
		snap:     snap,
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   slog.Default(),
		capacity: DefaultCapacity,
	}
	for _, opt := range opts {
		opt(q)
	}

	var loaded []*Record
	if _, err := snap.Load(SnapshotName, &loaded); err != nil {
		return nil, fmt.Errorf("restore dlq snapshot: %w", err)
	}
	for _, rec := range loaded {
		if rec != nil {
			q.records = append(q.records, rec)
		}
	}
	q.trimLocked()
	return q, nil
}

// Enqueue stores a new queued record. The record is kept in memory even when
// persisting fails; the error is still returned.
func (q *Queue) Enqueue(e Entry) (Record, error) {
	var payload json.RawMessage
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return Record{}, fmt.Errorf("marshal dlq payload: %w", err)
		}
		payload = b
	}

	specialist := e.Specialist
	if specialist == "" && len(payload) > 0 {
		var probe struct {
			Specialist string `json:"specialist"`
		}
		if json.Unmarshal(payload, &probe) == nil {
			specialist = probe.Specialist
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rec := &Record{
		ID:         q.newID(),
		TaskID:     e.TaskID,
		Specialist: specialist,
		Reason:     e.Reason,
		Transient:  e.Transient,
		Payload:    payload,
		CreatedAt:  q.now(),
		Status:     StatusQueued,
	}
	q.records = append(q.records, rec)
	q.trimLocked()

	q.logger.Info("dlq record enqueued",
		slog.String("id", rec.ID),
		slog.String("task_id", rec.TaskID),
		slog.Bool("transient", rec.Transient))

	return *rec, q.persistLocked()
}

// Get returns the record with id.
func (q *Queue) Get(id string) (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if rec := q.findLocked(id); rec != nil {
		return *rec, true
	}
	return Record{}, false
}

// GetRecords returns up to limit records, most recent first. limit <= 0
// returns every record.
func (q *Queue) GetRecords(limit int) []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, 0, n)
	for i := len(q.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *q.records[i])
	}
	return out
}

// GetStats counts records by status, transient flag and last outcome.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Total: len(q.records),
		ByStatus: map[Status]int{
			StatusQueued:          0,
			StatusReplayRequested: 0,
			StatusReplayed:        0,
		},
		ByOutcome: map[Outcome]int{
			OutcomeSuccess:          0,
			OutcomeFailed:           0,
			OutcomeGuardrailSkipped: 0,
		},
	}
	for _, rec := range q.records {
		stats.ByStatus[rec.Status]++
		if rec.Transient {
			stats.Transient++
		} else {
			stats.NonTransient++
		}
		if rec.LastReplayOutcome != "" {
			stats.ByOutcome[rec.LastReplayOutcome]++
		}
	}
	return stats
}

// RequestReplay moves a record to replay_requested, increments its replay
// count and clears the previous outcome. With dryRun the record is left
// untouched and the result shows what it would become. An unknown id
// returns nil.
func (q *Queue) RequestReplay(id string, dryRun bool) (*ReplayResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec := q.findLocked(id)
	if rec == nil {
		return nil, nil
	}

	now := q.now()
	next := *rec
	next.Status = StatusReplayRequested
	next.ReplayCount++
	next.LastReplayRequestedAt = &now
	next.LastReplayOutcome = ""
	next.LastReplayError = ""

	if dryRun {
		return &ReplayResult{DryRun: true, Record: next}, nil
	}

	*rec = next
	q.logger.Info("dlq replay requested",
		slog.String("id", rec.ID),
		slog.Int("replay_count", rec.ReplayCount))
	return &ReplayResult{Record: *rec}, q.persistLocked()
}

// GetReplayRequestedRecords returns up to limit replay_requested records,
// the oldest request first.
func (q *Queue) GetReplayRequestedRecords(limit int) []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Record
	for _, rec := range q.records {
		if rec.Status == StatusReplayRequested {
			out = append(out, *rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return requestedAt(out[i]).Before(requestedAt(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func requestedAt(r Record) time.Time {
	if r.LastReplayRequestedAt != nil {
		return *r.LastReplayRequestedAt
	}
	return r.CreatedAt
}

// MarkReplayAttempt records the outcome of a worker attempt. The status
// becomes replayed only when a.Replayed is set. A guardrail skip records its
// outcome and reason but leaves LastReplayAttemptAt at the last handler call.
// An unknown id returns nil.
func (q *Queue) MarkReplayAttempt(id string, a Attempt) (*Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec := q.findLocked(id)
	if rec == nil {
		return nil, nil
	}

	if a.Outcome != OutcomeGuardrailSkipped {
		now := q.now()
		rec.LastReplayAttemptAt = &now
	}
	rec.LastReplayOutcome = a.Outcome
	rec.LastReplayError = truncate(a.Error, MaxErrorLength)
	if a.Replayed {
		rec.Status = StatusReplayed
	}

	out := *rec
	return &out, q.persistLocked()
}

func (q *Queue) findLocked(id string) *Record {
	for _, rec := range q.records {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

func (q *Queue) trimLocked() {
	if over := len(q.records) - q.capacity; over > 0 {
		q.records = append([]*Record(nil), q.records[over:]...)
	}
}

func (q *Queue) persistLocked() error {
	if err := q.snap.Save(SnapshotName, q.records); err != nil {
		q.logger.Error("failed to persist dlq snapshot", slog.String("error", err.Error()))
		return fmt.Errorf("persist dlq snapshot: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
