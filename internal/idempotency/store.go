// Package idempotency deduplicates requests by (key, fingerprint) with a
// TTL. Two instances are used in practice: a short-lived request class and a
// long-lived processing class, both built from Store.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/reliability-core/internal/storage/snapshot"
)

// Snapshot names of the two TTL classes.
const (
	RequestStoreName    = "idempotency-request"
	ProcessingStoreName = "idempotency-processing"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is the single live entry for a key.
type Record struct {
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	TaskID      string          `json:"taskId,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Reservation is the result of Reserve. When Duplicate is true the caller
// must not start new work; Record holds the existing entry. Replaced reports
// that a live record with a different fingerprint was overwritten.
type Reservation struct {
	Duplicate bool
	Replaced  bool
	Record    Record
}

// Store owns the records of one TTL class.
type Store struct {
	name   string
	ttl    time.Duration
	snap   snapshot.Store
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]*Record
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a store persisted under name and restores its snapshot.
func New(name string, ttl time.Duration, snap snapshot.Store, opts ...Option) (*Store, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("idempotency ttl must be positive")
	}
	if snap == nil {
		snap = snapshot.NewMemoryStore()
	}

	s := &Store{
		name:    name,
		ttl:     ttl,
		snap:    snap,
		now:     time.Now,
		logger:  slog.Default(),
		records: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(s)
	}

	loaded := make(map[string]*Record)
	if _, err := snap.Load(name, &loaded); err != nil {
		return nil, fmt.Errorf("restore idempotency snapshot %s: %w", name, err)
	}
	for key, rec := range loaded {
		if rec != nil {
			s.records[key] = rec
		}
	}
	return s, nil
}

// Name returns the snapshot name of this store.
func (s *Store) Name() string {
	return s.name
}

// Reserve prunes expired records, then either returns the live record for
// key as a duplicate (same fingerprint) or starts a new in-progress record.
func (s *Store) Reserve(key, fingerprint, taskID string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	pruned := s.pruneLocked(now)

	var replaced bool
	if existing, ok := s.records[key]; ok {
		if existing.Fingerprint == fingerprint {
			if pruned {
				if err := s.persistLocked(); err != nil {
					return Reservation{}, err
				}
			}
			return Reservation{Duplicate: true, Record: *existing}, nil
		}
		replaced = true
		s.logger.Warn("idempotency key reused with a different fingerprint, replacing record",
			slog.String("store", s.name),
			slog.String("key", key),
			slog.String("previous_fingerprint", existing.Fingerprint),
			slog.String("fingerprint", fingerprint),
			slog.String("previous_status", string(existing.Status)))
	}

	rec := &Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
		TaskID:      taskID,
	}
	s.records[key] = rec

	if err := s.persistLocked(); err != nil {
		return Reservation{}, err
	}
	return Reservation{Replaced: replaced, Record: *rec}, nil
}

// Complete stores the response for key. A missing key is a no-op.
func (s *Store) Complete(key string, response any, taskID string) error {
	var raw json.RawMessage
	if response != nil {
		b, err := json.Marshal(response)
		if err != nil {
			return fmt.Errorf("marshal idempotent response: %w", err)
		}
		raw = b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	rec.Status = StatusCompleted
	rec.Response = raw
	rec.Error = ""
	if taskID != "" {
		rec.TaskID = taskID
	}
	rec.UpdatedAt = s.now()
	return s.persistLocked()
}

// Fail marks key as failed. A missing key is a no-op.
func (s *Store) Fail(key, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	rec.Status = StatusFailed
	rec.Error = errMsg
	rec.UpdatedAt = s.now()
	return s.persistLocked()
}

// Restart moves a failed record back to in progress so the caller can run
// the work again under the same reservation. It reports false when key has
// no failed record.
func (s *Store) Restart(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Status != StatusFailed {
		return false, nil
	}
	rec.Status = StatusInProgress
	rec.Error = ""
	rec.UpdatedAt = s.now()
	return true, s.persistLocked()
}

// Get returns the live record for key.
func (s *Store) Get(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pruneLocked(s.now()) {
		if err := s.persistLocked(); err != nil {
			s.logger.Error("failed to persist idempotency snapshot",
				slog.String("store", s.name), slog.String("error", err.Error()))
		}
	}

	rec, ok := s.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) pruneLocked(now time.Time) bool {
	pruned := false
	for key, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			delete(s.records, key)
			pruned = true
		}
	}
	return pruned
}

func (s *Store) persistLocked() error {
	if err := s.snap.Save(s.name, s.records); err != nil {
		return fmt.Errorf("persist idempotency snapshot %s: %w", s.name, err)
	}
	return nil
}

// Fingerprint hashes the given parts into a hex sha256 digest. Parts are
// length-prefixed so ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	for _, part := range parts {
		fmt.Fprintf(h, "%d:", len(part))
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil))
}
