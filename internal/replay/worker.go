// Package replay runs the guardrailed DLQ replay loop.
//
// A Worker is stopped until Start arms its interval timer and fires one
// immediate run. Only one run is ever in flight: a tick that arrives while a
// run is executing is skipped, not queued. Stop disarms the timer but never
// interrupts a run that has already begun.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/reliability-core/internal/alerts"
	"github.com/tjfontaine/reliability-core/internal/dlq"
)

// MinInterval is the lower bound applied to Options.Interval.
const MinInterval = time.Second

var (
	ErrAlreadyRunning = errors.New("replay worker already running")
	ErrNoHandler      = errors.New("replay worker requires a handler")
)

// Result is what a Handler reports for one record.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Handler replays one record. A returned error, a Result without Success,
// or a panic all count as a failed attempt.
type Handler func(ctx context.Context, rec dlq.Record) (Result, error)

// Options configures a running worker.
type Options struct {
	Interval         time.Duration
	BatchSize        int
	MaxReplayCount   int
	MinRecordAge     time.Duration
	MinRetryInterval time.Duration
	RequireTransient bool
	Handler          Handler
}

// Queue is the part of the DLQ the worker uses.
type Queue interface {
	GetReplayRequestedRecords(limit int) []dlq.Record
	MarkReplayAttempt(id string, a dlq.Attempt) (*dlq.Record, error)
}

// Metrics is a read-only view of worker activity.
type Metrics struct {
	Running          bool       `json:"running"`
	InFlight         bool       `json:"inFlight"`
	IntervalMs       int64      `json:"intervalMs"`
	Runs             int64      `json:"runs"`
	SkippedTicks     int64      `json:"skippedTicks"`
	Claimed          int64      `json:"claimed"`
	Succeeded        int64      `json:"succeeded"`
	Failed           int64      `json:"failed"`
	GuardrailSkipped int64      `json:"guardrailSkipped"`
	LastRunAt        *time.Time `json:"lastRunAt,omitempty"`
	LastCompletedAt  *time.Time `json:"lastCompletedAt,omitempty"`
	LastDurationMs   int64      `json:"lastDurationMs"`
}

// Worker polls the DLQ for replay-requested records.
type Worker struct {
	queue     Queue
	publisher alerts.Publisher
	now       func() time.Time
	logger    *slog.Logger

	// runMu is held for the duration of a run and only ever acquired with
	// TryLock.
	runMu sync.Mutex
	runs  sync.WaitGroup

	mu      sync.Mutex
	opts    Options
	running bool
	stop    chan struct{}
	loop    chan struct{}
	metrics Metrics
}

// Option configures a Worker.
type Option func(*Worker)

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// New creates a stopped worker. publisher may be nil.
func New(queue Queue, publisher alerts.Publisher, opts ...Option) *Worker {
	w := &Worker{
		queue:     queue,
		publisher: publisher,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start arms the interval timer and fires one run immediately. Runs detach
// from ctx cancellation; cancelling ctx stops the timer like Stop does.
func (w *Worker) Start(ctx context.Context, o Options) error {
	if o.Handler == nil {
		return ErrNoHandler
	}
	if o.Interval < MinInterval {
		o.Interval = MinInterval
	}
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrAlreadyRunning
	}

	w.opts = o
	w.running = true
	w.metrics.Running = true
	w.metrics.IntervalMs = o.Interval.Milliseconds()
	w.stop = make(chan struct{})
	w.loop = make(chan struct{})

	runCtx := context.WithoutCancel(ctx)
	go w.tickLoop(ctx, runCtx, o.Interval, w.stop, w.loop)

	w.logger.Info("dlq replay worker started",
		slog.Duration("interval", o.Interval),
		slog.Int("batch_size", o.BatchSize),
		slog.Int("max_replay_count", o.MaxReplayCount),
		slog.Bool("require_transient", o.RequireTransient))
	return nil
}

func (w *Worker) tickLoop(ctx, runCtx context.Context, interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	w.trigger(runCtx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			w.markStopped(stop)
			return
		case <-ticker.C:
			if !w.onTick(runCtx, stop) {
				return
			}
		}
	}
}

// onTick triggers a run unless stop is already closed. A tick and stop can be
// ready in the same select, and select picks between them at random.
func (w *Worker) onTick(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return false
	default:
	}
	w.trigger(ctx)
	return true
}

// trigger starts a run in its own goroutine unless one is in flight.
func (w *Worker) trigger(ctx context.Context) {
	if !w.runMu.TryLock() {
		w.mu.Lock()
		w.metrics.SkippedTicks++
		w.mu.Unlock()
		w.logger.Debug("dlq replay run still in flight, skipping tick")
		return
	}
	w.runs.Add(1)
	go func() {
		defer w.runs.Done()
		defer w.runMu.Unlock()
		w.run(ctx)
	}()
}

// Stop disarms the timer. A run already executing finishes on its own; use
// Wait to block until it has.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stop, loop := w.stop, w.loop
	w.running = false
	w.metrics.Running = false
	close(stop)
	w.mu.Unlock()

	<-loop
	w.logger.Info("dlq replay worker stopped")
}

func (w *Worker) markStopped(stop chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running && w.stop == stop {
		w.running = false
		w.metrics.Running = false
		close(stop)
	}
}

// Wait blocks until no run is in flight or ctx ends.
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single run with o, sharing the single-flight guard
// with the timer. It reports false when another run was in flight.
func (w *Worker) RunOnce(ctx context.Context, o Options) (bool, error) {
	if o.Handler == nil {
		return false, ErrNoHandler
	}
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	if !w.runMu.TryLock() {
		return false, nil
	}
	defer w.runMu.Unlock()

	w.runs.Add(1)
	defer w.runs.Done()
	w.execute(ctx, o)
	return true, nil
}

// Metrics returns a copy of the current counters.
func (w *Worker) Metrics() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

func (w *Worker) run(ctx context.Context) {
	w.mu.Lock()
	o := w.opts
	w.mu.Unlock()
	w.execute(ctx, o)
}

func (w *Worker) execute(ctx context.Context, o Options) {
	start := w.now()
	w.mu.Lock()
	w.metrics.InFlight = true
	w.metrics.Runs++
	w.metrics.LastRunAt = &start
	w.mu.Unlock()

	ctx, span := otel.Tracer("reliability/replay").Start(ctx, "dlq.replay.run")
	defer span.End()

	var claimed, succeeded, failed, skipped int64
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("dlq replay run panicked", slog.Any("panic", r))
			span.SetStatus(codes.Error, fmt.Sprint(r))
		}

		end := w.now()
		w.mu.Lock()
		w.metrics.InFlight = false
		w.metrics.Claimed += claimed
		w.metrics.Succeeded += succeeded
		w.metrics.Failed += failed
		w.metrics.GuardrailSkipped += skipped
		w.metrics.LastCompletedAt = &end
		w.metrics.LastDurationMs = end.Sub(start).Milliseconds()
		w.mu.Unlock()

		span.SetAttributes(
			attribute.Int64("dlq.claimed", claimed),
			attribute.Int64("dlq.succeeded", succeeded),
			attribute.Int64("dlq.failed", failed),
			attribute.Int64("dlq.guardrail_skipped", skipped),
		)
	}()

	records := w.queue.GetReplayRequestedRecords(o.BatchSize)
	claimed = int64(len(records))

	for _, rec := range records {
		if reason, ok := CheckGuardrails(rec, o, w.now()); !ok {
			skipped++
			w.mark(rec.ID, dlq.Attempt{Outcome: dlq.OutcomeGuardrailSkipped, Error: reason})
			w.logger.Info("dlq replay skipped by guardrail",
				slog.String("id", rec.ID),
				slog.String("reason", reason))
			continue
		}

		res, err := w.invoke(ctx, o.Handler, rec)
		if err == nil && res.Success {
			succeeded++
			w.mark(rec.ID, dlq.Attempt{Outcome: dlq.OutcomeSuccess, Replayed: true})
			w.logger.Info("dlq record replayed", slog.String("id", rec.ID))
			continue
		}

		failed++
		msg := failureMessage(res, err)
		w.mark(rec.ID, dlq.Attempt{Outcome: dlq.OutcomeFailed, Error: msg})
		w.logger.Warn("dlq replay failed",
			slog.String("id", rec.ID),
			slog.Int("replay_count", rec.ReplayCount),
			slog.String("error", msg))
		w.alert(rec, msg)
	}
}

func (w *Worker) invoke(ctx context.Context, h Handler, rec dlq.Record) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("replay handler panicked: %v", r)
		}
	}()
	return h(ctx, rec)
}

func (w *Worker) mark(id string, a dlq.Attempt) {
	if _, err := w.queue.MarkReplayAttempt(id, a); err != nil {
		w.logger.Error("failed to record dlq replay attempt",
			slog.String("id", id),
			slog.String("error", err.Error()))
	}
}

func (w *Worker) alert(rec dlq.Record, msg string) {
	if w.publisher == nil {
		return
	}
	specialist := rec.Specialist
	if specialist == "" {
		if p, err := dlq.DecodePayload(rec.Payload); err == nil {
			specialist = p.Specialist
		}
	}
	w.publisher.Publish(alerts.NewReplayFailed(alerts.ReplayFailedPayload{
		RecordID:    rec.ID,
		TaskID:      rec.TaskID,
		Specialist:  specialist,
		ReplayCount: rec.ReplayCount,
		Error:       msg,
	}, w.now()))
}

func failureMessage(res Result, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case res.Error != "":
		return res.Error
	default:
		return "replay handler reported failure"
	}
}

// CheckGuardrails evaluates, in order: transient flag, record age, replay
// count, time since the last attempt and payload shape. It returns the first
// rejection reason, or ok.
func CheckGuardrails(rec dlq.Record, o Options, now time.Time) (reason string, ok bool) {
	if o.RequireTransient && !rec.Transient {
		return "record is non-transient; replay requires a transient failure", false
	}
	if age := now.Sub(rec.CreatedAt); age < o.MinRecordAge {
		return fmt.Sprintf("record age %s is below the minimum %s", age, o.MinRecordAge), false
	}
	if rec.ReplayCount > o.MaxReplayCount {
		return fmt.Sprintf("replay count %d exceeds the maximum %d", rec.ReplayCount, o.MaxReplayCount), false
	}
	if rec.LastReplayAttemptAt != nil {
		if since := now.Sub(*rec.LastReplayAttemptAt); since < o.MinRetryInterval {
			return fmt.Sprintf("last attempt was %s ago, minimum retry interval is %s", since, o.MinRetryInterval), false
		}
	}
	if _, err := dlq.DecodePayload(rec.Payload); err != nil {
		return err.Error(), false
	}
	return "", true
}
