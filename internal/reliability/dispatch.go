package reliability

import (
	"context"
	"log/slog"
	"time"

	"github.com/tjfontaine/reliability-core/internal/dlq"
	"github.com/tjfontaine/reliability-core/internal/retry"
	"github.com/tjfontaine/reliability-core/internal/slo"
)

// Dispatcher runs tasks with retries, records every outcome in the SLO
// monitor and dead-letters tasks whose retries are exhausted. A nil monitor
// or queue switches that concern off.
type Dispatcher struct {
	Retry   retry.Options
	Monitor *slo.Monitor
	Queue   *dlq.Queue
	Logger  *slog.Logger
	Now     func() time.Time
}

// Dispatch runs task through exec. On failure the returned error is the last
// attempt's error; the task has already been dead-lettered when a queue is
// configured.
func (d *Dispatcher) Dispatch(ctx context.Context, task Task, exec Executor) (any, error) {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := d.Retry
	userHook := opts.OnRetry
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("task attempt failed, retrying",
			slog.String("task_id", task.ID),
			slog.String("specialist", task.Specialist),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if userHook != nil {
			userHook(attempt, err, delay)
		}
	}

	start := now()
	out, err := retry.Do(ctx, func(ctx context.Context, attempt int) (any, error) {
		return exec(ctx, task)
	}, opts)
	elapsed := now().Sub(start)

	if d.Monitor != nil {
		outcome := slo.OutcomeSuccess
		if err != nil {
			outcome = slo.OutcomeFailure
		}
		d.Monitor.Record(outcome, elapsed)
	}
	if err == nil {
		return out, nil
	}

	if d.Queue != nil {
		payload := dlq.Payload{Specialist: task.Specialist, Prompt: task.Prompt, Context: task.Context}
		rec, qerr := d.Queue.Enqueue(dlq.FromError(err, task.ID, task.Specialist, payload))
		if qerr != nil {
			logger.Error("failed to persist dead-lettered task",
				slog.String("task_id", task.ID),
				slog.String("error", qerr.Error()))
		} else {
			logger.Warn("task dead-lettered",
				slog.String("task_id", task.ID),
				slog.String("dlq_id", rec.ID),
				slog.Bool("transient", rec.Transient))
		}
	}
	return nil, err
}
