package reliability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/reliability-core/internal/dlq"
	"github.com/tjfontaine/reliability-core/internal/idempotency"
	"github.com/tjfontaine/reliability-core/internal/replay"
)

// Task is one unit of work for a specialist.
type Task struct {
	ID         string         `json:"id,omitempty"`
	Specialist string         `json:"specialist"`
	Prompt     string         `json:"prompt"`
	Context    map[string]any `json:"context,omitempty"`
	// RecordID is set when the task is a DLQ replay.
	RecordID string `json:"recordId,omitempty"`
}

// Executor runs a task against the task-execution collaborator.
type Executor func(ctx context.Context, task Task) (any, error)

// ExecuteDLQReplayRecord validates that rec carries a specialist and prompt,
// runs it through exec and normalizes the outcome. It never panics into the
// caller.
func ExecuteDLQReplayRecord(ctx context.Context, rec dlq.Record, exec Executor) (res replay.Result) {
	payload, err := dlq.DecodePayload(rec.Payload)
	if err != nil {
		return replay.Result{Error: err.Error()}
	}
	if exec == nil {
		return replay.Result{Error: "no replay executor configured"}
	}

	defer func() {
		if r := recover(); r != nil {
			res = replay.Result{Error: fmt.Sprintf("replay executor panicked: %v", r)}
		}
	}()

	if _, err := exec(ctx, taskFor(rec, payload)); err != nil {
		return replay.Result{Error: err.Error()}
	}
	return replay.Result{Success: true}
}

func taskFor(rec dlq.Record, p dlq.Payload) Task {
	specialist := p.Specialist
	if specialist == "" {
		specialist = rec.Specialist
	}
	return Task{
		ID:         rec.TaskID,
		Specialist: specialist,
		Prompt:     p.Prompt,
		Context:    p.Context,
		RecordID:   rec.ID,
	}
}

// ReplayKey is the processing idempotency key of one replay request.
func ReplayKey(rec dlq.Record) string {
	return fmt.Sprintf("dlq-replay:%s:%d", rec.ID, rec.ReplayCount)
}

// ReplayHandler adapts exec into a replay.Handler. With a processing store,
// each (record, replay request) pair runs at most once to completion: a
// completed reservation succeeds without re-executing, and one still in
// progress fails.
func ReplayHandler(exec Executor, processing *idempotency.Store, logger *slog.Logger) replay.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, rec dlq.Record) (replay.Result, error) {
		if processing == nil {
			return ExecuteDLQReplayRecord(ctx, rec, exec), nil
		}

		key := ReplayKey(rec)
		fingerprint := payloadFingerprint(rec.Payload)

		res, err := processing.Reserve(key, fingerprint, rec.TaskID)
		if err != nil {
			return replay.Result{}, fmt.Errorf("reserve replay: %w", err)
		}
		if res.Duplicate {
			switch res.Record.Status {
			case idempotency.StatusCompleted:
				logger.Info("dlq replay already completed", slog.String("id", rec.ID), slog.String("key", key))
				return replay.Result{Success: true}, nil
			case idempotency.StatusInProgress:
				return replay.Result{Error: "replay already in progress"}, nil
			}
			if _, err := processing.Restart(key); err != nil {
				return replay.Result{}, fmt.Errorf("restart replay: %w", err)
			}
		}

		out := ExecuteDLQReplayRecord(ctx, rec, exec)
		if out.Success {
			if err := processing.Complete(key, out, rec.TaskID); err != nil {
				logger.Error("failed to complete replay reservation", slog.String("key", key), slog.String("error", err.Error()))
			}
		} else {
			if err := processing.Fail(key, out.Error); err != nil {
				logger.Error("failed to fail replay reservation", slog.String("key", key), slog.String("error", err.Error()))
			}
		}
		return out, nil
	}
}

func payloadFingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
