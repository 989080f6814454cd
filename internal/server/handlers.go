package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tjfontaine/reliability-core/internal/dlq"
	"github.com/tjfontaine/reliability-core/internal/opsguard"
	"github.com/tjfontaine/reliability-core/internal/reliability"
	"github.com/tjfontaine/reliability-core/internal/retry"
	"github.com/tjfontaine/reliability-core/internal/slo"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
	maxIngestBytes   = 1 << 20
)

var validate = validator.New()

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

// OutcomeRequest is the body of POST /ingest/outcomes.
type OutcomeRequest struct {
	Outcome    string `json:"outcome" validate:"required,oneof=success failure"`
	DurationMs int64  `json:"durationMs" validate:"gte=0"`
}

// DLQRequest is the body of POST /ingest/dlq. Transient is classified from
// the reason when omitted.
type DLQRequest struct {
	TaskID     string          `json:"taskId"`
	Specialist string          `json:"specialist"`
	Reason     string          `json:"reason" validate:"required"`
	Transient  *bool           `json:"transient"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
}

func (h *handlers) getSLO(w http.ResponseWriter, r *http.Request) {
	if h.deps.Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "slo monitoring is disabled")
		return
	}
	view := reliability.BuildSLOView(h.deps.Monitor)
	opsguard.SetDetail(r.Context(), fmt.Sprintf("healthy=%t", view.Healthy))
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) listDLQ(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "dlq is disabled")
		return
	}
	limit, err := pageLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reliability.BuildDLQView(h.deps.Queue, limit))
}

func (h *handlers) getWorker(w http.ResponseWriter, r *http.Request) {
	if h.deps.Worker == nil {
		writeJSON(w, http.StatusOK, reliability.WorkerView{Enabled: false})
		return
	}
	writeJSON(w, http.StatusOK, reliability.BuildWorkerView(h.deps.Worker, h.deps.WorkerEnabled))
}

func (h *handlers) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := pageLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reliability.BuildAuditView(h.deps.Guard, limit))
}

func (h *handlers) requestReplay(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "dlq is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	dryRun, err := parseBool(r.URL.Query().Get("dryRun"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "dryRun must be true or false")
		return
	}

	res, err := h.deps.Queue.RequestReplay(id, dryRun)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to request replay")
		return
	}
	if res == nil {
		opsguard.SetDetail(r.Context(), "record "+id+" not found")
		writeError(w, http.StatusNotFound, "dlq record not found")
		return
	}

	opsguard.SetDetail(r.Context(), fmt.Sprintf("record %s replayCount=%d dryRun=%t", id, res.Record.ReplayCount, dryRun))
	status := http.StatusAccepted
	if dryRun {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *handlers) ingestOutcome(w http.ResponseWriter, r *http.Request) {
	if h.deps.Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "slo monitoring is disabled")
		return
	}
	var req OutcomeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	outcome, err := slo.ParseOutcome(req.Outcome)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	alerted := h.deps.Monitor.Record(outcome, time.Duration(req.DurationMs)*time.Millisecond)
	if alerted {
		opsguard.SetDetail(r.Context(), "slo degraded alert emitted")
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"recorded": true, "alerted": alerted})
}

func (h *handlers) ingestDLQ(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "dlq is disabled")
		return
	}
	var req DLQRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entry := dlq.Entry{
		TaskID:     req.TaskID,
		Specialist: req.Specialist,
		Reason:     req.Reason,
		Payload:    req.Payload,
	}
	if req.Transient != nil {
		entry.Transient = *req.Transient
	} else {
		entry.Transient = retry.IsTransient(errors.New(req.Reason))
	}

	rec, err := h.deps.Queue.Enqueue(entry)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue record")
		return
	}
	opsguard.SetDetail(r.Context(), "record "+rec.ID)
	h.logger.Info("dlq record ingested",
		slog.String("id", rec.ID),
		slog.String("task_id", rec.TaskID),
		slog.Bool("transient", rec.Transient))

	// the record is kept either way; a replay of it would be guardrail skipped
	resp := IngestedRecord{Record: rec}
	if _, err := dlq.DecodePayload(rec.Payload); err != nil {
		resp.Warning = err.Error()
		h.logger.Warn("ingested dlq record is not replayable",
			slog.String("id", rec.ID),
			slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusCreated, resp)
}

// IngestedRecord is the POST /ingest/dlq response. Warning is set when the
// payload lacks the specialist/prompt envelope a replay needs.
type IngestedRecord struct {
	dlq.Record
	Warning string `json:"warning,omitempty"`
}

// decodeBody decodes and validates a JSON body, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("field %s failed %s validation", fe.Field(), fe.Tag())
}

func pageLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultPageLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxPageLimit {
		n = maxPageLimit
	}
	return n, nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "false":
		return false, nil
	case "true":
		return true, nil
	}
	return false, fmt.Errorf("invalid boolean %q", raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "status": status})
}
