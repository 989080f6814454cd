package idempotency

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

const (
	// HeaderKey carries the caller-supplied idempotency key.
	HeaderKey = "Idempotency-Key"
	// HeaderReplayed is set on responses served from a stored record.
	HeaderReplayed = "Idempotent-Replayed"

	maxBodyBytes = 1 << 20
)

// StoredResponse is what the middleware keeps in Record.Response.
type StoredResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        string `json:"body"`
}

// Middleware deduplicates requests that carry an Idempotency-Key header.
// The fingerprint covers method, path, query and body. A completed duplicate
// is answered from the stored response; one still in progress gets 409.
// Requests without the header pass through untouched.
func (s *Store) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderKey)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		if len(body) > maxBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds 1 MiB")
			return
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		fingerprint := Fingerprint([]byte(r.Method), []byte(r.URL.Path), []byte(r.URL.RawQuery), body)
		res, err := s.Reserve(key, fingerprint, "")
		if err != nil {
			s.logger.Error("idempotency reserve failed",
				slog.String("store", s.name), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "idempotency store unavailable")
			return
		}

		if res.Duplicate {
			switch res.Record.Status {
			case StatusCompleted:
				var stored StoredResponse
				if err := json.Unmarshal(res.Record.Response, &stored); err == nil && stored.Status != 0 {
					if stored.ContentType != "" {
						w.Header().Set("Content-Type", stored.ContentType)
					}
					w.Header().Set(HeaderReplayed, "true")
					w.WriteHeader(stored.Status)
					_, _ = io.WriteString(w, stored.Body)
					return
				}
			case StatusInProgress:
				writeError(w, http.StatusConflict, "request with this idempotency key is still in progress")
				return
			case StatusFailed:
				if _, err := s.Restart(key); err != nil {
					s.logger.Error("idempotency restart failed", slog.String("error", err.Error()))
					writeError(w, http.StatusInternalServerError, "idempotency store unavailable")
					return
				}
			}
		}

		rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status >= http.StatusInternalServerError {
			if err := s.Fail(key, http.StatusText(rec.status)); err != nil {
				s.logger.Error("idempotency fail failed", slog.String("error", err.Error()))
			}
			return
		}
		stored := StoredResponse{
			Status:      rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.String(),
		}
		if err := s.Complete(key, stored, ""); err != nil {
			s.logger.Error("idempotency complete failed", slog.String("error", err.Error()))
		}
	})
}

type capturingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (cw *capturingWriter) WriteHeader(code int) {
	if !cw.wroteHeader {
		cw.status = code
		cw.wroteHeader = true
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *capturingWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	cw.body.Write(b)
	return cw.ResponseWriter.Write(b)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg, "status": status})
}
