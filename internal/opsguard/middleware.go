package opsguard

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/tjfontaine/reliability-core/internal/auth"
)

// HeaderOperatorKey carries the operator key.
const HeaderOperatorKey = "x-ops-operator-key"

type detailKey struct{}

// SetDetail attaches a detail string to the audit record of the current
// request. No-op outside Middleware.
func SetDetail(ctx context.Context, detail string) {
	if holder, ok := ctx.Value(detailKey{}).(*string); ok {
		*holder = detail
	}
}

// ClientIP returns the first X-Forwarded-For entry, or the host of
// RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequestFrom builds a guard Request from r. The actor comes from the
// request context (see auth.Middleware).
func RequestFrom(r *http.Request, action string, mode Mode) Request {
	return Request{
		Action:      action,
		Mode:        mode,
		Actor:       auth.ActorFrom(r.Context()),
		OperatorKey: r.Header.Get(HeaderOperatorKey),
		ClientIP:    ClientIP(r),
		UserAgent:   r.UserAgent(),
		Path:        r.URL.Path,
		Method:      r.Method,
	}
}

// Middleware guards an endpoint: rate limit, access policy, handler, audit.
// Denials are answered with a JSON error and never reach next.
func (g *Guard) Middleware(action string, mode Mode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := RequestFrom(r, action, mode)

			d := g.Check(req)
			if !d.Allowed {
				if d.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
				}
				writeDenial(w, d)
				return
			}

			var detail string
			ctx := context.WithValue(r.Context(), detailKey{}, &detail)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				if rec := recover(); rec != nil {
					// audited here, answered by the router's recoverer
					g.Audit(req, http.StatusInternalServerError, OutcomeError, "handler panicked")
					panic(rec)
				}
				outcome := OutcomeAllowed
				if sw.status >= http.StatusInternalServerError {
					outcome = OutcomeError
				}
				g.Audit(req, sw.status, outcome, detail)
			}()

			next.ServeHTTP(sw, r.WithContext(ctx))
		})
	}
}

func writeDenial(w http.ResponseWriter, d Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": d.Reason, "status": d.Status})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
