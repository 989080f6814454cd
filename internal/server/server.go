package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/reliability-core/internal/auth"
	"github.com/tjfontaine/reliability-core/internal/dlq"
	"github.com/tjfontaine/reliability-core/internal/idempotency"
	"github.com/tjfontaine/reliability-core/internal/opsguard"
	"github.com/tjfontaine/reliability-core/internal/reliability"
	"github.com/tjfontaine/reliability-core/internal/slo"
)

// BasePath prefixes every administrative route.
const BasePath = "/ops/reliability"

const shutdownTimeout = 10 * time.Second

// Deps are the components the admin surface reads and drives. A nil Monitor
// or Queue means the feature is switched off; its routes answer 503.
type Deps struct {
	Monitor       *slo.Monitor
	Queue         *dlq.Queue
	Worker        reliability.MetricsSource
	WorkerEnabled bool
	Guard         *opsguard.Guard
	// RequestIdempotency deduplicates replay requests carrying an
	// Idempotency-Key header. Optional.
	RequestIdempotency *idempotency.Store
	Authenticator      *auth.Authenticator
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
}

// New builds the admin router. The guard is required; every route under
// BasePath passes through it.
func New(port int, requestTimeout time.Duration, logger *slog.Logger, deps Deps) (*Server, error) {
	if deps.Guard == nil {
		return nil, errors.New("server: ops guard is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "reliability-admin")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	h := &handlers{deps: deps, logger: logger}
	g := deps.Guard
	read := func(action string) func(http.Handler) http.Handler { return g.Middleware(action, opsguard.ModeRead) }
	write := func(action string) func(http.Handler) http.Handler { return g.Middleware(action, opsguard.ModeWrite) }

	r.Route(BasePath, func(r chi.Router) {
		r.Use(deps.Authenticator.Middleware)
		r.Use(TimeoutMiddleware(requestTimeout))

		r.With(read("slo.read")).Get("/slo", h.getSLO)
		r.With(read("dlq.read")).Get("/dlq", h.listDLQ)
		r.With(read("dlq.worker.read")).Get("/dlq/worker", h.getWorker)
		r.With(read("audit.read")).Get("/audit", h.listAudit)

		replay := r.With(write("dlq.replay"))
		if deps.RequestIdempotency != nil {
			replay = replay.With(deps.RequestIdempotency.Middleware)
		}
		replay.Post("/dlq/{id}/replay", h.requestReplay)

		r.With(write("slo.record")).Post("/ingest/outcomes", h.ingestOutcome)
		r.With(write("dlq.enqueue")).Post("/ingest/dlq", h.ingestDLQ)
	})

	return &Server{Router: r, Port: port, logger: logger}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting admin server", slog.Int("port", s.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("stopping admin server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	return nil
}
