// Package runtime constructs the reliability components from configuration
// and manages their lifecycle. Core can be embedded in a larger process or
// run standalone by cmd/reliabilityd.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/reliability-core/internal/alerts"
	"github.com/tjfontaine/reliability-core/internal/auth"
	"github.com/tjfontaine/reliability-core/internal/config"
	"github.com/tjfontaine/reliability-core/internal/dlq"
	"github.com/tjfontaine/reliability-core/internal/idempotency"
	"github.com/tjfontaine/reliability-core/internal/metrics"
	"github.com/tjfontaine/reliability-core/internal/opsguard"
	"github.com/tjfontaine/reliability-core/internal/pkg/safehttp"
	"github.com/tjfontaine/reliability-core/internal/reliability"
	"github.com/tjfontaine/reliability-core/internal/replay"
	"github.com/tjfontaine/reliability-core/internal/retry"
	"github.com/tjfontaine/reliability-core/internal/server"
	"github.com/tjfontaine/reliability-core/internal/slo"
	"github.com/tjfontaine/reliability-core/internal/storage/snapshot"
)

const shutdownTimeout = 15 * time.Second

// Core owns every reliability component. Components switched off by a
// feature flag are nil and their accessors return nil.
type Core struct {
	cfg        *config.Config
	logger     *slog.Logger
	now        func() time.Time
	httpClient *http.Client

	store     snapshot.Store
	ownsStore bool

	requests   *idempotency.Store
	processing *idempotency.Store
	queue      *dlq.Queue
	emitter    *alerts.Emitter
	publisher  alerts.Publisher
	monitor    *slo.Monitor
	worker     *replay.Worker
	guard      *opsguard.Guard
	metrics    *metrics.Collector
	server     *server.Server
	executor   reliability.Executor

	mu       sync.Mutex
	started  bool
	shutdown bool
}

// New builds a Core. Without WithConfig the cached process configuration
// is used; without WithSnapshotStore the configured backend is opened.
func New(opts ...Option) (*Core, error) {
	c := &Core{
		logger:    slog.Default(),
		now:       time.Now,
		ownsStore: true,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if c.cfg == nil {
		cfg, err := config.Current()
		if err != nil {
			return nil, err
		}
		c.cfg = cfg
	}

	if c.store == nil {
		st := c.cfg.Storage
		store, err := snapshot.Open(st.Backend, st.Dir, st.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", st.Backend, err)
		}
		c.store = store
	}

	if err := c.build(); err != nil {
		if c.emitter != nil {
			_ = c.emitter.Close(context.Background())
		}
		if c.ownsStore {
			_ = c.store.Close()
		}
		return nil, err
	}
	return c, nil
}

func (c *Core) build() error {
	cfg := c.cfg
	var err error

	if c.publisher == nil && cfg.Alerts.Enabled {
		client := c.httpClient
		if client == nil {
			client = safehttp.NewClient(cfg.Alerts.WebhookBlockPrivate)
		}
		c.emitter = alerts.NewEmitter(alerts.Config{
			Enabled:       cfg.Alerts.Enabled,
			ConsoleEcho:   cfg.Alerts.ConsoleEcho,
			WebhookURL:    cfg.Alerts.WebhookURL,
			WebhookSecret: cfg.Alerts.WebhookSecret,
			Timeout:       cfg.Alerts.WebhookTimeout,
			QueueSize:     cfg.Alerts.QueueSize,
		}, alerts.WithHTTPClient(client), alerts.WithLogger(c.logger))
		c.publisher = c.emitter
	}

	if cfg.Features.Idempotency {
		c.requests, err = idempotency.New(idempotency.RequestStoreName, cfg.Idempotency.RequestTTL, c.store,
			idempotency.WithClock(c.now), idempotency.WithLogger(c.logger))
		if err != nil {
			return fmt.Errorf("create request idempotency store: %w", err)
		}
		c.processing, err = idempotency.New(idempotency.ProcessingStoreName, cfg.Idempotency.ProcessingTTL, c.store,
			idempotency.WithClock(c.now), idempotency.WithLogger(c.logger))
		if err != nil {
			return fmt.Errorf("create processing idempotency store: %w", err)
		}
	}

	if cfg.Features.DLQ {
		c.queue, err = dlq.New(c.store, dlq.WithClock(c.now), dlq.WithLogger(c.logger))
		if err != nil {
			return fmt.Errorf("create dlq: %w", err)
		}
		c.worker = replay.New(c.queue, c.publisher, replay.WithClock(c.now), replay.WithLogger(c.logger))
	}

	if cfg.Features.SLO {
		c.monitor, err = slo.New(slo.Config{
			MaxErrorRate:      cfg.SLO.MaxErrorRate,
			MaxP95:            cfg.SLO.MaxP95,
			AlertMinSamples:   cfg.SLO.AlertMinSamples,
			AlertCooldown:     cfg.SLO.AlertCooldown,
			PersistEnabled:    cfg.SLO.PersistEnabled,
			PersistMaxSamples: cfg.SLO.PersistMaxSamples,
		}, c.store, c.publisher, slo.WithClock(c.now), slo.WithLogger(c.logger))
		if err != nil {
			return fmt.Errorf("create slo monitor: %w", err)
		}
	}

	c.metrics = metrics.NewCollector()
	c.guard, err = opsguard.New(opsguard.Config{
		RequireOperatorKey:   cfg.Ops.RequireOperatorKey,
		OperatorKeys:         cfg.Ops.OperatorKeys,
		RequireNonPublicAuth: cfg.Ops.RequireNonPublicAuth,
		AllowDemoWrites:      cfg.Ops.AllowDemoWrites,
		DemoActorID:          cfg.Ops.DemoActorID,
		RateLimitWindow:      cfg.Ops.RateLimitWindow,
		RateLimitMax:         cfg.Ops.RateLimitMax,
		AuditMaxRecords:      cfg.Ops.AuditMaxRecords,
	}, c.store,
		opsguard.WithClock(c.now),
		opsguard.WithLogger(c.logger),
		opsguard.WithAuditObserver(c.metrics.ObserveAudit))
	if err != nil {
		return fmt.Errorf("create ops guard: %w", err)
	}

	if c.executor == nil && cfg.Replay.ExecutorURL != "" {
		client := c.httpClient
		if client == nil {
			client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
		}
		c.executor = reliability.NewHTTPExecutor(cfg.Replay.ExecutorURL, cfg.Replay.ExecutorTimeout, client).Execute
	}

	deps := server.Deps{
		Guard:         c.guard,
		Authenticator: auth.NewAuthenticator(cfg.Server.APIKeys),
		Metrics:       c.metrics.Handler(),
		WorkerEnabled: cfg.Replay.Enabled,
	}
	// typed nils must not leak into the interface-valued fields
	if c.monitor != nil {
		deps.Monitor = c.monitor
		c.metrics.RegisterSLO(c.monitor)
	}
	if c.queue != nil {
		deps.Queue = c.queue
		c.metrics.RegisterDLQ(c.queue)
	}
	if c.worker != nil {
		deps.Worker = c.worker
		c.metrics.RegisterWorker(c.worker)
	}
	if c.requests != nil {
		deps.RequestIdempotency = c.requests
	}

	c.server, err = server.New(cfg.Server.Port, cfg.Server.RequestTimeout, c.logger, deps)
	if err != nil {
		return fmt.Errorf("create admin server: %w", err)
	}
	return nil
}

// ReplayOptions are the worker options derived from configuration.
func (c *Core) ReplayOptions() replay.Options {
	r := c.cfg.Replay
	return replay.Options{
		Interval:         r.Interval,
		BatchSize:        r.BatchSize,
		MaxReplayCount:   r.MaxReplayCount,
		MinRecordAge:     r.MinRecordAge,
		MinRetryInterval: r.MinRetryInterval,
		RequireTransient: r.RequireTransient,
		Handler:          reliability.ReplayHandler(c.executor, c.processing, c.logger),
	}
}

// Start starts the replay worker when replay is enabled and an executor is
// available. It does not start the admin server; see Serve.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return errors.New("core is shut down")
	}
	if c.started {
		return nil
	}
	c.started = true

	switch {
	case !c.cfg.Replay.Enabled:
		c.logger.Info("dlq replay worker disabled")
	case c.worker == nil:
		c.logger.Warn("dlq replay enabled but the dlq feature is off")
	case c.executor == nil:
		c.logger.Warn("dlq replay enabled but no executor is configured; set DLQ_REPLAY_EXECUTOR_URL")
	default:
		if err := c.worker.Start(ctx, c.ReplayOptions()); err != nil {
			return fmt.Errorf("start replay worker: %w", err)
		}
	}

	c.logger.Info("reliability core started",
		slog.Bool("idempotency", c.requests != nil),
		slog.Bool("dlq", c.queue != nil),
		slog.Bool("slo", c.monitor != nil),
		slog.Bool("alerts", c.emitter != nil),
		slog.String("storage", c.cfg.Storage.Backend))
	return nil
}

// Serve starts the core, runs the admin server until ctx is cancelled and
// then shuts everything down.
func (c *Core) Serve(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	serveErr := c.server.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, c.Shutdown(shutdownCtx))
}

// Shutdown stops the worker and waits for an in-flight run, then drains the
// alert queue and closes the snapshot store when the core opened it. It is safe to
// call more than once.
func (c *Core) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	c.mu.Unlock()

	var err error
	// the emitter must outlive the worker; a failing replay still publishes
	if c.worker != nil {
		c.worker.Stop()
		if werr := c.worker.Wait(ctx); werr != nil {
			err = fmt.Errorf("wait for replay run: %w", werr)
		}
	}
	if c.emitter != nil {
		if cerr := c.emitter.Close(ctx); cerr != nil {
			err = errors.Join(err, fmt.Errorf("drain alert queue: %w", cerr))
		}
	}

	if c.ownsStore {
		if cerr := c.store.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close storage: %w", cerr))
		}
	}
	c.logger.Info("reliability core stopped")
	return err
}

// Dispatcher returns a dispatcher wired to the core's retry policy, SLO
// monitor and DLQ.
func (c *Core) Dispatcher() *reliability.Dispatcher {
	return &reliability.Dispatcher{
		Retry: retry.Options{
			MaxAttempts: c.cfg.Retry.MaxAttempts,
			BaseDelay:   c.cfg.Retry.BaseDelay,
			MaxDelay:    c.cfg.Retry.MaxDelay,
			ShouldRetry: retry.IsTransient,
		},
		Monitor: c.monitor,
		Queue:   c.queue,
		Logger:  c.logger,
		Now:     c.now,
	}
}

func (c *Core) Config() *config.Config { return c.cfg }
func (c *Core) Handler() http.Handler { return c.server.Router }
func (c *Core) Queue() *dlq.Queue { return c.queue }
func (c *Core) Monitor() *slo.Monitor { return c.monitor }
func (c *Core) Worker() *replay.Worker { return c.worker }
func (c *Core) Guard() *opsguard.Guard { return c.guard }
func (c *Core) RequestIdempotency() *idempotency.Store { return c.requests }
func (c *Core) ProcessingIdempotency() *idempotency.Store { return c.processing }
func (c *Core) Metrics() *metrics.Collector { return c.metrics }
