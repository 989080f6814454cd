package runtime

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/reliability-core/internal/alerts"
	"github.com/tjfontaine/reliability-core/internal/config"
	"github.com/tjfontaine/reliability-core/internal/reliability"
	"github.com/tjfontaine/reliability-core/internal/storage/snapshot"
)

// Option is a functional option for configuring a Core.
type Option func(*Core) error

// WithConfig uses cfg instead of the cached process configuration.
func WithConfig(cfg *config.Config) Option {
	return func(c *Core) error {
		if cfg == nil {
			return errors.New("config must not be nil")
		}
		c.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Core) error {
		c.logger = logger
		return nil
	}
}

// WithSnapshotStore persists into store instead of the configured backend.
// The caller keeps ownership; Shutdown does not close it.
func WithSnapshotStore(store snapshot.Store) Option {
	return func(c *Core) error {
		c.store = store
		c.ownsStore = false
		return nil
	}
}

// WithExecutor sets the task-execution collaborator used for DLQ replays.
// It takes precedence over DLQ_REPLAY_EXECUTOR_URL.
func WithExecutor(exec reliability.Executor) Option {
	return func(c *Core) error {
		c.executor = exec
		return nil
	}
}

// WithPublisher routes alert events to p instead of the built-in emitter.
func WithPublisher(p alerts.Publisher) Option {
	return func(c *Core) error {
		c.publisher = p
		return nil
	}
}

// WithClock sets the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(c *Core) error {
		c.now = now
		return nil
	}
}

// WithHTTPClient overrides the client used for webhook delivery and the
// HTTP replay executor.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Core) error {
		c.httpClient = client
		return nil
	}
}
