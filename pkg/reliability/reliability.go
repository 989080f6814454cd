// Package reliability is the public API for embedding the dispatch
// reliability core in another process.
package reliability

import (
	"github.com/tjfontaine/reliability-core/internal/config"
	ireliability "github.com/tjfontaine/reliability-core/internal/reliability"
	"github.com/tjfontaine/reliability-core/internal/runtime"
)

// Core owns the DLQ, replay worker, SLO monitor, idempotency stores, alert
// emitter and ops guard. See internal/runtime.Core.
type Core = runtime.Core

// Option is a functional option for configuring a Core.
type Option = runtime.Option

// Config is the validated configuration.
type Config = config.Config

// Task and Executor describe the task-execution collaborator.
type (
	Task       = ireliability.Task
	Executor   = ireliability.Executor
	Dispatcher = ireliability.Dispatcher
)

// New creates a Core. Example:
//
//	cfg, err := reliability.LoadConfig()
//	core, err := reliability.New(
//	    reliability.WithConfig(cfg),
//	    reliability.WithExecutor(runTask),
//	)
var New = runtime.New

var (
	// LoadConfig reads the overlay file and the process environment.
	LoadConfig = config.Load
	// BuildConfig validates an explicit key/value source.
	BuildConfig = config.Build

	WithConfig        = runtime.WithConfig
	WithLogger        = runtime.WithLogger
	WithSnapshotStore = runtime.WithSnapshotStore
	WithExecutor      = runtime.WithExecutor
	WithPublisher     = runtime.WithPublisher
	WithClock         = runtime.WithClock
	WithHTTPClient    = runtime.WithHTTPClient
)
