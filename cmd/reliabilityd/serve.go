package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/reliability-core/internal/config"
	"github.com/tjfontaine/reliability-core/internal/runtime"
	"github.com/tjfontaine/reliability-core/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin server and the DLQ replay worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			// a missing .env is not an error
			_ = godotenv.Load(envFile)
			return serve(cmd)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")
	return cmd
}

func serve(cmd *cobra.Command) error {
	logger := newLogger(cmd, os.Stdout)
	slog.SetDefault(logger)

	cfg, err := config.Current()
	if err != nil {
		return err
	}

	shutdownTracer := telemetry.Shutdown(telemetry.Noop)
	if cfg.Server.TracingEnabled {
		shutdownTracer, err = telemetry.InitTracer(telemetry.Config{
			ServiceName:    "reliabilityd",
			ServiceVersion: version,
		}, logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	core, err := runtime.New(runtime.WithConfig(cfg), runtime.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return core.Serve(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("stopping reliabilityd")
		return nil
	})
	return g.Wait()
}
