package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/coachpo/synctrack/internal/infra/config"
	httpserver "github.com/coachpo/synctrack/internal/infra/server/http"
	"github.com/coachpo/synctrack/internal/observability"
	"github.com/coachpo/synctrack/internal/scheduler"
)

const (
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
)

// NewServeCommand creates the long-running service command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the intake API, retry sweeps and feed ingestion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := newSignalContext(cmd.Context())
			defer cancel()
			cfg, err := rootOpts.loadConfig(ctx)
			if err != nil {
				return err
			}
			return serve(ctx, cancel, cfg)
		},
	}
}

func serve(ctx context.Context, cancel context.CancelFunc, cfg config.AppConfig) error {
	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	logger := a.logger

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := scheduler.Run(ctx, logger, drivers(a)...); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", observability.Field{Key: "error", Value: err})
		}
	})

	apiServer := buildAPIServer(a)
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", observability.Field{Key: "error", Value: err})
		}
	})
	logger.Info("syncd started; awaiting shutdown signal", observability.Field{Key: "addr", Value: apiServer.Addr})

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		app:        a,
	})
	logger.Info("shutdown completed", observability.Field{Key: "elapsed", Value: time.Since(shutdownStart)})
	return nil
}

// drivers returns the periodic jobs of a serving process.
func drivers(a *app) []scheduler.Driver {
	out := []scheduler.Driver{{
		Name:     "retry-sweep",
		Interval: a.cfg.Retry.Interval,
		Run: func(ctx context.Context) error {
			_, err := a.queue.Sweep(ctx)
			return err
		},
	}}
	if len(a.cfg.Ingestion.Feeds) == 0 {
		return out
	}
	return append(out,
		scheduler.Driver{
			Name:     "feed-pull",
			Interval: a.cfg.Ingestion.PullInterval,
			Run: func(ctx context.Context) error {
				_, err := a.pipeline.PullAll(ctx, a.cfg.Ingestion.Feeds)
				return err
			},
		},
		scheduler.Driver{
			Name:     "batch-process",
			Interval: a.cfg.Ingestion.ProcessInterval,
			Run: func(ctx context.Context) error {
				_, err := a.pipeline.ProcessBatches(ctx)
				return err
			},
		},
	)
}

func buildAPIServer(a *app) *http.Server {
	handler := httpserver.NewHandler(httpserver.Deps{
		Syncer:      a.orch,
		Retries:     a.queue,
		Snapshots:   a.stores.snapshots,
		Checkpoints: a.stores.ingestion,
		Audit:       a.audit,
		Health:      a.health,
		Logger:      a.logger,
	})
	return &http.Server{
		Addr:              a.cfg.APIServer.Addr,
		Handler:           httpserver.WithCORS(handler),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	app        *app
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Error("shutdown step failed", observability.Field{Key: "step", Value: name}, observability.Field{Key: "error", Value: err})
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.app != nil {
		shutdownStep("releasing stores and telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			cfg.app.close(stepCtx)
			return nil
		})
	}
}
