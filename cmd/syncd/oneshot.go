package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/synctrack/internal/observability"
)

const closeTimeout = 5 * time.Second

// NewSweepCommand runs one retry sweep and exits.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Re-drive one batch of queued retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return oneShot(cmd, rootOpts, func(ctx context.Context, a *app) error {
				report, err := a.queue.Sweep(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "visited=%d delivered=%d gone=%d poisoned=%d failed=%d\n",
					report.Visited, report.Delivered, report.Gone, report.Poisoned, report.Failed)
				return err
			})
		},
	}
}

// NewIngestCommand pulls every configured feed once, then processes pending batches.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	var skipPull bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Pull configured feeds and process pending batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return oneShot(cmd, rootOpts, func(ctx context.Context, a *app) error {
				if !skipPull {
					results, err := a.pipeline.PullAll(ctx, a.cfg.Ingestion.Feeds)
					for _, res := range results {
						fmt.Fprintf(cmd.OutOrStdout(), "pulled feed=%s records=%d batches=%d advanced=%t\n",
							res.Feed, res.Records, res.Batches, res.Advanced)
					}
					if err != nil {
						a.logger.Error("feed pull incomplete", observability.Field{Key: "error", Value: err})
					}
				}
				report, err := a.pipeline.ProcessBatches(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "batches=%d done=%d errored=%d dispatched=%d skipped=%d\n",
					report.Batches, report.Done, report.Errored, report.Dispatched, report.Skipped)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&skipPull, "process-only", false, "skip feed pulls and only process stored batches")
	return cmd
}

func oneShot(cmd *cobra.Command, rootOpts *RootOptions, fn func(context.Context, *app) error) error {
	ctx, cancel := newSignalContext(cmd.Context())
	defer cancel()
	cfg, err := rootOpts.loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
		defer closeCancel()
		a.close(closeCtx)
	}()
	return fn(ctx, a)
}
