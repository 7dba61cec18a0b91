package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coachpo/synctrack/internal/infra/config"
)

const defaultConfigPath = "config/app.yaml"

// RootOptions holds the flags shared by every subcommand.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand assembles the syncd command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:   "syncd",
		Short: "Keep external records in step with internal subject and order state",
		Long: `syncd detects changes to subject accounts and order statuses, pushes them
to the remote authority exactly once per change, and pulls remote status feeds
through a checkpointed ingestion pipeline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to application configuration file (default: "+defaultConfigPath+")")

	cmd.AddCommand(
		NewServeCommand(opts),
		NewSweepCommand(opts),
		NewIngestCommand(opts),
		NewMigrateCommand(opts),
	)
	return cmd
}

func (o *RootOptions) loadConfig(ctx context.Context) (config.AppConfig, error) {
	return config.Load(ctx, resolveConfigPath(o.ConfigPath))
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func newSignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
