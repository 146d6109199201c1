package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/internal/server"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/config"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/logging"
)

type ServeOptions struct {
	*RootOptions
	ConfigPath string
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay server.

Configuration comes from fleetsync.yaml in the working directory (or the
file given with --config) and FLEETSYNC_* environment variables, e.g.
FLEETSYNC_SERVER_ADDRESS=:9000. Sessions live in memory and are lost on
restart.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	return cmd
}

func runServe(parent context.Context, opts *ServeOptions) error {
	cfg, err := config.Load(opts.logger(), opts.ConfigPath)
	if err != nil {
		return err
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	logger := logging.NewWithFormat(level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(logger, ctx, cfg)
	if err != nil {
		return err
	}
	if err := app.Run(); err != nil {
		return err
	}
	logger.Info("Application shut down successfully.")
	return nil
}
