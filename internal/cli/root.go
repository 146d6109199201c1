package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogLevel  string
	LogFormat string
}

// ValidFormats defines the allowed log formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the fleetsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fleetsync",
		Short: "Live sharing for fleet placement maps",
		Long: `fleetsync relays a fleet placement map from one editor to any number
of spectators. The serve command runs the relay; watch and push are small
clients for scripting and debugging.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.LogFormat) {
				return fmt.Errorf("invalid log format %q: must be one of %v", opts.LogFormat, ValidFormats)
			}
			if _, err := logging.ParseLevel(opts.LogLevel); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level for client commands (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format for client commands (text|json)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))

	return cmd
}

func (o *RootOptions) logger() *slog.Logger {
	level, _ := logging.ParseLevel(o.LogLevel)
	return logging.NewWithFormat(level, o.LogFormat, os.Stderr)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
