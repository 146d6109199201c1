package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/replica"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/transport"
)

// ClientOptions are shared by the commands that connect to a relay.
type ClientOptions struct {
	*RootOptions
	Server string
	ID     string
	Link   string
}

func (o *ClientOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Server, "server", "ws://localhost:8080/ws", "relay websocket URL")
	cmd.Flags().StringVar(&o.ID, "id", "", "edit id or spectator token to join with")
	cmd.Flags().StringVar(&o.Link, "link", "", "map link to take the id from (?session=...)")
}

// presentedID picks the id to join with. A link without a session yields
// a fresh edit id.
func (o *ClientOptions) presentedID() (string, error) {
	if o.ID != "" && o.Link != "" {
		return "", errors.New("--id and --link are mutually exclusive")
	}
	if o.ID != "" {
		return o.ID, nil
	}
	if o.Link == "" {
		return "", errors.New("one of --id or --link is required")
	}
	addr, err := replica.ParseAddress(o.Link)
	if err != nil {
		return "", err
	}
	return addr.ID, nil
}

func (o *ClientOptions) dial(ctx context.Context, logger *slog.Logger) (*replica.Client, error) {
	id, err := o.presentedID()
	if err != nil {
		return nil, err
	}
	client, err := replica.Dial(ctx, o.Server, id, transport.ConnectionConfig{}, logger)
	if err != nil {
		return nil, err
	}
	if err := client.WaitSynced(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a map and print every change",
		Long: `Join a map and print every change as it arrives, tagged with where it
came from. Joining with a spectator token is read-only.

Example:
  fleetsync watch --server ws://localhost:8080/ws --id xyz789
  fleetsync watch --link 'https://maps.example.com/?session=xyz789&mode=view'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, cmd.OutOrStdout())
		},
	}
	opts.bind(cmd)
	return cmd
}

func runWatch(ctx context.Context, opts *ClientOptions, out io.Writer) error {
	logger := opts.logger()
	client, err := opts.dial(ctx, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	// subscribe before printing the snapshot so nothing slips in between
	var outMu sync.Mutex
	client.Subscribe(func(c replica.Change) {
		outMu.Lock()
		defer outMu.Unlock()
		printState(out, c.Origin.String(), c.Fields, c.State)
	})

	id, _ := client.Identity()
	outMu.Lock()
	fmt.Fprintf(out, "joined %s as %s (spectator token %s)\n", id.SessionID, id.Role, id.SpectatorToken)
	printState(out, "snapshot", replica.FieldAll, client.State())
	outMu.Unlock()

	select {
	case <-ctx.Done():
		return nil
	case <-client.Done():
		return errors.New("connection to relay lost")
	}
}

func printState(out io.Writer, origin string, fields replica.Field, s replica.State) {
	if fields.Has(replica.FieldLayers) {
		units := 0
		for _, l := range s.Layers {
			units += len(l.Units)
		}
		fmt.Fprintf(out, "[%s] layers=%d units=%d\n", origin, len(s.Layers), units)
	}
	if fields.Has(replica.FieldMapImage) {
		state := "cleared"
		if s.MapImage != nil {
			state = fmt.Sprintf("%d bytes", len(*s.MapImage))
		}
		fmt.Fprintf(out, "[%s] map image %s\n", origin, state)
	}
	if fields.Has(replica.FieldOverrides) {
		fmt.Fprintf(out, "[%s] overrides=%d tables\n", origin, len(s.Overrides))
	}
}
