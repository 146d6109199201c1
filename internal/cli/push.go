package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/document"
)

type PushOptions struct {
	ClientOptions
	LayersFile    string
	MapImage      string
	ClearMap      bool
	OverridesFile string
	Timeout       time.Duration
}

func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{ClientOptions: ClientOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Replace parts of a map as its editor",
		Long: `Join a map with its edit id and replace the layers, the map image or
the overrides. Each part given replaces the current one wholesale.

Example:
  fleetsync push --id abc123 --layers layers.json
  fleetsync push --id abc123 --map 'https://cdn.example.com/sector7.png'
  fleetsync push --id abc123 --clear-map --overrides overrides.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			if err := runPush(ctx, opts); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "pushed")
			return nil
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.LayersFile, "layers", "", "JSON file holding the layer list")
	cmd.Flags().StringVar(&opts.MapImage, "map", "", "map image reference (URL or data URL)")
	cmd.Flags().BoolVar(&opts.ClearMap, "clear-map", false, "remove the map image")
	cmd.Flags().StringVar(&opts.OverridesFile, "overrides", "", "JSON file holding the overrides object")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "give up after this long")
	return cmd
}

func runPush(ctx context.Context, opts *PushOptions) error {
	if opts.LayersFile == "" && opts.MapImage == "" && !opts.ClearMap && opts.OverridesFile == "" {
		return errors.New("nothing to push: give --layers, --map, --clear-map or --overrides")
	}
	if opts.MapImage != "" && opts.ClearMap {
		return errors.New("--map and --clear-map are mutually exclusive")
	}

	// read everything before connecting so a bad file pushes nothing
	var (
		layers    []document.Layer
		overrides document.Overrides
	)
	if opts.LayersFile != "" {
		raw, err := os.ReadFile(opts.LayersFile)
		if err != nil {
			return err
		}
		if layers, err = document.DecodeLayers(raw); err != nil {
			return fmt.Errorf("%s: %w", opts.LayersFile, err)
		}
	}
	if opts.OverridesFile != "" {
		raw, err := os.ReadFile(opts.OverridesFile)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &overrides); err != nil {
			return fmt.Errorf("%s: %w", opts.OverridesFile, err)
		}
	}

	client, err := opts.dial(ctx, opts.logger())
	if err != nil {
		return err
	}
	defer client.Close()

	if opts.LayersFile != "" {
		if err := client.SetLayers(layers); err != nil {
			return err
		}
	}
	if opts.MapImage != "" || opts.ClearMap {
		var ref *string
		if !opts.ClearMap {
			ref = &opts.MapImage
		}
		if err := client.SetMapImage(ref); err != nil {
			return err
		}
	}
	if opts.OverridesFile != "" {
		if err := client.SetOverrides(overrides); err != nil {
			return err
		}
	}
	return client.Flush(ctx)
}
