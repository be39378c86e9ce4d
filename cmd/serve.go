package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/webpilot-ai/webpilot/internal/observability"
	"github.com/webpilot-ai/webpilot/internal/service"
)

// newServeCmd creates and configures the `serve` command.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the WebPilot HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromContext(cmd)
			if err != nil {
				return err
			}

			components, err := service.NewComponentFactory().Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize service components: %w", err)
			}
			defer components.Shutdown()

			// Blocks until the context is cancelled by a shutdown signal.
			return service.NewServer(components).Serve(ctx)
		},
	}

	serveCmd.Flags().String("addr", "", "Listen address for the HTTP API. (Overrides config/env)")

	return serveCmd
}
