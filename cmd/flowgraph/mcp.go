package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rendis/flowgraph/pkg/mcp"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				a.close(shutdownCtx)
			}()

			srv, err := mcp.NewServer(mcp.ServerDeps{
				Engine:    a.engine,
				Workflows: a.store,
				Loader:    a.loader,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			if cfg.Scheduler.Enabled {
				if err := a.scheduler.Start(ctx); err != nil {
					return err
				}
			}
			return srv.Serve(ctx)
		},
	}
}
