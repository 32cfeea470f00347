package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowgraph/internal/api"
	"github.com/rendis/flowgraph/internal/logging"
	"github.com/rendis/flowgraph/pkg/mcp"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, live streams and the MCP endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), opts, cmd, cfg, logger)
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	return cmd
}

func serve(ctx context.Context, opts *rootOptions, cmd *cobra.Command, cfg Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(shutdownCtx)
	}()

	handler, err := a.handler(cfg)
	if err != nil {
		return err
	}
	swapper := newHandlerSwapper(handler)

	if cfg.Scheduler.Enabled {
		if err := a.scheduler.RecoverMissed(ctx); err != nil {
			logger.Warn("recover missed schedules", slog.String("error", err.Error()))
		}
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	current := cfg
	if err := watchConfig(opts.configPath, cmd.Flags(), func(next Config, err error) {
		if err != nil {
			logger.Warn("config reload failed", slog.String("error", err.Error()))
			return
		}
		d := diffConfigs(current, next)
		if d.LogLevelChanged {
			opts.levelVar.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("log level changed", slog.String("level", next.LogLevel))
		}
		if d.HandlerChanged {
			h, err := a.handler(next)
			if err != nil {
				logger.Warn("rebuild handler", slog.String("error", err.Error()))
				return
			}
			swapper.Swap(h)
			logger.Info("http handler reloaded")
		}
		if len(d.RestartNeeded) > 0 {
			logger.Warn("config change needs a restart", slog.Any("fields", d.RestartNeeded))
		}
		current = next
	}); err != nil {
		logger.Debug("config watch disabled", slog.String("error", err.Error()))
	}

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.API.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// handler builds the API mux for cfg and mounts the MCP transport on /mcp
// when enabled.
func (a *app) handler(cfg Config) (http.Handler, error) {
	srv, err := api.NewServer(api.Deps{
		Engine:    a.engine,
		Workflows: a.store,
		Schedules: a.store,
		Scheduler: a.scheduler,
		Settings:  a.settings,
		Loader:    a.loader,
		Logger:    a.logger,
	}, cfg.API)
	if err != nil {
		return nil, err
	}
	if !cfg.MCPHTTP {
		return srv.Handler(), nil
	}

	mcpSrv, err := mcp.NewServer(mcp.ServerDeps{
		Engine:    a.engine,
		Workflows: a.store,
		Loader:    a.loader,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpSrv.HTTPHandler())
	mux.Handle("/", srv.Handler())
	return mux, nil
}
