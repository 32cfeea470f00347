package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/flowgraph/internal/engine"
	"github.com/rendis/flowgraph/internal/expressions"
	"github.com/rendis/flowgraph/internal/graph"
	"github.com/rendis/flowgraph/internal/llm"
	"github.com/rendis/flowgraph/internal/nodes"
	"github.com/rendis/flowgraph/internal/scheduler"
	"github.com/rendis/flowgraph/internal/secrets"
	"github.com/rendis/flowgraph/internal/settings"
	"github.com/rendis/flowgraph/internal/storage"
	"github.com/rendis/flowgraph/internal/store"
	"github.com/rendis/flowgraph/internal/streaming"
)

// app holds the wired collaborators shared by every subcommand.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	settings  *settings.Service
	hub       *streaming.MemoryHub
	loader    *graph.Loader
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
}

// newApp opens the database, runs migrations and assembles the engine.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	dsn := cfg.DBPath
	if !strings.Contains(dsn, ":") {
		dsn = "file:" + dsn
	}
	st, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var sealer secrets.Sealer
	if cfg.SecretKey != "" {
		s, err := secrets.NewAESSealer(secrets.KeyConfig{
			Passphrase: cfg.SecretKey,
			Salt:       []byte(cfg.SecretSalt),
		})
		if err != nil {
			st.Close()
			return nil, err
		}
		sealer = s
	} else {
		logger.Warn("secret_key not set, provider API keys are stored unencrypted")
	}

	svc, err := settings.NewService(st, sealer, cfg.Settings, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	runtime, err := newRuntime(cfg, logger)
	if err != nil {
		svc.Close()
		st.Close()
		return nil, err
	}

	loader, err := graph.NewLoader()
	if err != nil {
		svc.Close()
		st.Close()
		return nil, err
	}
	hub := streaming.NewMemoryHub(0, logger)

	eng, err := engine.New(engine.Deps{
		Workflows:  st,
		Executions: st,
		Settings:   svc,
		Runtime:    runtime,
		Hub:        hub,
		Loader:     loader,
		Logger:     logger,
	}, cfg.Engine)
	if err != nil {
		svc.Close()
		st.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		settings:  svc,
		hub:       hub,
		loader:    loader,
		engine:    eng,
		scheduler: scheduler.NewScheduler(st, eng, cfg.Scheduler.Interval, logger),
	}, nil
}

// newRuntime builds the per-kind node runtimes: expression engines for
// conditions, jq for loop sources, every storage flavor and the LLM agent.
func newRuntime(cfg Config, logger *slog.Logger) (*nodes.Runtime, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("cel: %w", err)
	}

	reg := storage.NewRegistry()
	for _, h := range []storage.Handler{
		storage.NewLocalFS(),
		storage.NewS3(nil),
		storage.NewGCS(nil),
		storage.NewPubSub(nil),
	} {
		if err := reg.Register(h); err != nil {
			return nil, err
		}
	}

	client := llm.NewClient(llm.Options{
		Timeout:           cfg.LLM.Timeout,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Burst:             cfg.LLM.Burst,
		MaxRetries:        cfg.LLM.MaxRetries,
		Logger:            logger,
	})

	return nodes.NewRuntime(
		nodes.NewConditions(expressions.NewExprEngine(), celEngine),
		nodes.NewLoops(expressions.NewGoJQEngine()),
		nodes.NewStorages(reg),
		client.Factory(),
	), nil
}

// close stops the scheduler and engine, then releases the cache and database.
func (a *app) close(ctx context.Context) {
	if err := a.scheduler.Stop(); err != nil {
		a.logger.Debug("scheduler stop", slog.String("error", err.Error()))
	}
	if err := a.engine.Shutdown(ctx); err != nil {
		a.logger.Warn("engine shutdown", slog.String("error", err.Error()))
	}
	a.hub.CloseAll()
	a.settings.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", slog.String("error", err.Error()))
	}
}
