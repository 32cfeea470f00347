package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/flowgraph/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	levelVar   slog.LevelVar
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "flowgraph",
		Short:         "DAG workflow execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", settingsPath(), "path to settings.json")
	pf.String("db-path", "", "libSQL database path")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newMCPCmd(opts),
		newDiagramCmd(),
		newVersionCmd(),
	)
	return root
}

// setup loads the configuration for cmd and builds the process logger.
func (o *rootOptions) setup(cmd *cobra.Command) (Config, *slog.Logger, error) {
	cfg, err := loadConfig(o.configPath, cmd.Flags())
	if err != nil {
		return Config{}, nil, err
	}
	o.levelVar.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.New(os.Stderr, &o.levelVar, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
