package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/flowgraph/pkg/schema"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		inputsJSON string
		userID     string
		stream     bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow-id | definition.json>",
		Short: "Execute a workflow and print its final state",
		Long: "Execute a stored workflow by id, or store the definition file first and execute it. " +
			"The command waits for a terminal status and exits non-zero unless it is completed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			inputs := map[string]any{}
			if inputsJSON != "" {
				if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
					return fmt.Errorf("parse --inputs: %w", err)
				}
			}
			return runWorkflow(cmd, cfg, logger, args[0], userID, inputs, stream)
		},
	}
	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "JSON object of initial inputs")
	cmd.Flags().StringVar(&userID, "user", "", "user whose LLM settings are used")
	cmd.Flags().BoolVar(&stream, "stream", false, "print live frames while the execution runs")
	return cmd
}

func runWorkflow(cmd *cobra.Command, cfg Config, logger *slog.Logger, target, userID string, inputs map[string]any, stream bool) error {
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

	workflowID := target
	if _, err := os.Stat(target); err == nil {
		if workflowID, err = a.storeDefinitionFile(ctx, target, userID); err != nil {
			return err
		}
	}

	sub, err := a.engine.Execute(ctx, workflowID, userID, inputs)
	if err != nil {
		return err
	}
	logger.Info("execution started",
		slog.String("execution_id", sub.ExecutionID),
		slog.String("workflow_id", workflowID),
	)

	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")

	if stream {
		frames := a.engine.Subscribe(sub.ExecutionID)
		defer frames.Close()
		go func() {
			for msg := range frames.C() {
				_ = out.Encode(msg)
			}
		}()
	}

	state, err := a.engine.Wait(ctx, sub.ExecutionID)
	if err != nil {
		if ctx.Err() != nil {
			if cerr := a.engine.Cancel(context.Background(), sub.ExecutionID); cerr != nil {
				logger.Warn("cancel on interrupt", slog.String("error", cerr.Error()))
			}
		}
		return err
	}
	if err := out.Encode(state); err != nil {
		return err
	}
	if state.Status != schema.ExecutionCompleted {
		return fmt.Errorf("execution %s ended %s: %s", state.ExecutionID, state.Status, state.Error)
	}
	return nil
}

// storeDefinitionFile validates a workflow file and stores it. The file may
// hold a bare definition or a full workflow record.
func (a *app) storeDefinitionFile(ctx context.Context, path, userID string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var wf schema.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return "", schema.NewError(schema.ErrCodeInvalidDefinition, "workflow file is not valid JSON").WithCause(err)
	}
	def, _, err := loadDefinitionFile(a.loader, raw)
	if err != nil {
		return "", err
	}

	wf.Definition = *def
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Name == "" {
		wf.Name = path
	}
	if wf.UserID == "" {
		wf.UserID = userID
	}
	now := time.Now().UTC()
	wf.CreatedAt, wf.UpdatedAt = now, now

	if existing, err := a.store.GetWorkflow(ctx, wf.ID); err == nil && existing != nil {
		if err := a.store.DeleteWorkflow(ctx, wf.ID); err != nil {
			return "", err
		}
	}
	if err := a.store.CreateWorkflow(ctx, &wf); err != nil {
		return "", err
	}
	return wf.ID, nil
}
