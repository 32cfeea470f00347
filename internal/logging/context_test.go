package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", NodeID(ctx))

	ctx = WithExecution(ctx, "exec-1", "wf-1")
	ctx = WithNodeID(ctx, "n1")

	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "n1", NodeID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithNodeID(WithExecution(context.Background(), "exec-9", "wf-abc"), "agent_1")
	LogWith(ctx, logger).Info("test message")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-9")
	assert.Contains(t, out, "workflow_id=wf-abc")
	assert.Contains(t, out, "node_id=agent_1")
	assert.Contains(t, out, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogWith(WithExecutionID(context.Background(), "exec-only"), logger).Info("partial")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-only")
	assert.NotContains(t, out, "workflow_id")
	assert.NotContains(t, out, "node_id")
}

// --- CorrelationHandler ---

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithExecution(context.Background(), "exec-2", "wf-2")
	logger.InfoContext(ctx, "node done", "status", "completed")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-2")
	assert.Contains(t, out, "workflow_id=wf-2")
	assert.Contains(t, out, "status=completed")
}

func TestCorrelationHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).With("component", "engine")

	logger.InfoContext(WithNodeID(context.Background(), "n7"), "hello")

	out := buf.String()
	assert.Contains(t, out, "component=engine")
	assert.Contains(t, out, "node_id=n7")
}

func TestCorrelationHandler_NoContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	logger.Info("plain")

	assert.NotContains(t, buf.String(), "execution_id")
	assert.Contains(t, buf.String(), "plain")
}

// --- New ---

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, ParseLevel("debug"), "json")

	logger.DebugContext(WithExecutionID(context.Background(), "e1"), "dbg")

	assert.Contains(t, buf.String(), `"execution_id":"e1"`)
	assert.Contains(t, buf.String(), `"msg":"dbg"`)
}

func TestNew_LevelVar(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger := New(&buf, level, "text")

	logger.Info("hidden")
	level.Set(slog.LevelInfo)
	logger.Info("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
