package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowgraph/pkg/schema"
)

// UserNotifier pushes notifications to a connected user.
type UserNotifier interface {
	Notify(ctx context.Context, userID string, payload map[string]any) error
}

// MCPNotifier implements UserNotifier over the client's MCP session.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the user's session. A user without a
// session is not an error.
func (n *MCPNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// watchCompletion notifies userID once the execution reaches a terminal
// frame. It returns when the subscription ends.
func (s *Server) watchCompletion(ctx context.Context, executionID, userID string) {
	sub := s.engine.Subscribe(executionID)
	defer sub.Close()

	// The execution may have finished before the subscription existed.
	if st, err := s.engine.Get(ctx, executionID); err == nil && st.Status.IsTerminal() {
		s.notifyCompletion(ctx, userID, executionID, map[string]any{
			"status": st.Status,
			"result": st.Result,
			"error":  st.Error,
		})
		return
	}

	for {
		msg, ok := sub.Next(ctx)
		if !ok {
			return
		}
		if !msg.Type.IsTerminal() {
			continue
		}
		data, _ := msg.Data.(map[string]any)
		if msg.Type == schema.MessageError && data != nil {
			data["status"] = schema.ExecutionFailed
		}
		s.notifyCompletion(ctx, userID, executionID, data)
		return
	}
}

func (s *Server) notifyCompletion(ctx context.Context, userID, executionID string, data map[string]any) {
	payload := map[string]any{
		"level":  "info",
		"logger": "flowgraph",
		"data": map[string]any{
			"event":        "execution_finished",
			"execution_id": executionID,
			"outcome":      data,
		},
	}
	if err := s.notifier.Notify(ctx, userID, payload); err != nil {
		s.logger.Warn("completion notification failed",
			slog.String("execution_id", executionID),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
}
