package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rendis/flowgraph/pkg/schema"
)

const wsWriteWait = 10 * time.Second

// frameSink is a transport that can carry stream frames to one client.
type frameSink interface {
	send(msg schema.Message) error
	ping() error
}

// follow streams one execution to sink. The client first gets a status frame
// with the current node states. A finished execution then gets a single
// completion frame; a live one gets every published frame up to and
// including the terminal one.
func (s *Server) follow(ctx context.Context, executionID string, sink frameSink) error {
	sub := s.deps.Engine.Subscribe(executionID)
	defer sub.Close()

	state, err := s.deps.Engine.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if err := sink.send(schema.Message{Type: schema.MessageStatus, Data: map[string]any{
		"execution_id": state.ExecutionID,
		"workflow_id":  state.WorkflowID,
		"status":       state.Status,
		"started_at":   state.StartedAt,
		"node_states":  state.NodeStates,
	}}); err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return sink.send(schema.Message{Type: schema.MessageCompletion, Data: map[string]any{
			"status":         state.Status,
			"result":         state.Result,
			"error":          state.Error,
			"error_code":     state.ErrorCode,
			"failed_node_id": state.FailedNodeID,
			"completed_at":   state.CompletedAt,
		}})
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				return err
			}
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := sink.send(msg); err != nil {
				return err
			}
			if msg.Type.IsTerminal() {
				return nil
			}
		}
	}
}

// --- Server-Sent Events ---

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) send(msg schema.Message) error {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, schema.NewError(schema.ErrCodeInternal, "streaming unsupported"))
		return
	}
	id := r.PathValue("id")
	// Resolve before committing to the event stream so a missing execution
	// still gets a proper 404.
	if _, err := s.deps.Engine.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := s.follow(r.Context(), id, &sseSink{w: w, flusher: flusher}); err != nil {
		s.logger.Debug("sse stream ended", slog.String("execution_id", id), slog.Any("error", err))
	}
}

// --- WebSocket ---

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) send(msg schema.Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(msg)
}

func (s *wsSink) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Engine.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("execution_id", id), slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Clients only talk to keep the connection open; any read error means
	// the peer went away.
	readWait := 2 * s.heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sink := &wsSink{conn: conn}
	if err := s.follow(ctx, id, sink); err != nil {
		s.logger.Debug("websocket stream ended", slog.String("execution_id", id), slog.Any("error", err))
		_ = sink.send(schema.Message{Type: schema.MessageError, Data: map[string]any{
			"error":      err.Error(),
			"error_code": schema.CodeOf(err),
		}})
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
}
