// Package ws provides WebSocket server functionality for client connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/ingress/config"
	"github.com/xiaot623/archetype/internal/ingress/hub"
	"github.com/xiaot623/archetype/internal/ingress/orchestrator"
	"github.com/xiaot623/archetype/internal/ingress/protocol"
)

// Orchestrator is the part of the orchestrator API the WebSocket server uses.
type Orchestrator interface {
	Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error)
	CancelRun(ctx context.Context, runID string) (*orchestrator.CancelRunResponse, error)
}

// Server handles WebSocket connections.
type Server struct {
	cfg          *config.Config
	hub          *hub.Hub
	orchestrator Orchestrator
	upgrader     websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, orch Orchestrator) *Server {
	return &Server{
		cfg:          cfg,
		hub:          h,
		orchestrator: orch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("failed to upgrade websocket", "error", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read error", "conn_id", conn.ID, "error", err)
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Warn("failed to write message", "conn_id", conn.ID, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var baseMsg protocol.BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch baseMsg.Type {
	case protocol.TypeHello:
		s.handleHello(conn, data)
	case protocol.TypeChat:
		s.handleChat(conn, data)
	case protocol.TypeCancelRun:
		s.handleCancelRun(conn, data)
	default:
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "unknown message type: "+baseMsg.Type)
	}
}

// handleHello handles the hello handshake message.
func (s *Server) handleHello(conn *hub.Connection, data []byte) {
	var msg protocol.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid hello message")
		return
	}

	if s.cfg.APIKey != "" && msg.APIKey != s.cfg.APIKey {
		s.sendError(conn, "", protocol.ErrorCodeUnauthorized, "invalid api_key")
		return
	}
	if msg.UserID == "" {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "user_id is required")
		return
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()[:8]
	}

	s.hub.BindSession(conn, sessionID, msg.UserID)

	s.hub.SendJSONToConnection(conn, protocol.HelloAckMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeHelloAck,
			Ts:        time.Now().UnixMilli(),
			RequestID: msg.RequestID,
			SessionID: sessionID,
		},
		UserID: msg.UserID,
	})

	slog.Info("hello handshake completed", "session_id", sessionID, "user_id", msg.UserID)
}

// handleChat forwards user input to the orchestrator. The call blocks until
// the run settles, so it runs off the read loop.
func (s *Server) handleChat(conn *hub.Connection, data []byte) {
	var msg protocol.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid chat message")
		return
	}

	if conn.SessionID == "" {
		s.sendError(conn, "", protocol.ErrorCodeSessionRequired, "must send hello first")
		return
	}
	if msg.Content == "" && msg.RunID == "" {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "content is required")
		return
	}

	sessionID := conn.SessionID
	req := &domain.ChatRequest{
		SessionID:     sessionID,
		UserID:        conn.UserID,
		ProjectID:     msg.ProjectID,
		TargetContext: msg.TargetContext,
		Content:       msg.Content,
		RunID:         msg.RunID,
		RequestID:     msg.RequestID,
	}
	if w := msg.Workflow; w != nil {
		req.Workflow = &domain.WorkflowMode{
			Strict:         w.Strict,
			StallThreshold: w.StallThreshold,
			RequireCommit:  w.RequireCommit,
		}
	}

	s.hub.SendJSONToConnection(conn, protocol.ChatAckMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeChatAck,
			Ts:        time.Now().UnixMilli(),
			RequestID: msg.RequestID,
			SessionID: sessionID,
			RunID:     msg.RunID,
		},
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ChatTimeout)
		defer cancel()

		resp, err := s.orchestrator.Chat(ctx, req)
		if err != nil {
			slog.Warn("orchestrator chat failed", "session_id", sessionID, "error", err)
			s.sendErrorToSession(sessionID, msg.RunID, errorCode(err), err.Error())
			return
		}

		slog.Info("chat settled", "session_id", sessionID, "run_id", resp.RunID, "status", resp.Status, "iterations", resp.Iterations)
	}()
}

// handleCancelRun handles run cancellation requests.
func (s *Server) handleCancelRun(conn *hub.Connection, data []byte) {
	var msg protocol.CancelRunMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid cancel_run message")
		return
	}

	if conn.SessionID == "" {
		s.sendError(conn, msg.RunID, protocol.ErrorCodeSessionRequired, "must send hello first")
		return
	}

	if msg.RunID == "" {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "run_id is required")
		return
	}

	sessionID := conn.SessionID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := s.orchestrator.CancelRun(ctx, msg.RunID); err != nil {
			slog.Warn("cancel run failed", "run_id", msg.RunID, "error", err)
			s.sendErrorToSession(sessionID, msg.RunID, errorCode(err), err.Error())
			return
		}

		slog.Info("run cancellation requested", "run_id", msg.RunID)
	}()
}

// errorCode maps orchestrator failures to client error codes.
func errorCode(err error) string {
	var statusErr *orchestrator.StatusError
	if !errors.As(err, &statusErr) {
		return protocol.ErrorCodeOrchestratorFail
	}
	switch statusErr.StatusCode {
	case http.StatusBadRequest:
		return protocol.ErrorCodeInvalidMessage
	case http.StatusPaymentRequired:
		return protocol.ErrorCodeInsufficient
	case http.StatusNotFound:
		return protocol.ErrorCodeNotFound
	case http.StatusConflict:
		return protocol.ErrorCodeConflict
	default:
		return protocol.ErrorCodeOrchestratorFail
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, runID, code, message string) {
	errMsg := protocol.ErrorMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeError,
			Ts:        time.Now().UnixMilli(),
			RunID:     runID,
			SessionID: conn.SessionID,
		},
		Code:    code,
		Message: message,
	}
	s.hub.SendJSONToConnection(conn, errMsg)
}

// sendErrorToSession sends an error message to all connections of a session.
func (s *Server) sendErrorToSession(sessionID, runID, code, message string) {
	errMsg := protocol.ErrorMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeError,
			Ts:        time.Now().UnixMilli(),
			RunID:     runID,
			SessionID: sessionID,
		},
		Code:    code,
		Message: message,
	}
	s.hub.BroadcastJSON(sessionID, errMsg)
}
