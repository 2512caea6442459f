package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/ingress/config"
	"github.com/xiaot623/archetype/internal/ingress/hub"
	"github.com/xiaot623/archetype/internal/ingress/orchestrator"
)

// fakeOrchestrator answers chats by pushing a done frame through the hub,
// the way the orchestrator does over RPC.
type fakeOrchestrator struct {
	hub       *hub.Hub
	mu        sync.Mutex
	chats     []*domain.ChatRequest
	cancelled []string
	chatErr   error
}

func (f *fakeOrchestrator) Chat(_ context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	f.mu.Lock()
	f.chats = append(f.chats, req)
	chatErr := f.chatErr
	f.mu.Unlock()
	if chatErr != nil {
		return nil, chatErr
	}
	_, _ = f.hub.Deliver(req.SessionID, json.RawMessage(`{"type":"done","run_id":"run_1"}`))
	return &domain.ChatResponse{RunID: "run_1", SessionID: req.SessionID, Status: domain.RunStatusCompleted}, nil
}

func (f *fakeOrchestrator) CancelRun(_ context.Context, runID string) (*orchestrator.CancelRunResponse, error) {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, runID)
	f.mu.Unlock()
	return &orchestrator.CancelRunResponse{RunID: runID}, nil
}

func setup(t *testing.T, apiKey string) (*websocket.Conn, *fakeOrchestrator) {
	t.Helper()
	cfg := &config.Config{
		APIKey:         apiKey,
		ChatTimeout:    time.Second,
		PingInterval:   time.Minute,
		WriteTimeout:   time.Second,
		ReadTimeout:    time.Minute,
		MaxMessageSize: 65536,
	}
	h := hub.NewHub(16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	orch := &fakeOrchestrator{hub: h}
	s := NewServer(cfg, h, orch)
	e := echo.New()
	e.GET("/ws", s.HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, orch
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestChatFlow(t *testing.T) {
	conn, orch := setup(t, "")

	send(t, conn, map[string]any{"type": "hello", "user_id": "u1", "session_id": "s1"})
	ack := read(t, conn)
	assert.Equal(t, "hello_ack", ack["type"])
	assert.Equal(t, "s1", ack["session_id"])

	send(t, conn, map[string]any{"type": "chat", "content": "hi", "request_id": "r1", "workflow": map[string]any{"strict": true}})
	assert.Equal(t, "chat_ack", read(t, conn)["type"])
	done := read(t, conn)
	assert.Equal(t, "done", done["type"])
	assert.NotZero(t, done["ts"])

	orch.mu.Lock()
	defer orch.mu.Unlock()
	require.Len(t, orch.chats, 1)
	assert.Equal(t, "u1", orch.chats[0].UserID)
	assert.Equal(t, "s1", orch.chats[0].SessionID)
	require.NotNil(t, orch.chats[0].Workflow)
	assert.True(t, *orch.chats[0].Workflow.Strict)
}

func TestChatErrorsAreMapped(t *testing.T) {
	conn, orch := setup(t, "")
	orch.mu.Lock()
	orch.chatErr = &orchestrator.StatusError{StatusCode: http.StatusPaymentRequired, Message: "insufficient credits"}
	orch.mu.Unlock()

	send(t, conn, map[string]any{"type": "hello", "user_id": "u1"})
	read(t, conn)
	send(t, conn, map[string]any{"type": "chat", "content": "hi"})
	read(t, conn) // chat_ack

	frame := read(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "insufficient_credits", frame["code"])
}

func TestProtocolErrors(t *testing.T) {
	tests := []struct {
		name     string
		apiKey   string
		messages []map[string]any
		wantCode string
	}{
		{"chat before hello", "", []map[string]any{{"type": "chat", "content": "hi"}}, "session_required"},
		{"hello without user", "", []map[string]any{{"type": "hello"}}, "invalid_message"},
		{"bad api key", "secret", []map[string]any{{"type": "hello", "user_id": "u1", "api_key": "nope"}}, "unauthorized"},
		{"unknown type", "", []map[string]any{{"type": "agent_invoke"}}, "invalid_message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _ := setup(t, tt.apiKey)
			for _, m := range tt.messages {
				send(t, conn, m)
			}
			frame := read(t, conn)
			assert.Equal(t, "error", frame["type"])
			assert.Equal(t, tt.wantCode, frame["code"])
		})
	}
}

func TestCancelRun(t *testing.T) {
	conn, orch := setup(t, "")

	send(t, conn, map[string]any{"type": "hello", "user_id": "u1"})
	read(t, conn)

	send(t, conn, map[string]any{"type": "cancel_run"})
	assert.Equal(t, "invalid_message", read(t, conn)["code"])

	send(t, conn, map[string]any{"type": "cancel_run", "run_id": "run_1"})
	assert.Eventually(t, func() bool {
		orch.mu.Lock()
		defer orch.mu.Unlock()
		return len(orch.cancelled) == 1 && orch.cancelled[0] == "run_1"
	}, time.Second, 10*time.Millisecond)
}
