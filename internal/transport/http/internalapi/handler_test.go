package internalapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/archetype/internal/adapter/llm"
	"github.com/xiaot623/archetype/internal/config"
	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/engine"
	"github.com/xiaot623/archetype/internal/service"
	helpers "github.com/xiaot623/archetype/internal/testutil"
)

func setupTestHandler(t *testing.T) (*Handler, *service.Service) {
	t.Helper()
	cfg := &config.Config{
		TokensPerCredit:           1000,
		DefaultReservationCredits: 10,
		ResumeReservationCredits:  5,
		FreeContext:               "platform",
		USDPerCredit:              0.01,
		WorkflowStallThreshold:    2,
		MaxTurnIterations:         5,
		HistoryLimit:              50,
		ToolTimeout:               time.Second,
	}
	svc, err := service.New(service.Deps{
		Store:  helpers.NewFundedStore(t, map[string]int64{"u1": 100}),
		Engine: engine.New(llm.NewMockProvider(), engine.DefaultConfig()),
	}, cfg)
	require.NoError(t, err)
	return NewHandler(svc), svc
}

func TestChat(t *testing.T) {
	h, svc := setupTestHandler(t)
	e := echo.New()

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"success", `{"session_id":"s1","user_id":"u1","content":"hello"}`, http.StatusOK},
		{"missing content", `{"session_id":"s1","user_id":"u1"}`, http.StatusBadRequest},
		{"no wallet", `{"session_id":"s2","user_id":"ghost","content":"hi"}`, http.StatusNotFound},
		{"invalid body", `{"session_id":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/internal/chat", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			require.NoError(t, h.Chat(c))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}

	messages, err := svc.GetMessages(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Contains(t, messages[1].Content, "hello")
}

func TestChatResponse(t *testing.T) {
	h, _ := setupTestHandler(t)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/internal/chat", strings.NewReader(`{"session_id":"s1","user_id":"u1","content":"ping"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, h.Chat(e.NewContext(req, rec)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.RunStatusCompleted, resp.Status)
	assert.Equal(t, 1, resp.Iterations)
	assert.Contains(t, resp.FinalMessage, "ping")
	require.NotNil(t, resp.Reconciliation)
	assert.Equal(t, int64(10), resp.Reconciliation.CreditsReserved)
}

func TestCancelRun(t *testing.T) {
	h, svc := setupTestHandler(t)
	e := echo.New()

	started, err := svc.StartRun(context.Background(), domain.StartRunInput{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	cancel := func(runID string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/internal/runs/"+runID+"/cancel", nil), rec)
		c.SetPath("/internal/runs/:run_id/cancel")
		c.SetParamNames("run_id")
		c.SetParamValues(runID)
		require.NoError(t, h.CancelRun(c))
		return rec
	}

	rec := cancel(started.Run.RunID)
	assert.Equal(t, http.StatusOK, rec.Code)

	run, err := svc.GetRun(context.Background(), started.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)

	// Cancelling a settled run is a no-op.
	assert.Equal(t, http.StatusOK, cancel(started.Run.RunID).Code)
	assert.Equal(t, http.StatusNotFound, cancel("run_missing").Code)
}
