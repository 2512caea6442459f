package v1

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

	"github.com/xiaot623/archetype/internal/config"
	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/service"
	helpers "github.com/xiaot623/archetype/internal/testutil"
	"github.com/xiaot623/archetype/internal/tools"
)

func setupTestHandler(t *testing.T, balances map[string]int64) (*Handler, *service.Service) {
	t.Helper()
	cfg := &config.Config{
		TokensPerCredit:           1000,
		DefaultReservationCredits: 10,
		ResumeReservationCredits:  5,
		FreeContext:               "platform",
		USDPerCredit:              0.01,
		MonthlyAllocationCredits:  100,
		WorkflowStallThreshold:    2,
		MaxTurnIterations:         5,
		HistoryLimit:              50,
		ToolTimeout:               time.Second,
	}
	svc, err := service.New(service.Deps{Store: helpers.NewFundedStore(t, balances)}, cfg)
	require.NoError(t, err)

	type echoArgs struct {
		Text string `json:"text"`
	}
	require.NoError(t, svc.Registry().Register(tools.Define("echo", "Echo text.", tools.CategoryRead,
		func(_ context.Context, _ tools.Invocation, args echoArgs) (any, error) {
			return args.Text, nil
		})))

	return NewHandler(svc), svc
}

func newJSONRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestHealth(t *testing.T) {
	h, _ := setupTestHandler(t, nil)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)

	require.NoError(t, h.Health(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestWalletEndpoints(t *testing.T) {
	h, _ := setupTestHandler(t, nil)
	e := echo.New()

	t.Run("create", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(newJSONRequest(http.MethodPost, "/v1/wallets", `{"user_id":"u1","monthly_credits":40}`), rec)

		require.NoError(t, h.CreateWallet(c))
		assert.Equal(t, http.StatusCreated, rec.Code)

		var wallet domain.CreditWallet
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wallet))
		assert.Equal(t, int64(40), wallet.AvailableCredits)
	})

	t.Run("create duplicate", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(newJSONRequest(http.MethodPost, "/v1/wallets", `{"user_id":"u1"}`), rec)

		require.NoError(t, h.CreateWallet(c))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("top up", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(newJSONRequest(http.MethodPost, "/v1/wallets/u1/credits", `{"credits":10,"reference_id":"order-1"}`), rec)
		c.SetPath("/v1/wallets/:user_id/credits")
		c.SetParamNames("user_id")
		c.SetParamValues("u1")

		require.NoError(t, h.AddCredits(c))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"available_credits":50`)
	})

	t.Run("zero top up", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(newJSONRequest(http.MethodPost, "/v1/wallets/u1/credits", `{"credits":0}`), rec)
		c.SetParamNames("user_id")
		c.SetParamValues("u1")

		require.NoError(t, h.AddCredits(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("ledger", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/wallets/u1/ledger", nil), rec)
		c.SetParamNames("user_id")
		c.SetParamValues("u1")

		require.NoError(t, h.ListLedger(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Entries []domain.LedgerEntry `json:"entries"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.Entries)
		assert.Equal(t, "order-1", resp.Entries[len(resp.Entries)-1].ReferenceID)
	})

	t.Run("missing wallet", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/wallets/ghost", nil), rec)
		c.SetParamNames("user_id")
		c.SetParamValues("ghost")

		require.NoError(t, h.GetWallet(c))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRunLifecycle(t *testing.T) {
	h, _ := setupTestHandler(t, map[string]int64{"u1": 12})
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(newJSONRequest(http.MethodPost, "/v1/runs", `{"user_id":"u1","session_id":"s1"}`), rec)
	require.NoError(t, h.StartRun(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	var started domain.StartRunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	runID := started.Run.RunID
	assert.Equal(t, int64(10), started.Run.CreditsReserved)
	require.NotNil(t, started.Warning)

	runCtx := func(method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
		rec := httptest.NewRecorder()
		c := e.NewContext(newJSONRequest(method, path, body), rec)
		c.SetParamNames("run_id")
		c.SetParamValues(runID)
		return c, rec
	}

	t.Run("second reservation is rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(newJSONRequest(http.MethodPost, "/v1/runs", `{"user_id":"u1"}`), rec)
		require.NoError(t, h.StartRun(c))
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	})

	t.Run("resume a running run conflicts", func(t *testing.T) {
		c, rec := runCtx(http.MethodPost, "/v1/runs/"+runID+"/resume", `{}`)
		require.NoError(t, h.ResumeRun(c))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("pause", func(t *testing.T) {
		c, rec := runCtx(http.MethodPost, "/v1/runs/"+runID+"/pause", `{"context":{"step":3}}`)
		require.NoError(t, h.PauseRun(c))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"paused"`)
	})

	t.Run("resume", func(t *testing.T) {
		c, rec := runCtx(http.MethodPost, "/v1/runs/"+runID+"/resume", `{"additional_credits":2}`)
		require.NoError(t, h.ResumeRun(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp domain.ResumeRunResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, int64(12), resp.Run.CreditsReserved)
		assert.JSONEq(t, `{"step":3}`, string(resp.Context))
	})

	t.Run("complete", func(t *testing.T) {
		c, rec := runCtx(http.MethodPost, "/v1/runs/"+runID+"/complete", `{"input_tokens":2500,"output_tokens":400}`)
		require.NoError(t, h.CompleteRun(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var recon domain.Reconciliation
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recon))
		assert.Equal(t, int64(3), recon.CreditsUsed)
		assert.Equal(t, int64(9), recon.CreditsRefunded)
		assert.Equal(t, int64(9), recon.NewBalance)
	})

	t.Run("complete twice conflicts", func(t *testing.T) {
		c, rec := runCtx(http.MethodPost, "/v1/runs/"+runID+"/complete", `{}`)
		require.NoError(t, h.CompleteRun(c))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("events filtered by type", func(t *testing.T) {
		c, rec := runCtx(http.MethodGet, "/v1/runs/"+runID+"/events?types=billing.estimate,billing.reconciled", "")
		require.NoError(t, h.GetRunEvents(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Events []domain.Event `json:"events"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Events, 2)
		assert.Equal(t, domain.EventTypeBillingEstimate, resp.Events[0].Type)
		assert.Equal(t, domain.EventTypeBillingReconciled, resp.Events[1].Type)
	})

	t.Run("workflow", func(t *testing.T) {
		c, rec := runCtx(http.MethodGet, "/v1/runs/"+runID+"/workflow", "")
		require.NoError(t, h.GetWorkflow(c))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), runID)
	})

	t.Run("get run", func(t *testing.T) {
		c, rec := runCtx(http.MethodGet, "/v1/runs/"+runID, "")
		require.NoError(t, h.GetRun(c))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"completed"`)
	})
}

func TestRunNotFound(t *testing.T) {
	h, _ := setupTestHandler(t, nil)
	e := echo.New()

	handlers := map[string]echo.HandlerFunc{
		"get":      h.GetRun,
		"events":   h.GetRunEvents,
		"workflow": h.GetWorkflow,
		"complete": h.CompleteRun,
	}
	for name, fn := range handlers {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(newJSONRequest(http.MethodPost, "/v1/runs/run_missing", `{}`), rec)
			c.SetParamNames("run_id")
			c.SetParamValues("run_missing")

			require.NoError(t, fn(c))
			assert.Equal(t, http.StatusNotFound, rec.Code)
		})
	}
}

func TestToolEndpoints(t *testing.T) {
	h, svc := setupTestHandler(t, map[string]int64{"u1": 100})
	e := echo.New()

	started, err := svc.StartRun(context.Background(), domain.StartRunInput{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	t.Run("list", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/tools", nil), rec)

		require.NoError(t, h.ListTools(c))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"name":"echo"`)
	})

	tests := []struct {
		name       string
		tool       string
		body       string
		wantStatus int
		contains   string
	}{
		{"success", "echo", `{"run_id":"` + started.Run.RunID + `","args":{"text":"hi"}}`, http.StatusOK, `"status":"succeeded"`},
		{"invalid args", "echo", `{"run_id":"` + started.Run.RunID + `","args":{"text":1}}`, http.StatusOK, `"code":"invalid_args"`},
		{"unknown tool", "nope", `{"run_id":"` + started.Run.RunID + `","args":{}}`, http.StatusNotFound, "tool not found"},
		{"missing run id", "echo", `{"args":{}}`, http.StatusBadRequest, "run_id is required"},
		{"unknown run", "echo", `{"run_id":"run_missing","args":{}}`, http.StatusNotFound, "run not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(newJSONRequest(http.MethodPost, "/v1/tools/"+tt.tool+"/invoke", tt.body), rec)
			c.SetPath("/v1/tools/:tool_name/invoke")
			c.SetParamNames("tool_name")
			c.SetParamValues(tt.tool)

			require.NoError(t, h.InvokeTool(c))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}
