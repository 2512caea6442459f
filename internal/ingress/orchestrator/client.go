// Package orchestrator provides an HTTP client for the orchestrator internal API.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaot623/archetype/internal/domain"
)

// Client is an HTTP client for the orchestrator internal API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new orchestrator client. A chat holds its request
// open until the run settles, so timeout should cover a whole run.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CancelRunResponse represents the response from canceling a run.
type CancelRunResponse struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// ErrorResponse represents an error response from the orchestrator.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusError is returned when the orchestrator answers with a non-200.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("orchestrator error (%d): %s", e.StatusCode, e.Message)
}

// Chat calls POST /internal/chat on the orchestrator and waits for the run
// to settle. Streaming output arrives separately through event pushes.
func (c *Client) Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	var resp domain.ChatResponse
	if err := c.post(ctx, "/internal/chat", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to chat: %w", err)
	}
	return &resp, nil
}

// CancelRun calls POST /internal/runs/:run_id/cancel on the orchestrator.
func (c *Client) CancelRun(ctx context.Context, runID string) (*CancelRunResponse, error) {
	var resp CancelRunResponse
	if err := c.post(ctx, "/internal/runs/"+runID+"/cancel", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to cancel run: %w", err)
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
