// Package ingress pushes session events to the ingress service over JSON-RPC.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"
)

// Event is one server-to-client frame. Data is marshalled as the frame's
// "data" field.
type Event struct {
	Type  string `json:"type"`
	Ts    int64  `json:"ts"`
	RunID string `json:"run_id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient creates a client for the ingress RPC address. An empty address
// yields a client whose pushes are no-ops.
func NewClient(baseURL string) *Client {
	return &Client{
		addr:        resolveRPCAddr(baseURL),
		dialTimeout: 5 * time.Second,
		callTimeout: 5 * time.Second,
	}
}

// SendRequest represents the request body for internal event delivery.
type SendRequest struct {
	SessionID string          `json:"session_id"`
	Event     json.RawMessage `json:"event"`
}

// SendResponse represents the response for internal event delivery.
type SendResponse struct {
	OK        bool `json:"ok"`
	Delivered bool `json:"delivered"`
}

// PushEvent delivers event to every connection bound to sessionID.
func (c *Client) PushEvent(ctx context.Context, sessionID string, event Event) error {
	if c == nil || c.addr == "" || sessionID == "" {
		return nil
	}
	if event.Ts == 0 {
		event.Ts = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.Type, err)
	}

	req := &SendRequest{
		SessionID: sessionID,
		Event:     payload,
	}

	var resp SendResponse
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.call(ctx, "Ingress.PushEvent", req, &resp); err != nil {
		return fmt.Errorf("failed to push event to ingress: %w", err)
	}
	if !resp.OK {
		slog.Warn("ingress rpc returned ok=false", "delivered", resp.Delivered, "type", event.Type)
		return fmt.Errorf("ingress rpc returned ok=false")
	}

	return nil
}

func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
