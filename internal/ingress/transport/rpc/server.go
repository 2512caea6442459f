// Package rpc receives run events from the orchestrator over JSON-RPC and
// forwards them to the session's WebSocket clients.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/ingress/config"
	"github.com/xiaot623/archetype/internal/ingress/hub"
	"github.com/xiaot623/archetype/internal/ingress/protocol"
)

// Server exposes ingress RPC endpoints.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new ingress RPC server.
func NewServer(h *hub.Hub, cfg *config.Config) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{hub: h, cfg: cfg}
	if err := rpcServer.RegisterName("Ingress", handler); err != nil {
		return nil, err
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts RPC connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			slog.Error("rpc accept error", "error", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements ingress RPC methods.
type Handler struct {
	hub *hub.Hub
	cfg *config.Config
}

// SendRequest carries one run event for a session.
type SendRequest struct {
	SessionID string          `json:"session_id"`
	Event     json.RawMessage `json:"event"`
}

// SendResponse reports what happened to a pushed event. Dropped events were
// filtered by INGRESS_DROP_EVENTS and never reached the hub.
type SendResponse struct {
	OK        bool             `json:"ok"`
	Type      domain.EventType `json:"type"`
	Delivered bool             `json:"delivered"`
	Dropped   bool             `json:"dropped,omitempty"`
}

// PushEvent forwards a run event from the orchestrator to the session's
// WebSocket clients. Frames outside the orchestrator's event vocabulary are
// rejected.
func (h *Handler) PushEvent(req *SendRequest, resp *SendResponse) error {
	if req == nil {
		return errors.New("send request is required")
	}
	if req.SessionID == "" {
		return errors.New("session_id is required")
	}
	if len(req.Event) == 0 {
		return errors.New("event is required")
	}
	ev, err := protocol.DecodeEvent(req.Event)
	if err != nil {
		return err
	}

	out := SendResponse{OK: true, Type: ev.Type}
	if h.cfg != nil && !h.cfg.Forwards(ev.Type) {
		out.Dropped = true
	} else {
		out.Delivered, err = h.hub.Deliver(req.SessionID, req.Event)
		if err != nil {
			return err
		}
	}

	if ev.Type.IsBilling() {
		slog.Info("billing event pushed", "session_id", req.SessionID, "run_id", ev.RunID, "type", ev.Type, "delivered", out.Delivered)
	} else {
		slog.Debug("event pushed", "session_id", req.SessionID, "run_id", ev.RunID, "type", ev.Type, "delivered", out.Delivered, "dropped", out.Dropped)
	}
	if resp != nil {
		*resp = out
	}
	return nil
}
