// Package rpc exposes the orchestrator over JSON-RPC for internal clients.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/repository"
	"github.com/xiaot623/archetype/internal/service"
)

// Server exposes internal RPC endpoints for ingress and operator tooling.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the orchestrator service.
func NewServer(svc *service.Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName("Orchestrator", handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
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

// Handler implements orchestrator RPC methods.
type Handler struct {
	service *service.Service
}

// RunRequest identifies a run.
type RunRequest struct {
	RunID string `json:"run_id"`
}

// WalletRequest identifies a wallet.
type WalletRequest struct {
	UserID string `json:"user_id"`
}

// TopUpRequest adds credits to a wallet.
type TopUpRequest struct {
	UserID  string                   `json:"user_id"`
	Request domain.AddCreditsRequest `json:"request"`
}

// CancelRunResponse is returned after a run cancellation request.
type CancelRunResponse struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// Chat drives a user message through the agent loop.
func (h *Handler) Chat(req *domain.ChatRequest, resp *domain.ChatResponse) error {
	if req == nil {
		return errors.New("chat request is required")
	}

	result, err := h.service.Chat(context.Background(), *req)
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}

// CancelRun cancels a run.
func (h *Handler) CancelRun(req *RunRequest, resp *CancelRunResponse) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}

	if err := h.service.CancelRun(context.Background(), req.RunID); err != nil {
		return err
	}
	if resp != nil {
		resp.RunID = req.RunID
		resp.Message = "run cancellation requested"
	}
	return nil
}

// GetRun returns a run.
func (h *Handler) GetRun(req *RunRequest, resp *domain.AgentRun) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}

	run, err := h.service.GetRun(context.Background(), req.RunID)
	if err != nil {
		return err
	}
	if run == nil {
		return store.ErrRunNotFound
	}
	*resp = *run
	return nil
}

// GetWallet returns a user's wallet.
func (h *Handler) GetWallet(req *WalletRequest, resp *domain.CreditWallet) error {
	if req == nil || req.UserID == "" {
		return errors.New("user_id is required")
	}

	wallet, err := h.service.GetWallet(context.Background(), req.UserID)
	if err != nil {
		return err
	}
	*resp = *wallet
	return nil
}

// AddCredits tops up a wallet.
func (h *Handler) AddCredits(req *TopUpRequest, resp *domain.CreditWallet) error {
	if req == nil || req.UserID == "" {
		return errors.New("user_id is required")
	}

	_, wallet, err := h.service.AddCredits(context.Background(), req.UserID, req.Request)
	if err != nil {
		return err
	}
	*resp = *wallet
	return nil
}
