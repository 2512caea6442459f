package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/archetype/internal/ingress/config"
	"github.com/xiaot623/archetype/internal/ingress/hub"
	internalhttp "github.com/xiaot623/archetype/internal/ingress/http"
	"github.com/xiaot623/archetype/internal/ingress/orchestrator"
	"github.com/xiaot623/archetype/internal/ingress/transport/rpc"
	"github.com/xiaot623/archetype/internal/ingress/ws"
	"github.com/xiaot623/archetype/internal/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	slog.Info("starting ingress service",
		"ws_port", cfg.WSPort,
		"rpc_port", cfg.RPCPort,
		"http_port", cfg.HTTPPort,
		"orchestrator_url", cfg.OrchestratorURL,
		"drop_events", cfg.DropEvents,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectionHub := hub.NewHub(cfg.SendBuffer)
	go connectionHub.Run(ctx)

	orchClient := orchestrator.NewClient(cfg.OrchestratorURL, cfg.ChatTimeout)
	wsServer := ws.NewServer(cfg, connectionHub, orchClient)

	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Logger())
	wsEcho.Use(middleware.Recover())
	wsEcho.GET("/ws", wsServer.HandleWebSocket)

	httpServer := internalhttp.NewServer(connectionHub, cfg)
	rpcServer, err := rpc.NewServer(connectionHub, cfg)
	if err != nil {
		slog.Error("failed to create rpc server", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 3)
	go func() {
		if err := wsEcho.Start(fmt.Sprintf(":%d", cfg.WSPort)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("websocket server: %w", err)
		}
	}()
	go func() {
		if err := httpServer.Start(fmt.Sprintf(":%d", cfg.HTTPPort)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := rpcServer.Start(fmt.Sprintf(":%d", cfg.RPCPort)); err != nil {
			errCh <- fmt.Errorf("rpc server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("server failed", "error", err)
	}

	slog.Info("shutting down ingress")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		slog.Warn("failed to shutdown websocket server gracefully", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("failed to shutdown http server gracefully", "error", err)
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("failed to shutdown rpc server gracefully", "error", err)
	}

	slog.Info("ingress stopped")
}
