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

	"github.com/xiaot623/archetype/internal/adapter/ingress"
	"github.com/xiaot623/archetype/internal/adapter/llm"
	"github.com/xiaot623/archetype/internal/config"
	"github.com/xiaot623/archetype/internal/engine"
	"github.com/xiaot623/archetype/internal/logging"
	"github.com/xiaot623/archetype/internal/policy"
	"github.com/xiaot623/archetype/internal/repository"
	"github.com/xiaot623/archetype/internal/service"
	"github.com/xiaot623/archetype/internal/tools"
	handler "github.com/xiaot623/archetype/internal/transport/http"
	"github.com/xiaot623/archetype/internal/transport/rpc"
	"github.com/xiaot623/archetype/internal/truncate"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	if err := run(); err != nil {
		slog.Error("orchestrator failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	slog.Info("starting orchestrator",
		"http_port", cfg.HTTPPort,
		"internal_port", cfg.InternalPort,
		"rpc_port", cfg.RPCPort,
		"database_driver", cfg.DatabaseDriver,
		"llm_provider", cfg.LLMProvider,
		"workflow_strict", cfg.WorkflowStrict,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	// Initialize policy engine
	policyEngine, err := policy.LoadEngine(ctx, cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	// Truncation budgets, reloaded when the file changes
	budgets, err := config.LoadBudgets(cfg.TruncationConfig)
	if err != nil {
		return fmt.Errorf("failed to load truncation budgets: %w", err)
	}
	truncator := truncate.New(budgets)
	if err := config.WatchBudgets(ctx, cfg.TruncationConfig, truncator.SetBudgets); err != nil {
		slog.Warn("truncation budgets will not be reloaded", "path", cfg.TruncationConfig, "error", err)
	}

	// Tools
	workspace, err := tools.NewWorkspace(cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("failed to open workspace: %w", err)
	}
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.Env{
		Workspace:          workspace,
		Sandbox:            tools.NewLocalSandbox(workspace, cfg.SandboxToken),
		SandboxToken:       cfg.SandboxToken,
		DiagnosticsCommand: cfg.DiagnosticsCommand,
		CommandTimeout:     cfg.ToolTimeout,
		Knowledge:          db,
		Tasks:              db,
	}); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	// Model provider and turn engine
	provider, err := llm.New(ctx, llm.Config{
		Provider: cfg.LLMProvider,
		Model:    cfg.LLMModel,
		APIKey:   cfg.LLMAPIKey,
		BaseURL:  cfg.LLMBaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize llm provider: %w", err)
	}
	engineCfg := engine.DefaultConfig()
	engineCfg.Model = cfg.LLMModel
	engineCfg.Temperature = float32(cfg.LLMTemperature)
	engineCfg.MaxOutputTokens = cfg.MaxOutputTokens

	// Initialize service
	svc, err := service.New(service.Deps{
		Store:     db,
		Engine:    engine.New(provider, engineCfg),
		Registry:  registry,
		Truncator: truncator,
		Policy:    policyEngine,
		Notifier:  ingress.NewClient(cfg.IngressURL),
	}, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	scheduler, err := svc.StartAllocationScheduler(ctx)
	if err != nil {
		return fmt.Errorf("failed to start allocation scheduler: %w", err)
	}
	defer scheduler.Stop()

	externalServer := handler.NewExternalServer(svc)
	internalServer := handler.NewInternalServer(svc)
	rpcServer, err := rpc.NewServer(svc)
	if err != nil {
		return err
	}

	errCh := make(chan error, 3)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := externalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("external server: %w", err)
		}
	}()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("internal server: %w", err)
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

	slog.Info("shutting down orchestrator")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := externalServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("failed to shutdown external server gracefully", "error", err)
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("failed to shutdown internal server gracefully", "error", err)
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("failed to shutdown rpc server gracefully", "error", err)
	}

	slog.Info("orchestrator stopped")
	return nil
}
