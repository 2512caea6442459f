package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

const (
	// EnvAgentMode is the environment variable that forces the mock provider.
	EnvAgentMode = "AGENT_MODE"
	// ModeMock indicates mock mode should be used.
	ModeMock = "MOCK"
)

// Provider names accepted by New.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

// Config selects and configures a provider.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// New creates a provider from cfg. AGENT_MODE=MOCK overrides the selection.
func New(ctx context.Context, cfg Config) (Provider, error) {
	if os.Getenv(EnvAgentMode) == ModeMock {
		slog.Info("AGENT_MODE=MOCK detected, using mock LLM provider")
		return NewMockProvider(), nil
	}

	switch cfg.Provider {
	case ProviderGemini:
		return NewGeminiProvider(ctx, cfg.APIKey, cfg.Model)
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case ProviderMock:
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
