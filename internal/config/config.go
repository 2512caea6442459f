// Package config provides configuration for the orchestrator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort     int
	InternalPort int
	RPCPort      int

	// Database
	DatabaseDriver string
	DatabaseURL    string

	// Ingress settings
	IngressURL string

	// LLM
	LLMProvider     string
	LLMModel        string
	LLMAPIKey       string
	LLMBaseURL      string
	LLMTemperature  float64
	MaxOutputTokens int

	// Billing
	TokensPerCredit           int64
	DefaultReservationCredits int64
	ResumeReservationCredits  int64
	FreeContext               string
	OwnerUserIDs              []string
	USDPerCredit              float64
	MonthlyAllocationCredits  int64
	MonthlyAllocationSchedule string

	// Workflow
	WorkflowStrict         bool
	WorkflowStallThreshold int
	WorkflowRequireCommit  bool

	// Tools
	TruncationConfig   string
	PolicyPath         string
	WorkspaceRoot      string
	SandboxToken       string
	DiagnosticsCommand string

	// Agent loop
	MaxTurnIterations int
	HistoryLimit      int
	TurnTimeout       time.Duration
	ToolTimeout       time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:       getEnvInt("HTTP_PORT", 8080),
		InternalPort:   getEnvInt("INTERNAL_PORT", 8081),
		RPCPort:        getEnvInt("RPC_PORT", 8082),
		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite3"),
		DatabaseURL:    getEnv("DATABASE_URL", "file:orchestrator.db?cache=shared&mode=rwc"),
		IngressURL:     getEnv("INGRESS_URL", "http://localhost:8091"),

		LLMProvider:     getEnv("LLM_PROVIDER", "gemini"),
		LLMModel:        getEnv("LLM_MODEL", "gemini-2.5-flash"),
		LLMAPIKey:       getEnv("LLM_API_KEY", ""),
		LLMBaseURL:      getEnv("LLM_BASE_URL", ""),
		LLMTemperature:  getEnvFloat("LLM_TEMPERATURE", 0),
		MaxOutputTokens: getEnvInt("LLM_MAX_OUTPUT_TOKENS", 8192),

		TokensPerCredit:           int64(getEnvInt("TOKENS_PER_CREDIT", 1000)),
		DefaultReservationCredits: int64(getEnvInt("DEFAULT_RESERVATION_CREDITS", 10)),
		ResumeReservationCredits:  int64(getEnvInt("RESUME_RESERVATION_CREDITS", 10)),
		FreeContext:               getEnv("FREE_CONTEXT", "platform"),
		OwnerUserIDs:              getEnvList("OWNER_USER_IDS"),
		USDPerCredit:              getEnvFloat("USD_PER_CREDIT", 0.01),
		MonthlyAllocationCredits:  int64(getEnvInt("MONTHLY_ALLOCATION_CREDITS", 1000)),
		MonthlyAllocationSchedule: getEnv("MONTHLY_ALLOCATION_SCHEDULE", "0 0 1 * *"),

		WorkflowStrict:         getEnvBool("WORKFLOW_STRICT", false),
		WorkflowStallThreshold: getEnvInt("WORKFLOW_STALL_THRESHOLD", 2),
		WorkflowRequireCommit:  getEnvBool("WORKFLOW_REQUIRE_COMMIT", true),

		TruncationConfig:   getEnv("TRUNCATION_CONFIG", ""),
		PolicyPath:         getEnv("POLICY_PATH", ""),
		WorkspaceRoot:      getEnv("WORKSPACE_ROOT", "."),
		SandboxToken:       getEnv("SANDBOX_TOKEN", ""),
		DiagnosticsCommand: getEnv("DIAGNOSTICS_COMMAND", "go vet ./..."),

		MaxTurnIterations: getEnvInt("MAX_TURN_ITERATIONS", 25),
		HistoryLimit:      getEnvInt("HISTORY_LIMIT", 50),
		TurnTimeout:       getEnvDuration("TURN_TIMEOUT_MS", 300000),
		ToolTimeout:       getEnvDuration("TOOL_TIMEOUT_MS", 60000),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.TokensPerCredit <= 0 {
		return fmt.Errorf("TOKENS_PER_CREDIT must be positive, got %d", c.TokensPerCredit)
	}
	if c.DefaultReservationCredits <= 0 {
		return fmt.Errorf("DEFAULT_RESERVATION_CREDITS must be positive, got %d", c.DefaultReservationCredits)
	}
	if c.ResumeReservationCredits < 0 {
		return fmt.Errorf("RESUME_RESERVATION_CREDITS must not be negative")
	}
	if c.WorkflowStallThreshold < 1 {
		return fmt.Errorf("WORKFLOW_STALL_THRESHOLD must be at least 1, got %d", c.WorkflowStallThreshold)
	}
	if c.MaxTurnIterations < 1 {
		return fmt.Errorf("MAX_TURN_ITERATIONS must be at least 1, got %d", c.MaxTurnIterations)
	}
	switch c.DatabaseDriver {
	case "sqlite3", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	switch c.LLMProvider {
	case "gemini", "openai", "mock":
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLMProvider)
	}
	return nil
}

// IsOwner reports whether userID is configured as a platform owner.
func (c *Config) IsOwner(userID string) bool {
	for _, id := range c.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration reads a millisecond count.
func getEnvDuration(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
