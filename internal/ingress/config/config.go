// Package config provides configuration for the ingress service.
package config

import (
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/xiaot623/archetype/internal/domain"
)

// Config holds the ingress configuration.
type Config struct {
	// Server settings
	WSPort   int // External WebSocket port
	RPCPort  int // Event push from the orchestrator
	HTTPPort int // Internal HTTP port for /internal/send, /health

	// Orchestrator settings
	OrchestratorURL string
	ChatTimeout     time.Duration

	// Auth settings
	APIKey string // Static API key for hello.api_key validation

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBuffer     int

	// DropEvents lists run event types that are not forwarded to clients,
	// e.g. turn_thought to hide reasoning streams. Unknown names are ignored.
	DropEvents []domain.EventType

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		WSPort:          getEnvInt("WS_PORT", 8090),
		RPCPort:         getEnvInt("RPC_PORT", 8091),
		HTTPPort:        getEnvInt("HTTP_PORT", 8092),
		OrchestratorURL: getEnv("ORCHESTRATOR_URL", "http://localhost:8081"),
		ChatTimeout:     time.Duration(getEnvInt("CHAT_TIMEOUT_MS", 600000)) * time.Millisecond,
		APIKey:          getEnv("API_KEY", ""),
		PingInterval:    time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:    time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:     time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:  int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		SendBuffer:      getEnvInt("WS_SEND_BUFFER", 256),
		DropEvents:      getEnvEventTypes("INGRESS_DROP_EVENTS"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
	}
}

// Forwards reports whether events of type t reach connected clients. The
// done frame and billing notifications are always forwarded.
func (c *Config) Forwards(t domain.EventType) bool {
	if t == domain.EventTypeDone || t.IsBilling() {
		return true
	}
	return !slices.Contains(c.DropEvents, t)
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

func getEnvEventTypes(key string) []domain.EventType {
	var out []domain.EventType
	for _, name := range strings.Split(os.Getenv(key), ",") {
		t := domain.EventType(strings.TrimSpace(name))
		if t.Valid() {
			out = append(out, t)
		}
	}
	return out
}
