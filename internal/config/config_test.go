package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/archetype/internal/truncate"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 8082, cfg.RPCPort)
	assert.Equal(t, int64(1000), cfg.TokensPerCredit)
	assert.Equal(t, "platform", cfg.FreeContext)
	assert.False(t, cfg.WorkflowStrict)
	assert.Equal(t, 2, cfg.WorkflowStallThreshold)
	assert.True(t, cfg.WorkflowRequireCommit)
	assert.Equal(t, 60*time.Second, cfg.ToolTimeout)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TOKENS_PER_CREDIT", "750")
	t.Setenv("WORKFLOW_STRICT", "true")
	t.Setenv("OWNER_USER_IDS", "alice, bob,")
	t.Setenv("TOOL_TIMEOUT_MS", "1500")
	t.Setenv("LLM_PROVIDER", "mock")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(750), cfg.TokensPerCredit)
	assert.True(t, cfg.WorkflowStrict)
	assert.Equal(t, []string{"alice", "bob"}, cfg.OwnerUserIDs)
	assert.True(t, cfg.IsOwner("bob"))
	assert.False(t, cfg.IsOwner("carol"))
	assert.Equal(t, 1500*time.Millisecond, cfg.ToolTimeout)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			TokensPerCredit:           1000,
			DefaultReservationCredits: 10,
			WorkflowStallThreshold:    2,
			MaxTurnIterations:         5,
			DatabaseDriver:            "sqlite3",
			LLMProvider:               "mock",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"zero tokens per credit", func(c *Config) { c.TokensPerCredit = 0 }, false},
		{"stall threshold", func(c *Config) { c.WorkflowStallThreshold = 0 }, false},
		{"driver", func(c *Config) { c.DatabaseDriver = "mysql" }, false},
		{"provider", func(c *Config) { c.LLMProvider = "llama" }, false},
		{"postgres", func(c *Config) { c.DatabaseDriver = "postgres" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadBudgets(t *testing.T) {
	b, err := LoadBudgets("")
	require.NoError(t, err)
	assert.Equal(t, truncate.DefaultBudgets().Default, b.Default)

	path := filepath.Join(t.TempDir(), "truncation.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default: 1000
tools:
  read_file: 9000
exempt:
  - knowledge_recall
`), 0o644))

	b, err = LoadBudgets(path)
	require.NoError(t, err)
	assert.Equal(t, 1000, b.Default)
	assert.Equal(t, 9000, b.TokensFor("read_file"))
	assert.Equal(t, 2000, b.TokensFor("search_files"))
	assert.True(t, b.IsExempt("knowledge_recall"))
	assert.False(t, b.IsExempt("write_file"))

	require.NoError(t, os.WriteFile(path, []byte("default: [oops"), 0o644))
	_, err = LoadBudgets(path)
	assert.Error(t, err)
}

func TestWatchBudgetsReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "truncation.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default: 1000\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan truncate.Budgets, 4)
	require.NoError(t, WatchBudgets(ctx, path, func(b truncate.Budgets) { got <- b }))

	require.NoError(t, os.WriteFile(path, []byte("default: 2500\n"), 0o644))

	select {
	case b := <-got:
		assert.Equal(t, 2500, b.Default)
	case <-time.After(5 * time.Second):
		t.Fatal("budgets were not reloaded")
	}
}
