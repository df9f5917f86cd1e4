package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/phenom-core/internal/config"
)

// useTestConfig installs a defaults-only config with journal memory under a temp dir.
func useTestConfig(t *testing.T) string {
	t.Helper()
	c, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	dir := t.TempDir()
	c.Memory.Enabled = true
	c.Memory.Backend = "journal"
	c.Memory.Dir = dir
	c.Memory.FlushInterval = 10 * time.Millisecond
	c.Memory.CompactInterval = 0
	c.Retrieval.Enabled = false
	c.AI.Local.Enabled = false
	c.AI.PersonalInjection.EnvKeys = []string{"PHENOM_TEST_UNSET_KEY"}

	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
	return dir
}

func TestNewSession_FlushesMemoryOnSchedule(t *testing.T) {
	dir := useTestConfig(t)
	ctx := context.Background()

	a, err := newSession(ctx, slog.Default())
	require.NoError(t, err)
	defer closeApp(ctx, a)
	require.NotNil(t, a.jobs)

	a.memory.Remember("city", "Lisbon")
	assert.Eventually(t, func() bool { return a.memory.Stats().PendingOps == 0 }, 2*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dir, "memory_journal.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Lisbon")
}

func TestNewApp_NoScheduledJobs(t *testing.T) {
	useTestConfig(t)
	ctx := context.Background()

	a, err := newApp(ctx, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, a.jobs)

	a.memory.Remember("k", "v")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, a.memory.Stats().PendingOps)

	require.NoError(t, a.close(ctx))
	assert.Zero(t, a.memory.Stats().PendingOps)
}

func TestWriteTimeout_CoversFallbackChain(t *testing.T) {
	ai := config.AIConfig{
		Local: config.LocalConfig{Timeout: 60 * time.Second},
		Cloud: config.CloudConfig{Timeout: 90 * time.Second},
		ProviderOverrides: map[string]config.CloudConfig{
			"anthropic": {Timeout: 120 * time.Second},
		},
	}
	assert.Equal(t, 210*time.Second, writeTimeout(ai))

	ai.ProviderOverrides = nil
	assert.Equal(t, 180*time.Second, writeTimeout(ai))
}
