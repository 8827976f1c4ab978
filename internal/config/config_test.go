package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/tracing"
)

func TestDefaults(t *testing.T) {
	c := Defaults()
	require.Equal(t, ".swarm", c.StateDir)
	require.Equal(t, ".worktrees", c.WorktreesDir)
	require.Equal(t, "swarm", c.BranchPrefix)
	require.Equal(t, "claude", c.WorkerCommand)
	require.True(t, c.AutoCleanup)
	require.Equal(t, 30*time.Minute, c.Timeouts.Workflow)
	require.Equal(t, 60*time.Second, c.Timeouts.AgentReady)
	require.Equal(t, 5*time.Second, c.Timeouts.MonitorInterval)
	require.NoError(t, Validate(c))
}

func TestNormalize_FillsZeroValues(t *testing.T) {
	c := Config{StateDir: "custom", Timeouts: TimeoutConfig{Workflow: time.Hour}}
	c.Normalize()

	require.Equal(t, "custom", c.StateDir, "explicit values survive")
	require.Equal(t, time.Hour, c.Timeouts.Workflow)
	require.Equal(t, ".worktrees", c.WorktreesDir)
	require.Equal(t, 5*time.Second, c.Timeouts.MonitorInterval)
	require.Equal(t, 10, c.KeepCheckpoints)
	require.Equal(t, tracing.ExporterFile, c.Tracing.Exporter)
}

func TestValidate(t *testing.T) {
	bad := Defaults()
	bad.Tracing.Exporter = "otlp"
	require.Error(t, Validate(bad))

	bad = Defaults()
	bad.Tracing.SampleRate = 1.5
	require.Error(t, Validate(bad))

	bad = Defaults()
	bad.Timeouts.Agent = -time.Second
	require.Error(t, Validate(bad))

	bad = Defaults()
	bad.KeepCheckpoints = -1
	require.Error(t, Validate(bad))
}

func TestDerivedPaths(t *testing.T) {
	c := Config{StateDir: ".swarm"}
	require.Equal(t, filepath.Join(".swarm", "memory.db"), c.DatabasePath())
	require.Equal(t, filepath.Join(".swarm", "messages"), c.MessagesDir())
	require.Equal(t, filepath.Join(".swarm", "workflows"), c.WorkflowsDir())
}

func TestTracingConfig_ToTracing(t *testing.T) {
	tc := TracingConfig{Enabled: true, Exporter: tracing.ExporterFile, SampleRate: 0.5}
	got := tc.ToTracing(".swarm")
	require.True(t, got.Enabled)
	require.Equal(t, filepath.Join(".swarm", "traces.jsonl"), got.FilePath, "default path under state dir")
	require.Equal(t, 0.5, got.SampleRate)

	tc.FilePath = "/tmp/t.jsonl"
	require.Equal(t, "/tmp/t.jsonl", tc.ToTracing(".swarm").FilePath)
}
