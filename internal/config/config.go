// Package config provides configuration types, defaults, and persistence for
// the swarm orchestrator.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/tracing"
)

// Config holds all configuration options for a swarm run.
type Config struct {
	// StateDir is where session state lives: database, mailboxes, logs,
	// user workflow templates. Default: ./.swarm
	StateDir string `mapstructure:"state_dir"`

	// WorktreesDir is where per-agent git worktrees are created.
	// Default: ./.worktrees
	WorktreesDir string `mapstructure:"worktrees_dir"`

	// RolesDir holds per-role persona files (roles/<role>/CLAUDE.md) that
	// are copied into each agent's worktree. Default: ./roles
	RolesDir string `mapstructure:"roles_dir"`

	// BranchPrefix namespaces the branches agents work on. Default: swarm
	BranchPrefix string `mapstructure:"branch_prefix"`

	// WorkerCommand is the CLI launched inside each agent's tmux pane.
	// Default: claude
	WorkerCommand string `mapstructure:"worker_command"`

	// AutoCleanup tears down panes, worktrees, and mailboxes when a session
	// ends. Disable to inspect agent state post-mortem. Default: true
	AutoCleanup bool `mapstructure:"auto_cleanup"`

	// KeepCheckpoints is how many checkpoints to retain per session.
	KeepCheckpoints int `mapstructure:"keep_checkpoints"`

	Timeouts TimeoutConfig `mapstructure:"timeouts"`
	Tracing  TracingConfig `mapstructure:"tracing"`
}

// TimeoutConfig groups every timer the orchestrator runs on.
type TimeoutConfig struct {
	// Workflow bounds a whole session. Default: 30m
	Workflow time.Duration `mapstructure:"workflow"`

	// Agent is how long an agent may go without activity before the
	// monitor flags it unhealthy. Default: 10m
	Agent time.Duration `mapstructure:"agent"`

	// AgentReady is how long to wait for a freshly spawned agent's ready
	// signal. Default: 60s
	AgentReady time.Duration `mapstructure:"agent_ready"`

	// MonitorInterval is the monitor tick. Default: 5s
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the backend: "none", "file", or "stdout".
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output for the "file" exporter.
	// Default: <state_dir>/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// ToTracing converts to the tracing package's config, filling in the default
// trace file location under stateDir.
func (t TracingConfig) ToTracing(stateDir string) tracing.Config {
	filePath := t.FilePath
	if filePath == "" {
		filePath = filepath.Join(stateDir, "traces.jsonl")
	}
	return tracing.Config{
		Enabled:     t.Enabled,
		Exporter:    t.Exporter,
		FilePath:    filePath,
		SampleRate:  t.SampleRate,
		ServiceName: tracing.DefaultServiceName,
	}
}

// Defaults returns the configuration used when no config file exists.
func Defaults() Config {
	return Config{
		StateDir:        ".swarm",
		WorktreesDir:    ".worktrees",
		RolesDir:        "roles",
		BranchPrefix:    "swarm",
		WorkerCommand:   "claude",
		AutoCleanup:     true,
		KeepCheckpoints: 10,
		Timeouts: TimeoutConfig{
			Workflow:        30 * time.Minute,
			Agent:           10 * time.Minute,
			AgentReady:      60 * time.Second,
			MonitorInterval: 5 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   tracing.ExporterFile,
			SampleRate: 1.0,
		},
	}
}

// Normalize fills zero values with defaults so a partially specified config
// file still yields a runnable configuration.
func (c *Config) Normalize() {
	d := Defaults()
	if c.StateDir == "" {
		c.StateDir = d.StateDir
	}
	if c.WorktreesDir == "" {
		c.WorktreesDir = d.WorktreesDir
	}
	if c.RolesDir == "" {
		c.RolesDir = d.RolesDir
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = d.BranchPrefix
	}
	if c.WorkerCommand == "" {
		c.WorkerCommand = d.WorkerCommand
	}
	if c.KeepCheckpoints <= 0 {
		c.KeepCheckpoints = d.KeepCheckpoints
	}
	if c.Timeouts.Workflow <= 0 {
		c.Timeouts.Workflow = d.Timeouts.Workflow
	}
	if c.Timeouts.Agent <= 0 {
		c.Timeouts.Agent = d.Timeouts.Agent
	}
	if c.Timeouts.AgentReady <= 0 {
		c.Timeouts.AgentReady = d.Timeouts.AgentReady
	}
	if c.Timeouts.MonitorInterval <= 0 {
		c.Timeouts.MonitorInterval = d.Timeouts.MonitorInterval
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = d.Tracing.Exporter
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = d.Tracing.SampleRate
	}
}

// Validate checks the configuration for errors. Empty values are fine, they
// take defaults via Normalize.
func Validate(c Config) error {
	switch c.Tracing.Exporter {
	case "", tracing.ExporterNone, tracing.ExporterFile, tracing.ExporterStdout:
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", or \"stdout\", got %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate)
	}
	if c.Timeouts.Workflow < 0 || c.Timeouts.Agent < 0 || c.Timeouts.AgentReady < 0 || c.Timeouts.MonitorInterval < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.KeepCheckpoints < 0 {
		return fmt.Errorf("keep_checkpoints must not be negative, got %d", c.KeepCheckpoints)
	}
	return nil
}

// WorkflowsDir is where user-defined workflow templates live.
func (c Config) WorkflowsDir() string {
	return filepath.Join(c.StateDir, "workflows")
}

// DatabasePath is the session database location.
func (c Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "memory.db")
}

// MessagesDir is the mailbox root.
func (c Config) MessagesDir() string {
	return filepath.Join(c.StateDir, "messages")
}

// LogPath is the debug log location.
func (c Config) LogPath() string {
	return filepath.Join(c.StateDir, "swarm.log")
}
