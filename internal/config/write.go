package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigTemplate returns a commented starter config. Every value shown
// is the default, so uncommenting without editing changes nothing.
func DefaultConfigTemplate() string {
	return `# Swarm orchestrator configuration.
# All values are optional; the defaults are shown.

# Where session state lives: database, mailboxes, logs, workflow templates.
# state_dir: .swarm

# Where per-agent git worktrees are created.
# worktrees_dir: .worktrees

# Per-role persona files (roles/<role>/CLAUDE.md) copied into each worktree.
# roles_dir: roles

# Branch namespace for agent work branches (swarm/<role>-<session>).
# branch_prefix: swarm

# CLI launched inside each agent's tmux pane.
# worker_command: claude

# Tear down panes, worktrees, and mailboxes when a session ends.
# auto_cleanup: true

# Checkpoints retained per session.
# keep_checkpoints: 10

# timeouts:
#   workflow: 30m
#   agent: 10m
#   agent_ready: 60s
#   monitor_interval: 5s

# tracing:
#   enabled: false
#   exporter: file      # none | file | stdout
#   file_path: ""       # default: <state_dir>/traces.jsonl
#   sample_rate: 1.0
`
}

// WriteDefaultConfig writes the commented starter config to configPath,
// creating parent directories as needed.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
