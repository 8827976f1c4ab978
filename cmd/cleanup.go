package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/tmux"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/worktree"
)

var (
	cleanupOlderThan  time.Duration
	cleanupTmuxPrefix string
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned tmux sessions and worktrees",
	Long: `Remove resources left behind by crashed sessions: tmux sessions whose
name starts with the swarm prefix, and untracked worktrees under the
worktrees directory. Only resources older than --older-than are touched.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", time.Hour,
		"only remove resources older than this")
	cleanupCmd.Flags().StringVar(&cleanupTmuxPrefix, "tmux-prefix", "swarm",
		"tmux session name prefix to match")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	panes := tmux.NewGateway()
	killed, err := panes.CleanupOrphans(ctx, cleanupTmuxPrefix, cleanupOlderThan)
	if err != nil {
		return err
	}
	cmd.Printf("tmux sessions killed: %d\n", killed)

	trees, err := worktree.NewGateway(".", worktree.WithBranchPrefix(cfg.BranchPrefix))
	if err != nil {
		return err
	}
	removed, err := trees.CleanupOrphans(ctx, cleanupOlderThan)
	if err != nil {
		return err
	}
	cmd.Printf("worktrees removed: %d\n", removed)
	return nil
}
