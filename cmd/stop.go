package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cbriice/claude-swarm-sub002/internal/infrastructure/sqlite"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/mailbox"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/tmux"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/worktree"
)

var stopKeepResources bool

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active session and tear its resources down",
	Long: `Stop the active session from outside the running process: kill its tmux
session, remove the agent worktrees, clear the mailboxes, and mark the
session cancelled in the database. Safe to run after a crashed "start".`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().BoolVar(&stopKeepResources, "keep-resources", false,
		"only mark the session cancelled; keep panes, worktrees, and mailboxes")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	db, err := sqlite.NewDB(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("opening session database: %w", err)
	}
	store := sqlite.NewStore(db)
	defer func() { _ = store.Close() }()

	active, err := store.ActiveSessions(ctx)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		cmd.Println("no active session")
		return nil
	}
	sess := active[0]

	if !stopKeepResources {
		tmuxSession := "swarm"
		if name, ok := sess.Config["tmuxSession"].(string); ok && name != "" {
			tmuxSession = name
		}
		panes := tmux.NewGateway()
		if err := panes.KillSession(ctx, tmuxSession); err != nil {
			cmd.Printf("warning: tmux session not killed: %v\n", err)
		}

		trees, err := worktree.NewGateway(".", worktree.WithBranchPrefix(cfg.BranchPrefix))
		if err == nil {
			if n, err := trees.CleanupOrphans(ctx, 0); err != nil {
				cmd.Printf("warning: worktrees not removed: %v\n", err)
			} else if n > 0 {
				cmd.Printf("removed %d worktrees\n", n)
			}
		}

		bus, err := mailbox.NewBus(cfg.MessagesDir())
		if err == nil {
			if err := bus.ClearAll(); err != nil {
				cmd.Printf("warning: mailboxes not cleared: %v\n", err)
			}
		}
	}

	if err := store.UpdateSessionStatus(ctx, sess.ID, sqlite.SessionCancelled); err != nil {
		return err
	}
	cmd.Printf("session %s stopped\n", sess.ID)
	return nil
}
