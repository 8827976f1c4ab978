package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cbriice/claude-swarm-sub002/internal/infrastructure/sqlite"
	"github.com/cbriice/claude-swarm-sub002/internal/watcher"
)

var (
	sessionsStatus string
	sessionsLimit  int
	sessionsWatch  bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session: agents, checkpoints, errors",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsStatsCmd = &cobra.Command{
	Use:   "stats <session-id>",
	Short: "Show stored row counts for one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsStats,
}

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsStatus, "status", "",
		"filter by status (initializing, running, paused, synthesizing, complete, cancelled, failed)")
	sessionsListCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "maximum sessions to list")
	sessionsListCmd.Flags().BoolVar(&sessionsWatch, "watch", false,
		"re-list whenever the session database changes")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsStatsCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openStore() (*sqlite.Store, error) {
	db, err := sqlite.NewDB(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}
	return sqlite.NewStore(db), nil
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := listSessions(cmd, store); err != nil {
		return err
	}
	if !sessionsWatch {
		return nil
	}

	// Re-list after every debounced database change until interrupted.
	w, err := watcher.New(watcher.DefaultConfig(cfg.DatabasePath()))
	if err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()
	onChange, err := w.Start()
	if err != nil {
		return err
	}

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case <-onChange:
			cmd.Println()
			if err := listSessions(cmd, store); err != nil {
				return err
			}
		}
	}
}

func listSessions(cmd *cobra.Command, store *sqlite.Store) error {
	filter := sqlite.SessionFilter{Limit: sessionsLimit}
	if sessionsStatus != "" {
		filter.Status = sqlite.SessionStatus(sessionsStatus)
	}
	sessions, err := store.ListSessions(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		cmd.Println("no sessions")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKFLOW\tSTATUS\tCREATED\tGOAL")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.WorkflowType, s.Status, s.CreatedAt.Local().Format(time.DateTime), truncate(s.Goal, 60))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	ctx := cmd.Context()
	id := args[0]

	sess, err := store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	cmd.Printf("session  %s\nworkflow %s\nstatus   %s\ngoal     %s\ncreated  %s\n",
		sess.ID, sess.WorkflowType, sess.Status, sess.Goal, sess.CreatedAt.Local().Format(time.DateTime))

	agents, err := store.GetAgentActivity(ctx, id)
	if err != nil {
		return err
	}
	if len(agents) > 0 {
		cmd.Println("\nagents:")
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  ROLE\tSTATUS\tMESSAGES\tLAST ACTIVITY")
		for _, a := range agents {
			fmt.Fprintf(w, "  %s\t%s\t%d\t%s\n",
				a.Role, a.Status, a.MessageCount, a.LastActivity.Local().Format(time.DateTime))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	checkpoints, err := store.ListCheckpoints(ctx, id)
	if err != nil {
		return err
	}
	if len(checkpoints) > 0 {
		cmd.Println("\ncheckpoints:")
		for _, cp := range checkpoints {
			cmd.Printf("  %s  %s  %s\n", cp.ID, cp.Stage, cp.CreatedAt.Local().Format(time.DateTime))
		}
	}

	errs, err := store.GetSessionErrors(ctx, id)
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		cmd.Println("\nerrors:")
		for _, e := range errs {
			recovered := ""
			if e.Recovered {
				recovered = " (recovered)"
			}
			cmd.Printf("  [%s] %s: %s%s\n", e.Severity, e.Code, e.Message, recovered)
		}
	}
	return nil
}

func runSessionsStats(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	stats, err := store.Stats(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "findings\t%d (%d verified)\n", stats.Findings.Total, stats.Findings.Verified)
	fmt.Fprintf(w, "artifacts\t%d (%d approved)\n", stats.Artifacts.Total, stats.Artifacts.Approved)
	fmt.Fprintf(w, "tasks\t%d (%d complete)\n", stats.Tasks.Total, stats.Tasks.Complete)
	fmt.Fprintf(w, "decisions\t%d\n", stats.Decisions)
	fmt.Fprintf(w, "checkpoints\t%d\n", stats.Checkpoints)
	fmt.Fprintf(w, "messages\t%d\n", stats.Messages.Total)
	for _, k := range sortedKeys(stats.Messages.ByType) {
		fmt.Fprintf(w, "  %s\t%d\n", k, stats.Messages.ByType[k])
	}
	fmt.Fprintf(w, "errors\t%d\n", stats.Errors.Total)
	for _, k := range sortedKeys(stats.Errors.BySeverity) {
		fmt.Fprintf(w, "  %s\t%d\n", k, stats.Errors.BySeverity[k])
	}
	return w.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
