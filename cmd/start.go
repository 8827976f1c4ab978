package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cbriice/claude-swarm-sub002/internal/config"
	"github.com/cbriice/claude-swarm-sub002/internal/infrastructure/sqlite"
	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/mailbox"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/orchestrator"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/tmux"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/tracing"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/workflow"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/worktree"
)

var (
	startBaseBranch string
	startRepo       string
	startNoCleanup  bool
)

var startCmd = &cobra.Command{
	Use:   "start <workflow> <goal>",
	Short: "Start a swarm session",
	Long: `Start a workflow session: spawn one agent per role in tmux panes, each
in its own git worktree, and route their messages until the workflow
completes.

Built-in workflows: research, implement (alias: development), review,
full (alias: architecture). YAML templates under .swarm/workflows/ are
also available by name.

Example:
  swarm start research "how does the scheduler pick a node"
  swarm start implement "add a retry budget to the fetcher" --base-branch main`,
	Args: cobra.MinimumNArgs(2),
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startBaseBranch, "base-branch", "",
		"branch agent worktrees start from (default: current HEAD)")
	startCmd.Flags().StringVar(&startRepo, "repo", ".",
		"repository the agents work in")
	startCmd.Flags().BoolVar(&startNoCleanup, "no-cleanup", false,
		"keep panes, worktrees, and mailboxes after the session ends")

	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if startNoCleanup {
		cfg.AutoCleanup = false
	}

	closeLog, err := log.Init(cfg.LogPath())
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer closeLog()

	ctx := cmd.Context()

	tracer, err := tracing.NewProvider(cfg.Tracing.ToTracing(cfg.StateDir))
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() { _ = tracer.Shutdown(context.WithoutCancel(ctx)) }()

	db, err := sqlite.NewDB(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("opening session database: %w", err)
	}
	store := sqlite.NewStore(db)
	defer func() { _ = store.Close() }()

	bus, err := mailbox.NewBus(cfg.MessagesDir())
	if err != nil {
		return fmt.Errorf("creating message bus: %w", err)
	}

	trees, err := worktree.NewGateway(startRepo, worktree.WithBranchPrefix(cfg.BranchPrefix))
	if err != nil {
		return fmt.Errorf("creating worktree gateway: %w", err)
	}
	panes := tmux.NewGateway(tmux.WithWorkerCommand(cfg.WorkerCommand))

	registry := workflow.NewRegistry()
	if n, err := workflow.LoadUserTemplates(registry, cfg.WorkflowsDir()); err != nil {
		log.Warn(log.CatWorkflow, "user templates not loaded", "error", err)
	} else if n > 0 {
		log.Info(log.CatWorkflow, "user templates loaded", "count", n)
	}

	orch := orchestrator.New(orchestrator.Config{
		BaseBranch:        startBaseBranch,
		WorkflowTimeout:   cfg.Timeouts.Workflow,
		AgentTimeout:      cfg.Timeouts.Agent,
		AgentReadyTimeout: cfg.Timeouts.AgentReady,
		MonitorInterval:   cfg.Timeouts.MonitorInterval,
		AutoCleanup:       cfg.AutoCleanup,
		KeepCheckpoints:   cfg.KeepCheckpoints,
	}, store, bus, panes, trees,
		orchestrator.WithTracer(tracer.Tracer()),
		orchestrator.WithRegistry(registry))

	orch.Subscribe(printEvent(cmd))

	goal := strings.Join(args[1:], " ")
	sess, err := orch.StartWorkflow(ctx, args[0], goal)
	if err != nil {
		return err
	}
	cmd.Printf("session %s started (workflow %s)\n", sess.ID, sess.WorkflowType)

	// First interrupt stops gracefully, the second kills.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
		cmd.Println("stopping session (interrupt again to kill)")
		go func() {
			<-sigs
			_ = orch.Kill(context.WithoutCancel(ctx))
		}()
		if err := orch.Stop(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	case <-orch.Done():
	}

	if res := orch.Result(); res != nil {
		printResult(cmd, res)
	}
	return nil
}

// printEvent streams session progress to the terminal.
func printEvent(cmd *cobra.Command) orchestrator.Handler {
	return func(ev orchestrator.Event) {
		switch ev.Type {
		case orchestrator.EventAgentSpawned:
			cmd.Printf("  spawning %s agent...\n", ev.Role)
		case orchestrator.EventAgentReady:
			cmd.Printf("  %s agent ready\n", ev.Role)
		case orchestrator.EventStageChanged:
			cmd.Printf("  workflow advanced to %s\n", ev.StepID)
		case orchestrator.EventMessageRouted:
			cmd.Printf("  message routed to %s (%s)\n", ev.Role, ev.StepID)
		case orchestrator.EventDeadLettered:
			cmd.Printf("  message %s could not be routed and was dropped\n", ev.MessageID)
		case orchestrator.EventErrorOccurred:
			if ev.Err != nil {
				cmd.Printf("  error: %s\n", ev.Err.Message)
			}
		case orchestrator.EventSessionEnded:
			cmd.Println("session ended")
		}
	}
}

func printResult(cmd *cobra.Command, res *workflow.Result) {
	kind := "result"
	if res.Partial {
		kind = "partial result"
	}
	cmd.Printf("\n%s (%s): %d steps, %d revisions, %s\n",
		kind, res.Status, res.StepsExecuted, res.RevisionCount, res.Duration.Round(time.Second))
	for _, step := range res.CompletedSteps {
		cmd.Printf("  - %s\n", step)
	}
}
