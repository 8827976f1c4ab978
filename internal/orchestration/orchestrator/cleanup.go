package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/tracing"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/worktree"
)

const (
	// interruptSettle is the pause after the first interrupt before probing
	// for a shell prompt.
	interruptSettle = time.Second
	// promptProbeTimeout bounds the prompt probe between interrupts.
	promptProbeTimeout = 2 * time.Second
)

// cleanup tears down every session resource: agents, tmux session,
// worktrees, and (when clearMailboxes or auto-cleanup) the mailbox files.
// Each step is isolated so one failure never blocks the rest.
func (o *Orchestrator) cleanup(ctx context.Context, clearMailboxes bool) {
	sess := o.Session()
	sessionID := ""
	if sess != nil {
		sessionID = sess.ID
	}

	ctx, span := o.tracer.Start(ctx, tracing.SpanCleanup,
		trace.WithAttributes(attribute.String(tracing.AttrSessionID, sessionID)))
	defer span.End()

	for _, agent := range o.agentList() {
		o.terminateAgent(ctx, agent)
	}

	if err := o.panes.KillSession(ctx, o.cfg.TmuxSession); err != nil {
		log.Warn(log.CatOrch, "tmux session kill failed", "session", o.cfg.TmuxSession, "error", err)
	}

	if err := o.trees.RemoveAll(ctx, worktree.RemoveOptions{Force: true, DeleteBranch: true}); err != nil {
		log.Warn(log.CatOrch, "worktree removal failed", "error", err)
	}

	if clearMailboxes || o.cfg.AutoCleanup {
		if err := o.bus.ClearAll(); err != nil {
			log.Warn(log.CatOrch, "mailbox clear failed", "error", err)
		}
	}

	log.Info(log.CatOrch, "cleanup finished", "session", sessionID)
}

// terminateAgent shuts one worker down gently before killing its pane:
// interrupt, settle, probe for a prompt, second interrupt if still busy,
// then kill.
func (o *Orchestrator) terminateAgent(ctx context.Context, agent *ManagedAgent) {
	if agent.PaneID == "" {
		agent.SetStatus(AgentTerminated)
		return
	}

	if err := o.panes.SendInterrupt(ctx, agent.PaneID); err != nil {
		log.Warn(log.CatOrch, "interrupt failed", "role", agent.Role, "error", err)
	}

	select {
	case <-time.After(interruptSettle):
	case <-ctx.Done():
	}

	if err := o.panes.WaitForPrompt(ctx, agent.PaneID, promptProbeTimeout); err != nil {
		// Still busy; one more interrupt before the kill.
		if err := o.panes.SendInterrupt(ctx, agent.PaneID); err != nil {
			log.Warn(log.CatOrch, "second interrupt failed", "role", agent.Role, "error", err)
		}
	}

	if err := o.panes.KillPane(ctx, agent.PaneID); err != nil {
		log.Warn(log.CatOrch, "pane kill failed", "role", agent.Role, "pane", agent.PaneID, "error", err)
	}
	agent.SetStatus(AgentTerminated)
	log.Debug(log.CatOrch, "agent terminated", "role", agent.Role)
}
