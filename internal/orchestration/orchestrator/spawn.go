package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/cbriice/claude-swarm-sub002/internal/infrastructure/sqlite"
	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/recovery"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/tmux"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/tracing"
)

// readyPattern is what a worker prints once it has read its persona file and
// is listening on its inbox. The spawn prompt instructs the worker to emit it.
const readyPattern = `SWARM_READY`

// spawnAgents brings up one worker per role in parallel. Any failure aborts
// the whole group; the caller rolls back through cleanup.
func (o *Orchestrator) spawnAgents(ctx context.Context, sess *sqlite.Session, roles []message.Role, paths map[message.Role]string) error {
	ctx, span := o.tracer.Start(ctx, tracing.SpanSpawnAgents,
		trace.WithAttributes(attribute.String(tracing.AttrSessionID, sess.ID)))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	for _, role := range roles {
		agent := newAgent(role)
		agent.WorktreePath = paths[role]

		o.mu.Lock()
		o.agents[role] = agent
		o.mu.Unlock()

		g.Go(func() error {
			return o.spawnAgent(gctx, sess, agent)
		})
	}
	return g.Wait()
}

// spawnAgent creates a pane, starts the worker in its worktree, and waits
// for the ready signal, retrying per the agent-spawn policy. A failed
// attempt tears down its pane before the next try.
func (o *Orchestrator) spawnAgent(ctx context.Context, sess *sqlite.Session, agent *ManagedAgent) error {
	ctx, span := o.tracer.Start(ctx, tracing.SpanSpawnAgent,
		trace.WithAttributes(
			attribute.String(tracing.AttrSessionID, sess.ID),
			attribute.String(tracing.AttrAgentRole, string(agent.Role))))
	defer span.End()

	agent.SetStatus(AgentSpawning)
	o.emit(Event{Type: EventAgentSpawned, SessionID: sess.ID, Role: agent.Role})

	// Every attempt passes through the tmux breaker, so a multiplexer that
	// keeps failing stops being hammered across respawns.
	paneID, err := recovery.Do(ctx, recovery.AgentSpawnRetry, func() (string, error) {
		v, err := o.paneBreaker.Execute(func() (any, error) {
			return o.spawnAttempt(ctx, sess, agent)
		})
		if err != nil {
			return "", err
		}
		return v.(string), nil
	})
	if err != nil {
		agent.SetStatus(AgentError)
		return swarmerr.Wrap(swarmerr.CodeAgentSpawnFailed, component,
			fmt.Sprintf("spawn %s agent", agent.Role), err).
			WithSession(sess.ID).
			WithContext("role", string(agent.Role))
	}

	agent.PaneID = paneID
	agent.SetStatus(AgentReady)
	agent.Touch(time.Now().UTC(), false)
	span.AddEvent(tracing.EventAgentReady)
	o.emit(Event{Type: EventAgentReady, SessionID: sess.ID, Role: agent.Role})
	o.recordActivity(ctx, sess.ID, agent)

	log.Info(log.CatOrch, "agent ready", "session", sess.ID, "role", agent.Role, "pane", paneID)
	return nil
}

// spawnAttempt is one try: pane, worker, ready wait. It cleans up its own
// pane on failure so a retry starts fresh.
func (o *Orchestrator) spawnAttempt(ctx context.Context, sess *sqlite.Session, agent *ManagedAgent) (string, error) {
	paneID, err := o.panes.CreatePane(ctx, o.cfg.TmuxSession, tmux.PaneOptions{Cwd: agent.WorktreePath})
	if err != nil {
		return "", err
	}

	teardown := func() {
		if killErr := o.panes.KillPane(ctx, paneID); killErr != nil {
			log.Warn(log.CatOrch, "pane teardown failed", "pane", paneID, "error", killErr)
		}
	}

	agent.SetStatus(AgentStarting)
	prompt := buildWorkerPrompt(agent.Role, o.instanceGoal(), sess.ID)
	if err := o.panes.StartWorker(ctx, paneID, agent.WorktreePath, prompt); err != nil {
		teardown()
		return "", err
	}

	if err := o.panes.WaitForPattern(ctx, paneID, readyPattern, o.cfg.AgentReadyTimeout); err != nil {
		teardown()
		return "", err
	}
	return paneID, nil
}

func (o *Orchestrator) instanceGoal() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.instance.Goal
}

// buildWorkerPrompt is the bootstrap instruction handed to the worker CLI.
// The persona file in the worktree carries the role's detailed brief; this
// prompt wires the mailbox protocol and the ready handshake.
func buildWorkerPrompt(role message.Role, goal, sessionID string) string {
	return fmt.Sprintf(
		"You are the %s agent for swarm session %s. Goal: %s. "+
			"Read CLAUDE.md in this directory for your role brief. "+
			"Watch .swarm/messages/inbox/%s.json for tasks and append results to "+
			".swarm/messages/outbox/%s.json using atomic temp-file-and-rename writes. "+
			"Print %s once you are listening.",
		role, sessionID, goal, role, role, readyPattern)
}

// recordActivity upserts the agent's last known state into the store.
// Best effort: monitor bookkeeping never fails on a stats write.
func (o *Orchestrator) recordActivity(ctx context.Context, sessionID string, agent *ManagedAgent) {
	err := o.store.RecordAgentActivity(ctx, sqlite.AgentActivity{
		SessionID:    sessionID,
		Role:         agent.Role,
		Status:       string(agent.Status()),
		MessageCount: agent.MessageCount(),
		LastActivity: agent.LastActivity(),
	})
	if err != nil {
		log.Warn(log.CatOrch, "agent activity write failed", "role", agent.Role, "error", err)
	}
}
