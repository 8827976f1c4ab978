package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cbriice/claude-swarm-sub002/internal/infrastructure/sqlite"
	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/recovery"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/tracing"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/workflow"
)

// runMonitor is the session's single mutation loop. All workflow and agent
// table changes happen here; StartWorkflow/Stop/Kill only signal it.
func (o *Orchestrator) runMonitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()

	log.Debug(log.CatOrch, "monitor started", "interval", o.cfg.MonitorInterval)
	for {
		select {
		case <-ctx.Done():
			log.Debug(log.CatOrch, "monitor stopped")
			return
		case <-ticker.C:
			if finished := o.tick(ctx); finished {
				return
			}
		}
	}
}

// tick runs one monitor pass: OutboxScan, HealthCheck, WorkflowTimeout,
// CompletionCheck. Returns true when the session reached a terminal state.
func (o *Orchestrator) tick(ctx context.Context) bool {
	ctx, span := o.tracer.Start(ctx, tracing.SpanMonitorTick)
	defer span.End()

	o.outboxScan(ctx)
	o.healthCheck(ctx)
	if o.workflowTimeoutCheck(ctx) {
		return true
	}
	return o.completionCheck(ctx)
}

// outboxScan routes every outbox message newer than each agent's watermark,
// in timestamp order. The watermark only advances past messages that routed
// successfully, so a failed message is retried next tick.
func (o *Orchestrator) outboxScan(ctx context.Context) {
	sess := o.Session()
	if sess == nil {
		return
	}

	for _, agent := range o.agentList() {
		msgs, err := o.bus.GetNewOutboxMessages(agent.Role, agent.Watermark())
		if err != nil {
			log.Warn(log.CatOrch, "outbox read failed", "role", agent.Role, "error", err)
			continue
		}
		stalled := false
		for _, m := range msgs {
			agent.Touch(m.Time(), true)
			agent.SetStatus(AgentWorking)
			if err := o.routeMessage(ctx, agent, m); err != nil {
				// Watermark stays put; the message retries next tick until
				// it dead-letters.
				stalled = true
				break
			}
			agent.AdvanceWatermark(m.Time())
		}
		if len(msgs) > 0 {
			if !stalled {
				// The batch drained; the agent is back to waiting on its inbox.
				agent.SetStatus(AgentReady)
			}
			o.recordActivity(ctx, sess.ID, agent)
		}
	}
}

// healthCheck flags agents that have gone quiet past the agent timeout.
func (o *Orchestrator) healthCheck(ctx context.Context) {
	sess := o.Session()
	if sess == nil {
		return
	}

	now := time.Now().UTC()
	for _, agent := range o.agentList() {
		status := agent.Status()
		if status.Terminal() || status == AgentSpawning || status == AgentStarting {
			continue
		}
		if agent.Healthy(o.cfg.AgentTimeout, now) {
			continue
		}

		agent.SetStatus(AgentError)
		se := swarmerr.Newf(swarmerr.CodeAgentTimeout, component,
			"%s agent silent for %s", agent.Role, now.Sub(agent.LastActivity()).Round(time.Second)).
			WithSession(sess.ID).
			WithContext("role", string(agent.Role))
		log.ErrorErr(log.CatOrch, "agent unhealthy", se, "role", agent.Role)
		se = o.logError(ctx, se, sess.ID)
		o.recover(ctx, se, agent)
		o.recordActivity(ctx, sess.ID, agent)
		o.emit(Event{Type: EventAgentStatus, SessionID: sess.ID, Role: agent.Role, Status: AgentError, Err: se})
	}
}

// recover applies the taxonomy's strategy for an agent-level error. Retry
// and restart both mean respawning the worker in place; anything else is
// logged and left to the workflow timeout to resolve.
func (o *Orchestrator) recover(ctx context.Context, se *swarmerr.SwarmError, agent *ManagedAgent) {
	strategy := recovery.SelectStrategy(se)
	log.Info(log.CatOrch, "recovery", "role", agent.Role, "code", se.Code, "strategy", strategy)

	switch strategy {
	case recovery.StrategyRetry, recovery.StrategyRestart:
		sess := o.Session()
		if agent.PaneID != "" {
			if err := o.panes.KillPane(ctx, agent.PaneID); err != nil {
				log.Warn(log.CatOrch, "stale pane kill failed", "pane", agent.PaneID, "error", err)
			}
		}
		o.mu.Lock()
		o.agents[agent.Role] = newAgent(agent.Role)
		fresh := o.agents[agent.Role]
		fresh.WorktreePath = agent.WorktreePath
		o.mu.Unlock()
		if err := o.spawnAgent(ctx, sess, fresh); err != nil {
			log.ErrorErr(log.CatOrch, "agent respawn failed", err, "role", agent.Role)
			o.logError(ctx, err, sess.ID)
			o.recordRecovery(se.Code, strategy, false)
			return
		}
		o.markRecovered(ctx, se, strategy)
	case recovery.StrategySkip, recovery.StrategyWait:
		// Nothing to do this tick.
	default:
		log.Warn(log.CatOrch, "unrecoverable agent error", "role", agent.Role, "code", se.Code)
	}
}

// workflowTimeoutCheck enforces the session duration budget. A timed-out
// session follows the Kill path but keeps a synthesized partial result.
func (o *Orchestrator) workflowTimeoutCheck(ctx context.Context) bool {
	sess := o.Session()
	if sess == nil {
		return false
	}

	o.mu.Lock()
	if o.finalized {
		o.mu.Unlock()
		return true
	}
	tmpl, in := o.template, o.instance
	o.mu.Unlock()

	if !workflow.CheckTimeout(tmpl, in, o.cfg.WorkflowTimeout, time.Now().UTC()) {
		return false
	}

	se := swarmerr.Newf(swarmerr.CodeWorkflowTimeout, component,
		"workflow exceeded %s", o.cfg.WorkflowTimeout).WithSession(sess.ID)
	log.ErrorErr(log.CatOrch, "workflow timed out", se, "session", sess.ID)
	o.logError(ctx, se, sess.ID)

	o.mu.Lock()
	o.instance.Status = workflow.StatusTimeout
	res := workflow.SynthesizePartial(o.instance)
	o.result = &res
	o.finalized = true
	o.mu.Unlock()

	o.cleanup(ctx, false)
	if err := o.store.UpdateSessionStatus(ctx, sess.ID, sqlite.SessionFailed); err != nil {
		log.ErrorErr(log.CatOrch, "final status write failed", err, "session", sess.ID)
	}
	o.emit(Event{Type: EventSessionEnded, SessionID: sess.ID, Err: se, Result: &res})
	return true
}

// completionCheck finishes the session once the workflow instance completed:
// synthesizing → result → complete → cleanup → session_ended.
func (o *Orchestrator) completionCheck(ctx context.Context) bool {
	sess := o.Session()
	if sess == nil {
		return false
	}

	o.mu.Lock()
	if o.finalized {
		o.mu.Unlock()
		return true
	}
	done := o.instance.Status == workflow.StatusComplete
	if done {
		o.finalized = true
	}
	o.mu.Unlock()
	if !done {
		return false
	}

	ctx, span := o.tracer.Start(ctx, tracing.SpanSynthesize,
		trace.WithAttributes(attribute.String(tracing.AttrSessionID, sess.ID)))
	defer span.End()

	if err := o.store.UpdateSessionStatus(ctx, sess.ID, sqlite.SessionSynthesizing); err != nil {
		log.ErrorErr(log.CatOrch, "synthesizing status write failed", err, "session", sess.ID)
	}

	o.mu.Lock()
	res, err := workflow.SynthesizeResult(o.instance)
	if err != nil {
		res = workflow.SynthesizePartial(o.instance)
	}
	o.result = &res
	o.mu.Unlock()

	o.persistResult(ctx, sess.ID, res)

	for _, agent := range o.agentList() {
		agent.SetStatus(AgentComplete)
		o.recordActivity(ctx, sess.ID, agent)
	}

	if o.cfg.AutoCleanup {
		o.cleanup(ctx, false)
	}
	if err := o.store.UpdateSessionStatus(ctx, sess.ID, sqlite.SessionComplete); err != nil {
		log.ErrorErr(log.CatOrch, "final status write failed", err, "session", sess.ID)
	}
	log.Info(log.CatOrch, "session complete", "session", sess.ID,
		"steps", res.StepsExecuted, "revisions", res.RevisionCount)
	o.emit(Event{Type: EventSessionEnded, SessionID: sess.ID, Result: &res})
	return true
}

// agentList snapshots the agent table in stable role order.
func (o *Orchestrator) agentList() []*ManagedAgent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*ManagedAgent, 0, len(o.agents))
	for _, role := range message.Roles {
		if a, ok := o.agents[role]; ok {
			out = append(out, a)
		}
	}
	return out
}
