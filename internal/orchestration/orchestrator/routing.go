package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/mailbox"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/recovery"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/tracing"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/workflow"
)

// routeMessage is the monitor's pipeline for one outbox message:
// persist → CompleteStep → RouteMessage → deliver → Transition →
// stage checkpoint → inline completion check. A nil return advances the
// sender's watermark past the message.
func (o *Orchestrator) routeMessage(ctx context.Context, agent *ManagedAgent, m message.AgentMessage) error {
	sess := o.Session()

	ctx, span := o.tracer.Start(ctx, tracing.SpanRouteMessage,
		trace.WithAttributes(
			attribute.String(tracing.AttrSessionID, sess.ID),
			attribute.String(tracing.AttrMessageID, m.ID),
			attribute.String(tracing.AttrAgentRole, string(agent.Role))))
	defer span.End()

	// A retried watermark must not re-run side effects for a message that
	// already routed.
	if _, seen := o.routed.Get(m.ID); seen {
		return nil
	}

	if _, err := recovery.Do(ctx, recovery.DatabaseRetry, func() (struct{}, error) {
		return struct{}{}, o.store.SaveMessage(ctx, sess.ID, m)
	}); err != nil {
		return o.routeFailed(ctx, sess.ID, m, err)
	}

	// Status traffic is bookkeeping, not a step result: it refreshes
	// activity but never advances the workflow.
	if m.Type == message.TypeStatus || m.Type == message.TypeQuestion {
		o.finishRouting(ctx, sess.ID, m)
		return nil
	}

	o.mu.Lock()
	tmpl := o.template
	in := o.instance
	currentStep := in.CurrentStep
	o.mu.Unlock()

	verdict := m.Content.Verdict()
	completed, err := workflow.CompleteStep(tmpl, in, currentStep, &workflow.StepOutput{
		Type:    m.Type,
		Verdict: verdict,
		Summary: m.Content.Subject,
	})
	if err != nil {
		return o.routeFailed(ctx, sess.ID, m, err)
	}
	span.AddEvent(tracing.EventStepCompleted)
	o.emit(Event{Type: EventStepCompleted, SessionID: sess.ID, Role: agent.Role, StepID: currentStep, MessageID: m.ID})

	decisions, err := workflow.RouteMessage(tmpl, completed, m)
	if err != nil {
		return o.routeFailed(ctx, sess.ID, m, err)
	}

	for _, d := range decisions {
		if _, ok := o.Agent(d.TargetRole); !ok {
			// Undeliverable to this target; the rest still get theirs.
			se := swarmerr.Newf(swarmerr.CodeRoutingFailed, component,
				"no %s agent for step %q", d.TargetRole, d.TargetStep).
				WithSession(sess.ID).
				WithContext("message", m.ID)
			log.ErrorErr(log.CatOrch, "routing target missing", se, "role", d.TargetRole)
			o.logError(ctx, se, sess.ID)
			continue
		}
		sent, err := recovery.Do(ctx, recovery.RoutingRetry, func() (message.AgentMessage, error) {
			return o.bus.Send(ctx, d.Input, mailbox.SendOptions{Persist: true})
		})
		if err != nil {
			return o.routeFailed(ctx, sess.ID, m, err)
		}
		span.AddEvent(tracing.EventMessageDelivered)
		o.emit(Event{Type: EventMessageRouted, SessionID: sess.ID, Role: d.TargetRole, StepID: d.TargetStep, MessageID: sent.ID})
		log.Debug(log.CatOrch, "message routed", "from", m.From, "to", d.TargetRole, "step", d.TargetStep)
	}

	// A verdict pointing into a revision loop that has used all its
	// iterations routes forward instead. That saturation is a recoverable
	// MAX_ITERATIONS_EXCEEDED: logged before the transition, marked
	// recovered once the workflow has moved on.
	var saturation *swarmerr.SwarmError
	if step, saturated := workflow.SaturatedVerdictTarget(tmpl, completed, verdict); saturated {
		saturation = swarmerr.Newf(swarmerr.CodeMaxIterationsExceeded, component,
			"step %q used all its iterations; routing forward", step).
			WithSession(sess.ID).
			WithContext("step", step).
			WithContext("message", m.ID)
		log.Warn(log.CatOrch, "revision loop exhausted", "step", step, "message", m.ID)
		saturation = o.logError(ctx, saturation, sess.ID)
	}

	next, err := workflow.Transition(tmpl, completed, verdict)
	if err != nil {
		return o.routeFailed(ctx, sess.ID, m, err)
	}
	if saturation != nil {
		o.markRecovered(ctx, saturation, recovery.StrategySkip)
	}

	o.mu.Lock()
	o.instance = next
	stageChanged := next.CurrentStep != currentStep || next.Status != in.Status
	o.mu.Unlock()

	o.finishRouting(ctx, sess.ID, m)

	if stageChanged {
		o.emit(Event{Type: EventStageChanged, SessionID: sess.ID, StepID: next.CurrentStep})
		o.checkpointAsync(ctx, "step:"+next.CurrentStep)
	}

	o.completionCheck(ctx)
	return nil
}

// finishRouting marks the message processed in the store and dedup cache,
// and derives the message's durable records exactly once.
func (o *Orchestrator) finishRouting(ctx context.Context, sessionID string, m message.AgentMessage) {
	o.routed.SetDefault(m.ID, struct{}{})
	o.mu.Lock()
	delete(o.routeAttempts, m.ID)
	o.mu.Unlock()
	o.persistOutputs(ctx, sessionID, m)
	if err := o.store.MarkMessageRouted(ctx, m.ID); err != nil {
		log.Warn(log.CatOrch, "routed flag write failed", "message", m.ID, "error", err)
	}
}

// routeFailed counts a failed attempt and dead-letters the message once it
// exhausts MaxRouteAttempts, letting the watermark move on.
func (o *Orchestrator) routeFailed(ctx context.Context, sessionID string, m message.AgentMessage, cause error) error {
	o.mu.Lock()
	o.routeAttempts[m.ID]++
	attempts := o.routeAttempts[m.ID]
	o.mu.Unlock()

	se := swarmerr.Wrap(swarmerr.CodeRoutingFailed, component, "route message", cause).
		WithSession(sessionID).
		WithContext("message", m.ID).
		WithContext("attempts", attempts)

	if attempts < o.cfg.MaxRouteAttempts {
		log.Warn(log.CatOrch, "routing failed, will retry", "message", m.ID, "attempt", attempts, "error", cause)
		return se
	}

	// Dead letter: logged, flagged, skipped.
	log.ErrorErr(log.CatOrch, "message dead-lettered", se, "message", m.ID)
	o.logError(ctx, se, sessionID)
	o.routed.SetDefault(m.ID, struct{}{})
	o.mu.Lock()
	delete(o.routeAttempts, m.ID)
	o.mu.Unlock()
	o.emit(Event{Type: EventDeadLettered, SessionID: sessionID, MessageID: m.ID, Err: se})
	return nil
}
