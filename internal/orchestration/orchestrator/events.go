package orchestrator

import (
	"context"
	"time"

	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/workflow"
	"github.com/cbriice/claude-swarm-sub002/internal/pubsub"
)

// EventType classifies orchestrator events.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"
	EventAgentSpawned   EventType = "agent_spawned"
	EventAgentReady     EventType = "agent_ready"
	EventAgentStatus    EventType = "agent_status"
	EventMessageRouted  EventType = "message_routed"
	EventDeadLettered   EventType = "message_dead_lettered"
	EventStepCompleted  EventType = "step_completed"
	EventStageChanged   EventType = "stage_changed"
	EventErrorOccurred  EventType = "error_occurred"
)

// Event is one orchestrator lifecycle notification.
type Event struct {
	Type      EventType
	SessionID string
	Role      message.Role
	StepID    string
	MessageID string
	Status    AgentStatus
	Err       *swarmerr.SwarmError
	Result    *workflow.Result
	Timestamp time.Time
}

// Handler receives events synchronously on the monitor task. Handlers must
// not block; a panicking handler is isolated and logged.
type Handler func(Event)

// Subscribe registers a handler and returns its id for Unsubscribe.
func (o *Orchestrator) Subscribe(h Handler) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextHandler
	o.nextHandler++
	o.handlers[id] = h
	return id
}

// Unsubscribe removes a previously registered handler.
func (o *Orchestrator) Unsubscribe(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.handlers, id)
}

// Events returns a channel tap of orchestrator events. The subscription ends
// when ctx is cancelled.
func (o *Orchestrator) Events(ctx context.Context) <-chan pubsub.Event[Event] {
	return o.broker.Subscribe(ctx)
}

func (o *Orchestrator) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	o.mu.Lock()
	handlers := make([]Handler, 0, len(o.handlers))
	for _, h := range o.handlers {
		handlers = append(handlers, h)
	}
	o.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error(log.CatOrch, "event handler panicked", "event", ev.Type, "panic", r)
				}
			}()
			h(ev)
		}()
	}

	o.broker.Publish(pubsub.CreatedEvent, ev)
}
