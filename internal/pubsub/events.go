// Package pubsub is the in-process event fabric for the swarm: the structured
// log fans its entries out to TUI followers through a broker, and the
// orchestrator publishes session notifications (agent spawned, message routed,
// session ended) to whoever subscribed before the session started.
package pubsub

import (
	"context"
	"time"
)

// EventType tells subscribers what happened to the payload. Swarm publishers
// emit CreatedEvent almost exclusively: log entries and orchestrator
// notifications are append-only facts. UpdatedEvent and DeletedEvent exist
// for watchers that track mutable rows, such as the session list refresher.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event wraps one published payload with its kind and publication time.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber hands out a channel that receives every event published after
// the subscription, until ctx is cancelled.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher delivers one payload to all current subscribers.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
