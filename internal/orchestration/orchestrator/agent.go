package orchestrator

import (
	"sync"
	"time"

	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/recovery"
)

// AgentStatus is one state of the managed-agent machine:
// spawning → starting → ready ↔ working → complete, with terminal
// blocked, error, terminated.
type AgentStatus string

const (
	AgentSpawning   AgentStatus = "spawning"
	AgentStarting   AgentStatus = "starting"
	AgentReady      AgentStatus = "ready"
	AgentWorking    AgentStatus = "working"
	AgentComplete   AgentStatus = "complete"
	AgentBlocked    AgentStatus = "blocked"
	AgentError      AgentStatus = "error"
	AgentTerminated AgentStatus = "terminated"
)

// Terminal reports whether the agent can make no further progress.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentComplete, AgentBlocked, AgentError, AgentTerminated:
		return true
	}
	return false
}

// ManagedAgent is one worker under orchestrator control: its pane, its
// worktree, and the bookkeeping the monitor needs.
type ManagedAgent struct {
	Role         message.Role
	PaneID       string
	WorktreePath string

	mu           sync.Mutex
	status       AgentStatus
	lastActivity time.Time
	messageCount int
	watermark    time.Time
}

func newAgent(role message.Role) *ManagedAgent {
	return &ManagedAgent{
		Role:         role,
		status:       AgentSpawning,
		lastActivity: time.Now().UTC(),
	}
}

// Status returns the current agent status.
func (a *ManagedAgent) Status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// SetStatus transitions the agent. Terminal states stick.
func (a *ManagedAgent) SetStatus(s AgentStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == s || a.status.Terminal() {
		return
	}
	log.Debug(log.CatOrch, "agent status", "role", a.Role, "from", a.status, "to", s)
	a.status = s
}

// Touch records activity at t and bumps the message count when counted.
func (a *ManagedAgent) Touch(t time.Time, counted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t.After(a.lastActivity) {
		a.lastActivity = t
	}
	if counted {
		a.messageCount++
	}
}

// LastActivity returns the most recent observed activity.
func (a *ManagedAgent) LastActivity() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivity
}

// MessageCount returns how many outbox messages this agent has produced.
func (a *ManagedAgent) MessageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.messageCount
}

// Watermark is the timestamp of the newest outbox message fully routed.
func (a *ManagedAgent) Watermark() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermark
}

// AdvanceWatermark moves the watermark forward, never backward.
func (a *ManagedAgent) AdvanceWatermark(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t.After(a.watermark) {
		a.watermark = t
	}
}

// Healthy reports whether the agent has shown activity within timeout.
func (a *ManagedAgent) Healthy(timeout time.Duration, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return now.Sub(a.lastActivity) <= timeout
}

// Snapshot captures the agent for a checkpoint.
func (a *ManagedAgent) Snapshot() recovery.AgentSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return recovery.AgentSnapshot{
		Status:       string(a.status),
		MessageCount: a.messageCount,
		LastActivity: a.lastActivity,
	}
}
