package sqlite

import (
	"time"

	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
)

// SessionStatus is the lifecycle state of an orchestration session.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionRunning      SessionStatus = "running"
	SessionPaused       SessionStatus = "paused"
	SessionSynthesizing SessionStatus = "synthesizing"
	SessionComplete     SessionStatus = "complete"
	SessionCancelled    SessionStatus = "cancelled"
	SessionFailed       SessionStatus = "failed"
)

// Terminal reports whether the session can no longer change state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionComplete, SessionCancelled, SessionFailed:
		return true
	}
	return false
}

// Session is one orchestration run.
type Session struct {
	ID           string         `json:"id"`
	WorkflowType string         `json:"workflowType"`
	Goal         string         `json:"goal"`
	Status       SessionStatus  `json:"status"`
	Config       map[string]any `json:"config,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// StoredMessage is an agent message with its persistence envelope.
type StoredMessage struct {
	SessionID string               `json:"sessionId"`
	Message   message.AgentMessage `json:"message"`
	Routed    bool                 `json:"routed"`
	CreatedAt time.Time            `json:"createdAt"`
}

// Finding is a research claim recorded by an agent.
type Finding struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Claim      string    `json:"claim"`
	Confidence float64   `json:"confidence"`
	Sources    []string  `json:"sources,omitempty"`
	Verified   bool      `json:"verified"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Artifact review states.
const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
)

// Artifact points at a file an agent produced in its worktree.
type Artifact struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	Path         string    `json:"path"`
	Type         string    `json:"type,omitempty"`
	ReviewStatus string    `json:"reviewStatus"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Decision records an architectural or design choice with its rationale.
type Decision struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	Title        string    `json:"title"`
	Rationale    string    `json:"rationale,omitempty"`
	Alternatives []string  `json:"alternatives,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskComplete   = "complete"
	TaskCancelled  = "cancelled"
)

// Task is a unit of work handed to an agent.
type Task struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"sessionId"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	AssignedTo  message.Role `json:"assignedTo,omitempty"`
	Status      string       `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// ErrorRecord is one entry in the session error log. SessionID is empty for
// errors raised outside any session (startup, cleanup of orphans).
type ErrorRecord struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId,omitempty"`
	Code        string         `json:"code"`
	Category    string         `json:"category"`
	Severity    string         `json:"severity"`
	Recoverable bool           `json:"recoverable"`
	Retryable   bool           `json:"retryable"`
	Component   string         `json:"component"`
	Message     string         `json:"message"`
	Context     map[string]any `json:"context,omitempty"`
	Recovered   bool           `json:"recovered"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// AgentActivity is the last known state of one agent in a session, upserted
// by the monitor on every health check.
type AgentActivity struct {
	SessionID    string       `json:"sessionId"`
	Role         message.Role `json:"role"`
	Status       string       `json:"status"`
	MessageCount int          `json:"messageCount"`
	LastActivity time.Time    `json:"lastActivity"`
}

// SessionStats summarizes what a session produced, grouped per record kind.
type SessionStats struct {
	Findings    FindingStats  `json:"findings"`
	Artifacts   ArtifactStats `json:"artifacts"`
	Tasks       TaskStats     `json:"tasks"`
	Messages    MessageStats  `json:"messages"`
	Errors      ErrorStats    `json:"errors"`
	Decisions   int           `json:"decisions"`
	Checkpoints int           `json:"checkpoints"`
}

// FindingStats counts a session's findings and how many were verified.
type FindingStats struct {
	Total    int `json:"total"`
	Verified int `json:"verified"`
}

// ArtifactStats counts a session's artifacts and how many passed review.
type ArtifactStats struct {
	Total    int `json:"total"`
	Approved int `json:"approved"`
}

// TaskStats counts a session's tasks and how many finished.
type TaskStats struct {
	Total    int `json:"total"`
	Complete int `json:"complete"`
}

// MessageStats counts a session's messages, broken down by message type.
type MessageStats struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"byType,omitempty"`
}

// ErrorStats counts a session's logged errors, broken down by severity.
type ErrorStats struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"bySeverity,omitempty"`
}
