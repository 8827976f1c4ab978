package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

// DefaultKeepCheckpoints is how many checkpoints survive pruning per session.
const DefaultKeepCheckpoints = 10

// WorkflowSnapshot is the workflow-state subset captured in a checkpoint.
type WorkflowSnapshot struct {
	CurrentStep     string         `json:"currentStep"`
	Status          string         `json:"status"`
	CompletedSteps  []string       `json:"completedSteps"`
	PendingSteps    []string       `json:"pendingSteps"`
	IterationCounts map[string]int `json:"iterationCounts"`
}

// AgentSnapshot captures one agent's state at checkpoint time.
type AgentSnapshot struct {
	Status       string    `json:"status"`
	MessageCount int       `json:"messageCount"`
	LastActivity time.Time `json:"lastActivity"`
}

// RecoveryAttempt records one recovery action taken for a session.
type RecoveryAttempt struct {
	ErrorCode string    `json:"errorCode"`
	Strategy  Strategy  `json:"strategy"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Checkpoint is a recoverable snapshot of session state, created on stage
// transitions and before risky operations.
type Checkpoint struct {
	ID               string                   `json:"id"`
	SessionID        string                   `json:"sessionId"`
	Stage            string                   `json:"stage"`
	Workflow         WorkflowSnapshot         `json:"workflow"`
	Agents           map[string]AgentSnapshot `json:"agents"`
	QueueCounts      map[string]int           `json:"queueCounts"`
	Errors           []string                 `json:"errors"`
	RecoveryAttempts []RecoveryAttempt        `json:"recoveryAttempts"`
	CreatedAt        time.Time                `json:"createdAt"`
}

// Serialize encodes the checkpoint as JSON for storage.
func (c *Checkpoint) Serialize() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeSystemError, "checkpoint", "serialize failed", err)
	}
	return data, nil
}

// Deserialize decodes a stored checkpoint and validates that every map key
// belongs to its expected domain: agent and queue keys must be known roles,
// iteration-count keys must be steps the workflow snapshot knows about.
func Deserialize(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeSystemError, "checkpoint", "deserialize failed", err)
	}

	for role := range cp.Agents {
		if !message.IsValidRole(message.Role(role)) {
			return nil, swarmerr.Newf(swarmerr.CodeSystemError, "checkpoint",
				"checkpoint %s references unknown agent role %q", cp.ID, role)
		}
	}
	for role := range cp.QueueCounts {
		if !message.IsValidRole(message.Role(role)) {
			return nil, swarmerr.Newf(swarmerr.CodeSystemError, "checkpoint",
				"checkpoint %s references unknown queue role %q", cp.ID, role)
		}
	}

	steps := make(map[string]struct{}, len(cp.Workflow.CompletedSteps)+len(cp.Workflow.PendingSteps)+1)
	for _, s := range cp.Workflow.CompletedSteps {
		steps[s] = struct{}{}
	}
	for _, s := range cp.Workflow.PendingSteps {
		steps[s] = struct{}{}
	}
	if cp.Workflow.CurrentStep != "" {
		steps[cp.Workflow.CurrentStep] = struct{}{}
	}
	for step := range cp.Workflow.IterationCounts {
		if _, ok := steps[step]; !ok {
			return nil, swarmerr.Newf(swarmerr.CodeSystemError, "checkpoint",
				"checkpoint %s counts iterations for unknown step %q", cp.ID, step)
		}
	}

	// Maps absent from the stored object come back nil; reconstruct them so
	// callers can index without nil checks.
	if cp.Agents == nil {
		cp.Agents = make(map[string]AgentSnapshot)
	}
	if cp.QueueCounts == nil {
		cp.QueueCounts = make(map[string]int)
	}
	if cp.Workflow.IterationCounts == nil {
		cp.Workflow.IterationCounts = make(map[string]int)
	}

	return &cp, nil
}

// CheckpointStore is the persistence surface the manager needs. The SQLite
// store satisfies it.
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	GetLatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error)
	PruneCheckpoints(ctx context.Context, sessionID string, keep int) error
}

// LatestCheckpoint is the id Restore accepts to mean "most recent".
const LatestCheckpoint = "latest"

// Manager creates, prunes and restores checkpoints through a store.
type Manager struct {
	store CheckpointStore
	keep  int
}

// NewManager creates a checkpoint manager. keep <= 0 uses the default.
func NewManager(store CheckpointStore, keep int) *Manager {
	if keep <= 0 {
		keep = DefaultKeepCheckpoints
	}
	return &Manager{store: store, keep: keep}
}

// Create fills in the checkpoint's id and timestamp, persists it, and prunes
// older checkpoints past the retention limit.
func (m *Manager) Create(ctx context.Context, cp *Checkpoint) error {
	if cp.SessionID == "" {
		return swarmerr.New(swarmerr.CodeInvalidArgs, "checkpoint", "checkpoint requires a session id")
	}
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	if err := m.store.CreateCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("create checkpoint %s: %w", cp.ID, err)
	}
	log.Debug(log.CatRecover, "checkpoint created",
		"checkpoint", cp.ID, "session", cp.SessionID, "stage", cp.Stage)

	if err := m.store.PruneCheckpoints(ctx, cp.SessionID, m.keep); err != nil {
		// Retention is best effort; the new checkpoint is already durable.
		log.Warn(log.CatRecover, "checkpoint prune failed",
			"session", cp.SessionID, "error", err)
	}
	return nil
}

// Restore loads a checkpoint by id, or the session's most recent one when id
// is "latest" or empty.
func (m *Manager) Restore(ctx context.Context, sessionID, id string) (*Checkpoint, error) {
	if id == "" || id == LatestCheckpoint {
		cp, err := m.store.GetLatestCheckpoint(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("restore latest checkpoint for %s: %w", sessionID, err)
		}
		return cp, nil
	}
	cp, err := m.store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("restore checkpoint %s: %w", id, err)
	}
	return cp, nil
}
