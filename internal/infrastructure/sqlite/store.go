package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/mailbox"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/recovery"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

// ErrNotFound is returned when a lookup or update targets a row that does
// not exist. Check with errors.Is.
var ErrNotFound = errors.New("not found")

// timeFormat is RFC 3339 with a fixed-width fractional second so that the
// TEXT column collates chronologically. RFC3339Nano trims trailing zeros,
// which breaks lexicographic ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the data-access layer over the swarm database. All methods are
// safe for concurrent use; the connection pool is capped at one writer.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database (see NewDB).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Store satisfies the persistence seams of the mailbox and recovery packages.
var (
	_ mailbox.Persister        = (*Store)(nil)
	_ recovery.CheckpointStore = (*Store)(nil)
)

// DB exposes the underlying handle for lifecycle management (Close).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// ---- sessions ----

// CreateSession inserts a new session in the initializing state.
func (s *Store) CreateSession(ctx context.Context, workflowType, goal string, config map[string]any) (*Session, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, swarmerr.New(swarmerr.CodeInvalidArgs, component, "session goal must not be empty")
	}
	now := time.Now().UTC()
	sess := &Session{
		ID:           uuid.NewString(),
		WorkflowType: workflowType,
		Goal:         goal,
		Status:       SessionInitializing,
		Config:       config,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workflow_type, goal, status, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.WorkflowType, sess.Goal, string(sess.Status),
		encodeJSON(sess.Config, "{}"), formatTime(now), formatTime(now))
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "create session", err)
	}
	log.Debug(log.CatStore, "session created", "session", sess.ID, "workflow", workflowType)
	return sess, nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_type, goal, status, config, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// UpdateSessionStatus moves a session to status and bumps updated_at.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now().UTC()), id)
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "update session status", err)
	}
	return requireRow(res, "session", id)
}

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	Status SessionStatus
	Limit  int
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]Session, error) {
	q := `SELECT id, workflow_type, goal, status, config, created_at, updated_at FROM sessions`
	args := []any{}
	if f.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "list sessions", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// ActiveSessions returns sessions that have not reached a terminal state.
func (s *Store) ActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_type, goal, status, config, created_at, updated_at
		 FROM sessions
		 WHERE status NOT IN (?, ?, ?)
		 ORDER BY created_at DESC`,
		string(SessionComplete), string(SessionCancelled), string(SessionFailed))
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "list active sessions", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and, through foreign keys, everything it
// owns: messages, findings, artifacts, decisions, tasks, checkpoints,
// session-scoped errors, and agent activity.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "delete session", err)
	}
	if err := requireRow(res, "session", id); err != nil {
		return err
	}
	log.Debug(log.CatStore, "session deleted", "session", id)
	return nil
}

// ---- messages ----

// SaveMessage persists one mailbox message. Saving the same message id twice
// is a no-op so retried sends stay idempotent.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, m message.AgentMessage) error {
	created := m.Time()
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, thread_id, from_role, to_role, type, priority,
		                       subject, body, artifacts, metadata, requires_response, deadline, routed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, sessionID, m.ThreadID, string(m.From), string(m.To), string(m.Type), string(m.Priority),
		m.Content.Subject, m.Content.Body,
		encodeJSON(m.Content.Artifacts, "[]"), encodeJSON(m.Content.Metadata, "{}"),
		boolInt(m.RequiresResponse), m.Deadline, formatTime(created))
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "save message", err)
	}
	return nil
}

// MarkMessageRouted flags a persisted message as delivered to its step owner.
func (s *Store) MarkMessageRouted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET routed = 1 WHERE id = ?`, id)
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "mark message routed", err)
	}
	return requireRow(res, "message", id)
}

// GetSessionMessages returns a session's messages in arrival order. A
// non-zero since returns only messages created strictly after it.
func (s *Store) GetSessionMessages(ctx context.Context, sessionID string, since time.Time) ([]StoredMessage, error) {
	q := `SELECT id, session_id, thread_id, from_role, to_role, type, priority, subject, body,
	             artifacts, metadata, requires_response, deadline, routed, created_at
	      FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if !since.IsZero() {
		q += ` AND created_at > ?`
		args = append(args, formatTime(since.UTC()))
	}
	q += ` ORDER BY created_at ASC, id ASC`
	return s.queryMessages(ctx, q, args...)
}

// GetThreadMessages returns every message in a thread, oldest first.
func (s *Store) GetThreadMessages(ctx context.Context, threadID string) ([]StoredMessage, error) {
	return s.queryMessages(ctx,
		`SELECT id, session_id, thread_id, from_role, to_role, type, priority, subject, body,
		        artifacts, metadata, requires_response, deadline, routed, created_at
		 FROM messages WHERE thread_id = ? OR id = ?
		 ORDER BY created_at ASC, id ASC`, threadID, threadID)
}

// GetUnroutedMessages returns persisted messages the router has not yet
// delivered, oldest first. Used when resuming from a checkpoint.
func (s *Store) GetUnroutedMessages(ctx context.Context, sessionID string) ([]StoredMessage, error) {
	return s.queryMessages(ctx,
		`SELECT id, session_id, thread_id, from_role, to_role, type, priority, subject, body,
		        artifacts, metadata, requires_response, deadline, routed, created_at
		 FROM messages WHERE session_id = ? AND routed = 0
		 ORDER BY created_at ASC, id ASC`, sessionID)
}

func (s *Store) queryMessages(ctx context.Context, q string, args ...any) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "query messages", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var (
			sm                             StoredMessage
			from, to, typ, prio            string
			artifacts, metadata, createdAt string
			requiresResponse, routed       int
		)
		m := &sm.Message
		if err := rows.Scan(&m.ID, &sm.SessionID, &m.ThreadID, &from, &to, &typ, &prio,
			&m.Content.Subject, &m.Content.Body, &artifacts, &metadata,
			&requiresResponse, &m.Deadline, &routed, &createdAt); err != nil {
			return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "scan message", err)
		}
		m.From = message.Role(from)
		m.To = message.Role(to)
		m.Type = message.Type(typ)
		m.Priority = message.Priority(prio)
		m.RequiresResponse = requiresResponse != 0
		sm.Routed = routed != 0
		sm.CreatedAt = parseTime(createdAt, "messages.created_at")
		m.Timestamp = sm.CreatedAt.Format(timeFormat)
		decodeJSON(artifacts, &m.Content.Artifacts, "messages.artifacts")
		decodeJSON(metadata, &m.Content.Metadata, "messages.metadata")
		out = append(out, sm)
	}
	return out, rows.Err()
}

// ---- findings ----

// CreateFinding records a research claim. ID and CreatedAt are filled in.
func (s *Store) CreateFinding(ctx context.Context, f *Finding) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO findings (id, session_id, claim, confidence, sources, verified, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.SessionID, f.Claim, f.Confidence,
		encodeJSON(f.Sources, "[]"), boolInt(f.Verified), formatTime(f.CreatedAt))
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "create finding", err)
	}
	return nil
}

// GetSessionFindings returns a session's findings, oldest first.
func (s *Store) GetSessionFindings(ctx context.Context, sessionID string) ([]Finding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, claim, confidence, sources, verified, created_at
		 FROM findings WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "query findings", err)
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		var (
			f                  Finding
			sources, createdAt string
			verified           int
		)
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Claim, &f.Confidence, &sources, &verified, &createdAt); err != nil {
			return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "scan finding", err)
		}
		f.Verified = verified != 0
		f.CreatedAt = parseTime(createdAt, "findings.created_at")
		decodeJSON(sources, &f.Sources, "findings.sources")
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkFindingVerified flags a finding as independently verified.
func (s *Store) MarkFindingVerified(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE findings SET verified = 1 WHERE id = ?`, id)
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "mark finding verified", err)
	}
	return requireRow(res, "finding", id)
}

// ---- artifacts ----

// CreateArtifact records a produced file. ID, CreatedAt, and an empty
// ReviewStatus are filled in.
func (s *Store) CreateArtifact(ctx context.Context, a *Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ReviewStatus == "" {
		a.ReviewStatus = ReviewPending
	}
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, session_id, path, artifact_type, review_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.Path, a.Type, a.ReviewStatus, formatTime(a.CreatedAt))
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "create artifact", err)
	}
	return nil
}

// GetSessionArtifacts returns a session's artifacts, oldest first.
func (s *Store) GetSessionArtifacts(ctx context.Context, sessionID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, path, artifact_type, review_status, created_at
		 FROM artifacts WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "query artifacts", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var (
			a         Artifact
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Path, &a.Type, &a.ReviewStatus, &createdAt); err != nil {
			return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "scan artifact", err)
		}
		a.CreatedAt = parseTime(createdAt, "artifacts.created_at")
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateArtifactReviewStatus records the review verdict for an artifact.
func (s *Store) UpdateArtifactReviewStatus(ctx context.Context, id, status string) error {
	switch status {
	case ReviewPending, ReviewApproved, ReviewRejected:
	default:
		return swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "unknown review status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE artifacts SET review_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "update artifact review status", err)
	}
	return requireRow(res, "artifact", id)
}

// ---- decisions ----

// CreateDecision records a design decision. ID and CreatedAt are filled in.
func (s *Store) CreateDecision(ctx context.Context, d *Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, session_id, title, rationale, alternatives, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.SessionID, d.Title, d.Rationale,
		encodeJSON(d.Alternatives, "[]"), formatTime(d.CreatedAt))
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "create decision", err)
	}
	return nil
}

// GetSessionDecisions returns a session's decisions, oldest first.
func (s *Store) GetSessionDecisions(ctx context.Context, sessionID string) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, title, rationale, alternatives, created_at
		 FROM decisions WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "query decisions", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var (
			d                       Decision
			alternatives, createdAt string
		)
		if err := rows.Scan(&d.ID, &d.SessionID, &d.Title, &d.Rationale, &alternatives, &createdAt); err != nil {
			return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "scan decision", err)
		}
		d.CreatedAt = parseTime(createdAt, "decisions.created_at")
		decodeJSON(alternatives, &d.Alternatives, "decisions.alternatives")
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---- tasks ----

// CreateTask records a unit of work. ID, timestamps, and a default pending
// status are filled in.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, session_id, title, description, assigned_to, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Title, t.Description, string(t.AssignedTo), t.Status,
		formatTime(now), formatTime(now))
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "create task", err)
	}
	return nil
}

// GetSessionTasks returns a session's tasks, oldest first.
func (s *Store) GetSessionTasks(ctx context.Context, sessionID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, title, description, assigned_to, status, created_at, updated_at
		 FROM tasks WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "query tasks", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			t                                Task
			assignedTo, createdAt, updatedAt string
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Title, &t.Description, &assignedTo, &t.Status, &createdAt, &updatedAt); err != nil {
			return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "scan task", err)
		}
		t.AssignedTo = message.Role(assignedTo)
		t.CreatedAt = parseTime(createdAt, "tasks.created_at")
		t.UpdatedAt = parseTime(updatedAt, "tasks.updated_at")
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus moves a task through its lifecycle.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	switch status {
	case TaskPending, TaskInProgress, TaskComplete, TaskCancelled:
	default:
		return swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "unknown task status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now().UTC()), id)
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "update task status", err)
	}
	return requireRow(res, "task", id)
}

// ---- checkpoints ----

// CreateCheckpoint persists a serialized checkpoint.
func (s *Store) CreateCheckpoint(ctx context.Context, cp *recovery.Checkpoint) error {
	state, err := cp.Serialize()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, session_id, stage, state, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.Stage, string(state), formatTime(cp.CreatedAt.UTC()))
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "create checkpoint", err)
	}
	log.Debug(log.CatStore, "checkpoint saved", "session", cp.SessionID, "stage", cp.Stage, "checkpoint", cp.ID)
	return nil
}

// GetCheckpoint loads one checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*recovery.Checkpoint, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM checkpoints WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "get checkpoint", err)
	}
	return recovery.Deserialize([]byte(state))
}

// GetLatestCheckpoint loads the most recent checkpoint for a session.
func (s *Store) GetLatestCheckpoint(ctx context.Context, sessionID string) (*recovery.Checkpoint, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, sessionID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no checkpoints for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "get latest checkpoint", err)
	}
	return recovery.Deserialize([]byte(state))
}

// CheckpointInfo is a checkpoint listing entry without the state payload.
type CheckpointInfo struct {
	ID        string    `json:"id"`
	Stage     string    `json:"stage"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListCheckpoints returns a session's checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]CheckpointInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stage, created_at FROM checkpoints
		 WHERE session_id = ? ORDER BY created_at DESC, id DESC`, sessionID)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "list checkpoints", err)
	}
	defer rows.Close()

	var out []CheckpointInfo
	for rows.Next() {
		var (
			info      CheckpointInfo
			createdAt string
		)
		if err := rows.Scan(&info.ID, &info.Stage, &createdAt); err != nil {
			return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "scan checkpoint", err)
		}
		info.CreatedAt = parseTime(createdAt, "checkpoints.created_at")
		out = append(out, info)
	}
	return out, rows.Err()
}

// PruneCheckpoints deletes all but the keep most recent checkpoints.
func (s *Store) PruneCheckpoints(ctx context.Context, sessionID string, keep int) error {
	if keep <= 0 {
		keep = recovery.DefaultKeepCheckpoints
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE session_id = ? AND id NOT IN (
		    SELECT id FROM checkpoints WHERE session_id = ?
		    ORDER BY created_at DESC, id DESC LIMIT ?)`,
		sessionID, sessionID, keep)
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "prune checkpoints", err)
	}
	return nil
}

// ---- error log ----

// LogError appends a structured error to the log. Errors without a session
// (startup, orphan cleanup) are stored with a NULL session id so they
// survive session deletion.
func (s *Store) LogError(ctx context.Context, e *swarmerr.SwarmError) error {
	if e == nil {
		return nil
	}
	var sessionID any
	if e.SessionID != "" {
		sessionID = e.SessionID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_log (id, session_id, code, category, severity, recoverable, retryable,
		                        component, message, context, recovered, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		e.ID, sessionID, string(e.Code), string(e.Category), string(e.Severity),
		boolInt(e.Recoverable), boolInt(e.Retryable), e.Component, e.Message,
		encodeJSON(e.Context, "{}"), formatTime(e.Timestamp.UTC()))
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "log error", err)
	}
	return nil
}

// MarkErrorRecovered flags a logged error as recovered from.
func (s *Store) MarkErrorRecovered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE error_log SET recovered = 1 WHERE id = ?`, id)
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "mark error recovered", err)
	}
	return requireRow(res, "error", id)
}

// GetSessionErrors returns a session's error log, oldest first.
func (s *Store) GetSessionErrors(ctx context.Context, sessionID string) ([]ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(session_id, ''), code, category, severity, recoverable, retryable,
		        component, message, context, recovered, created_at
		 FROM error_log WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "query errors", err)
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var (
			r                                 ErrorRecord
			recoverable, retryable, recovered int
			contextJSON, createdAt            string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Code, &r.Category, &r.Severity,
			&recoverable, &retryable, &r.Component, &r.Message, &contextJSON, &recovered, &createdAt); err != nil {
			return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "scan error record", err)
		}
		r.Recoverable = recoverable != 0
		r.Retryable = retryable != 0
		r.Recovered = recovered != 0
		r.CreatedAt = parseTime(createdAt, "error_log.created_at")
		decodeJSON(contextJSON, &r.Context, "error_log.context")
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- agent activity ----

// RecordAgentActivity upserts the last known state of one agent.
func (s *Store) RecordAgentActivity(ctx context.Context, a AgentActivity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_activity (session_id, role, status, message_count, last_activity)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, role) DO UPDATE SET
		    status = excluded.status,
		    message_count = excluded.message_count,
		    last_activity = excluded.last_activity`,
		a.SessionID, string(a.Role), a.Status, a.MessageCount, formatTime(a.LastActivity.UTC()))
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "record agent activity", err)
	}
	return nil
}

// GetAgentActivity returns the last known state of every agent in a session.
func (s *Store) GetAgentActivity(ctx context.Context, sessionID string) ([]AgentActivity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, role, status, message_count, last_activity
		 FROM agent_activity WHERE session_id = ? ORDER BY role ASC`, sessionID)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "query agent activity", err)
	}
	defer rows.Close()

	var out []AgentActivity
	for rows.Next() {
		var (
			a                  AgentActivity
			role, lastActivity string
		)
		if err := rows.Scan(&a.SessionID, &role, &a.Status, &a.MessageCount, &lastActivity); err != nil {
			return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "scan agent activity", err)
		}
		a.Role = message.Role(role)
		a.LastActivity = parseTime(lastActivity, "agent_activity.last_activity")
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- stats ----

// Stats counts what a session produced across every table, with per-kind
// breakdowns: verified findings, approved artifacts, completed tasks, plus
// message counts by type and error counts by severity.
func (s *Store) Stats(ctx context.Context, sessionID string) (*SessionStats, error) {
	var st SessionStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
		    (SELECT COUNT(*) FROM findings WHERE session_id = ?),
		    (SELECT COUNT(*) FROM findings WHERE session_id = ? AND verified = 1),
		    (SELECT COUNT(*) FROM artifacts WHERE session_id = ?),
		    (SELECT COUNT(*) FROM artifacts WHERE session_id = ? AND review_status = ?),
		    (SELECT COUNT(*) FROM tasks WHERE session_id = ?),
		    (SELECT COUNT(*) FROM tasks WHERE session_id = ? AND status = ?),
		    (SELECT COUNT(*) FROM messages WHERE session_id = ?),
		    (SELECT COUNT(*) FROM error_log WHERE session_id = ?),
		    (SELECT COUNT(*) FROM decisions WHERE session_id = ?),
		    (SELECT COUNT(*) FROM checkpoints WHERE session_id = ?)`,
		sessionID, sessionID, sessionID, sessionID, ReviewApproved,
		sessionID, sessionID, TaskComplete, sessionID, sessionID, sessionID, sessionID).
		Scan(&st.Findings.Total, &st.Findings.Verified,
			&st.Artifacts.Total, &st.Artifacts.Approved,
			&st.Tasks.Total, &st.Tasks.Complete,
			&st.Messages.Total, &st.Errors.Total,
			&st.Decisions, &st.Checkpoints)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "query session stats", err)
	}

	st.Messages.ByType, err = s.countGrouped(ctx,
		`SELECT type, COUNT(*) FROM messages WHERE session_id = ? GROUP BY type`, sessionID)
	if err != nil {
		return nil, err
	}
	st.Errors.BySeverity, err = s.countGrouped(ctx,
		`SELECT severity, COUNT(*) FROM error_log WHERE session_id = ? GROUP BY severity`, sessionID)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// countGrouped runs a two-column key/count query into a map. Empty result
// sets yield a nil map.
func (s *Store) countGrouped(ctx context.Context, q string, args ...any) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "query grouped counts", err)
	}
	defer rows.Close()

	var out map[string]int
	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "scan grouped count", err)
		}
		if out == nil {
			out = make(map[string]int)
		}
		out[key] = count
	}
	return out, rows.Err()
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                 Session
		status, config       string
		createdAt, updatedAt string
	)
	err := row.Scan(&sess.ID, &sess.WorkflowType, &sess.Goal, &status, &config, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "scan session", err)
	}
	sess.Status = SessionStatus(status)
	sess.CreatedAt = parseTime(createdAt, "sessions.created_at")
	sess.UpdatedAt = parseTime(updatedAt, "sessions.updated_at")
	decodeJSON(config, &sess.Config, "sessions.config")
	return &sess, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "affected rows", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// parseTime never fails the read path: a corrupt timestamp is logged and
// replaced with the zero time.
func parseTime(s, column string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		log.Warn(log.CatStore, "unparseable stored timestamp", "column", column, "value", s)
		return time.Time{}
	}
	return t
}

// encodeJSON marshals v for storage, falling back to the given literal when
// v is nil or cannot be encoded.
func encodeJSON(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn(log.CatStore, "unencodable value stored as default", "error", err)
		return fallback
	}
	return string(data)
}

// decodeJSON is the tolerant read side: malformed JSON leaves dst at its
// zero value with a warning rather than failing the query.
func decodeJSON(s string, dst any, column string) {
	if s == "" {
		return
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		log.Warn(log.CatStore, "malformed stored json ignored", "column", column, "error", err)
	}
}
