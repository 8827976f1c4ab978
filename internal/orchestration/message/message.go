// Package message defines the inter-agent message format exchanged over the
// filesystem mailbox bus. Messages are JSON documents with a closed set of
// roles, types and priorities; Validate enforces the invariants before a
// message is written to any mailbox file.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies an agent role. The set is closed; mailbox paths and tmux
// pane names are derived from role names, so unknown roles are rejected
// before any path construction.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleResearcher   Role = "researcher"
	RoleDeveloper    Role = "developer"
	RoleReviewer     Role = "reviewer"
	RoleArchitect    Role = "architect"

	// Broadcast addresses every worker role except the sender.
	Broadcast Role = "*"
)

// Roles lists every concrete agent role, orchestrator included.
var Roles = []Role{RoleOrchestrator, RoleResearcher, RoleDeveloper, RoleReviewer, RoleArchitect}

// IsValidRole reports whether r is a known concrete role.
func IsValidRole(r Role) bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Type classifies a message's intent.
type Type string

const (
	TypeTask     Type = "task"
	TypeFinding  Type = "finding"
	TypeDesign   Type = "design"
	TypeArtifact Type = "artifact"
	TypeReview   Type = "review"
	TypeResult   Type = "result"
	TypeStatus   Type = "status"
	TypeQuestion Type = "question"
	TypeAnswer   Type = "answer"
)

var validTypes = map[Type]struct{}{
	TypeTask: {}, TypeFinding: {}, TypeDesign: {}, TypeArtifact: {},
	TypeReview: {}, TypeResult: {}, TypeStatus: {}, TypeQuestion: {}, TypeAnswer: {},
}

// IsValidType reports whether t is a known message type.
func IsValidType(t Type) bool {
	_, ok := validTypes[t]
	return ok
}

// Priority orders messages within a mailbox.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to a sortable weight. Unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// IsValidPriority reports whether p is a known priority.
func IsValidPriority(p Priority) bool {
	return p.Rank() >= 0
}

// Verdict is a reviewer's judgement carried in review-message metadata.
type Verdict string

const (
	VerdictApproved      Verdict = "APPROVED"
	VerdictNeedsRevision Verdict = "NEEDS_REVISION"
	VerdictRejected      Verdict = "REJECTED"
)

// IsValidVerdict reports whether v is a known verdict.
func IsValidVerdict(v Verdict) bool {
	return v == VerdictApproved || v == VerdictNeedsRevision || v == VerdictRejected
}

// Well-known metadata keys.
const (
	MetadataKeyVerdict    = "verdict"
	MetadataKeyRoutedFrom = "routedFrom"
	MetadataKeyRoutedTo   = "routedTo"
)

// Content is the message body plus structured attachments.
type Content struct {
	Subject   string         `json:"subject"`
	Body      string         `json:"body,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Verdict extracts the review verdict from metadata. Returns the empty
// verdict when absent or not a string.
func (c Content) Verdict() Verdict {
	if c.Metadata == nil {
		return ""
	}
	v, ok := c.Metadata[MetadataKeyVerdict].(string)
	if !ok {
		return ""
	}
	return Verdict(v)
}

// AgentMessage is the wire format written to mailbox files.
type AgentMessage struct {
	ID               string   `json:"id"`
	Timestamp        string   `json:"timestamp"`
	From             Role     `json:"from"`
	To               Role     `json:"to"`
	Type             Type     `json:"type"`
	Priority         Priority `json:"priority"`
	Content          Content  `json:"content"`
	ThreadID         string   `json:"threadId,omitempty"`
	RequiresResponse bool     `json:"requiresResponse,omitempty"`
	Deadline         string   `json:"deadline,omitempty"`
}

// Input carries the caller-supplied fields for New.
type Input struct {
	From             Role
	To               Role
	Type             Type
	Priority         Priority
	Content          Content
	ThreadID         string
	RequiresResponse bool
	Deadline         string
}

// New builds a message with a fresh id and timestamp. Missing type and
// priority default to status/normal; validation is the caller's concern.
func New(in Input) AgentMessage {
	msgType := in.Type
	if msgType == "" {
		msgType = TypeStatus
	}
	priority := in.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	return AgentMessage{
		ID:               uuid.New().String(),
		Timestamp:        time.Now().UTC().Format(time.RFC3339Nano),
		From:             in.From,
		To:               in.To,
		Type:             msgType,
		Priority:         priority,
		Content:          in.Content,
		ThreadID:         in.ThreadID,
		RequiresResponse: in.RequiresResponse,
		Deadline:         in.Deadline,
	}
}

// Time parses the message timestamp. Returns the zero time on parse failure;
// sorting treats those as oldest.
func (m AgentMessage) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsBroadcast reports whether the message targets every worker role.
func (m AgentMessage) IsBroadcast() bool {
	return m.To == Broadcast
}

// ValidationError describes why a message failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s: %s", e.Field, e.Reason)
}

// Validate enforces the message invariants. Reads are tolerant of malformed
// entries but every write path must pass this check first.
func (m AgentMessage) Validate() error {
	if m.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if m.Timestamp == "" {
		return &ValidationError{Field: "timestamp", Reason: "must not be empty"}
	}
	if _, err := time.Parse(time.RFC3339Nano, m.Timestamp); err != nil {
		return &ValidationError{Field: "timestamp", Reason: "must be ISO 8601"}
	}
	if !IsValidRole(m.From) {
		return &ValidationError{Field: "from", Reason: fmt.Sprintf("unknown role %q", m.From)}
	}
	if !IsValidRole(m.To) && !m.IsBroadcast() {
		return &ValidationError{Field: "to", Reason: fmt.Sprintf("unknown role %q", m.To)}
	}
	if m.From == m.To {
		return &ValidationError{Field: "to", Reason: "sender cannot address itself"}
	}
	if !IsValidType(m.Type) {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown type %q", m.Type)}
	}
	if !IsValidPriority(m.Priority) {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", m.Priority)}
	}
	if m.Content.Subject == "" {
		return &ValidationError{Field: "content.subject", Reason: "must not be empty"}
	}
	return nil
}

// Clone returns a deep copy. Metadata and artifacts are copied so mutating
// the clone never aliases the original.
func (m AgentMessage) Clone() AgentMessage {
	out := m
	if m.Content.Artifacts != nil {
		out.Content.Artifacts = make([]string, len(m.Content.Artifacts))
		copy(out.Content.Artifacts, m.Content.Artifacts)
	}
	if m.Content.Metadata != nil {
		out.Content.Metadata = make(map[string]any, len(m.Content.Metadata))
		for k, v := range m.Content.Metadata {
			out.Content.Metadata[k] = v
		}
	}
	return out
}

// ReviewPayload is the structured metadata a reviewer attaches to a review.
type ReviewPayload struct {
	Verdict Verdict  `json:"verdict"`
	Issues  []string `json:"issues,omitempty"`
}

// FindingPayload is the structured metadata a researcher attaches to a finding.
type FindingPayload struct {
	Claim      string   `json:"claim"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources,omitempty"`
}

// DecodeMetadata unmarshals message metadata into a typed payload via a JSON
// round trip. Returns false when the metadata does not fit T.
func DecodeMetadata[T any](metadata map[string]any) (T, bool) {
	var out T
	if metadata == nil {
		return out, false
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false
	}
	return out, true
}
