// Package swarmerr defines the closed error taxonomy for the swarm
// orchestrator. Every failure that crosses a module boundary is represented
// as a *SwarmError carrying a stable code plus classification metadata
// (category, severity, recoverable, retryable) used by the recovery
// subsystem to select a strategy.
package swarmerr

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Code identifies a failure class. The set is closed: recovery strategy
// selection and error-log persistence both switch on these values.
type Code string

const (
	CodeAgentSpawnFailed      Code = "AGENT_SPAWN_FAILED"
	CodeAgentTimeout          Code = "AGENT_TIMEOUT"
	CodeAgentCrashed          Code = "AGENT_CRASHED"
	CodeAgentBlocked          Code = "AGENT_BLOCKED"
	CodeWorkflowNotFound      Code = "WORKFLOW_NOT_FOUND"
	CodeStepNotFound          Code = "STEP_NOT_FOUND"
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeMaxIterationsExceeded Code = "MAX_ITERATIONS_EXCEEDED"
	CodeWorkflowTimeout       Code = "WORKFLOW_TIMEOUT"
	CodeStageFailed           Code = "STAGE_FAILED"
	CodeRoutingFailed         Code = "ROUTING_FAILED"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeCircuitOpen           Code = "CIRCUIT_OPEN"
	CodeDatabaseError         Code = "DATABASE_ERROR"
	CodeFilesystemError       Code = "FILESYSTEM_ERROR"
	CodePermissionDenied      Code = "PERMISSION_DENIED"
	CodeInvalidArgs           Code = "INVALID_ARGS"
	CodeSessionExists         Code = "SESSION_EXISTS"
	CodeSystemError           Code = "SYSTEM_ERROR"
)

// Category groups codes by the layer that produced them.
type Category string

const (
	CategoryAgent    Category = "agent"
	CategoryWorkflow Category = "workflow"
	CategorySystem   Category = "system"
	CategoryExternal Category = "external"
	CategoryUser     Category = "user"
)

// Severity ranks how serious a failure is.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// classification is the fixed metadata attached to each code.
type classification struct {
	Category    Category
	Severity    Severity
	Recoverable bool
	Retryable   bool
}

// taxonomy maps every code to its classification. A code missing from this
// table is a programming error; New falls back to SYSTEM_ERROR.
var taxonomy = map[Code]classification{
	CodeAgentSpawnFailed:      {CategoryAgent, SeverityError, true, true},
	CodeAgentTimeout:          {CategoryAgent, SeverityError, true, true},
	CodeAgentCrashed:          {CategoryAgent, SeverityError, true, false},
	CodeAgentBlocked:          {CategoryAgent, SeverityWarning, true, false},
	CodeWorkflowNotFound:      {CategoryUser, SeverityError, false, false},
	CodeStepNotFound:          {CategoryWorkflow, SeverityError, false, false},
	CodeInvalidTransition:     {CategoryWorkflow, SeverityError, false, false},
	CodeMaxIterationsExceeded: {CategoryWorkflow, SeverityWarning, true, false},
	CodeWorkflowTimeout:       {CategoryWorkflow, SeverityError, false, false},
	CodeStageFailed:           {CategoryWorkflow, SeverityError, true, false},
	CodeRoutingFailed:         {CategoryWorkflow, SeverityError, true, true},
	CodeRateLimited:           {CategoryExternal, SeverityWarning, true, true},
	CodeCircuitOpen:           {CategoryExternal, SeverityWarning, true, false},
	CodeDatabaseError:         {CategorySystem, SeverityError, true, true},
	CodeFilesystemError:       {CategorySystem, SeverityError, true, true},
	CodePermissionDenied:      {CategorySystem, SeverityFatal, false, false},
	CodeInvalidArgs:           {CategoryUser, SeverityError, false, false},
	CodeSessionExists:         {CategoryUser, SeverityError, false, false},
	CodeSystemError:           {CategorySystem, SeverityError, false, false},
}

// IsValidCode reports whether c belongs to the closed taxonomy.
func IsValidCode(c Code) bool {
	_, ok := taxonomy[c]
	return ok
}

// Codes returns every code in the taxonomy. Intended for tests and for the
// error-log schema check; order is unspecified.
func Codes() []Code {
	out := make([]Code, 0, len(taxonomy))
	for c := range taxonomy {
		out = append(out, c)
	}
	return out
}

// SwarmError is the typed error carried across module boundaries.
type SwarmError struct {
	// ID is a stable unique identifier, used to log the error exactly once.
	ID string
	// Code is the taxonomy code.
	Code Code
	// Category, Severity, Recoverable and Retryable mirror the taxonomy
	// entry for Code; they are denormalized here so a serialized error is
	// self-describing.
	Category    Category
	Severity    Severity
	Recoverable bool
	Retryable   bool
	// Component names the subsystem that raised the error.
	Component string
	// Message is the human-readable description.
	Message string
	// SessionID links the error to a session when one is active.
	SessionID string
	// Context holds free-form diagnostic key/values.
	Context map[string]any
	// Timestamp records when the error was created.
	Timestamp time.Time
	// Err is the wrapped lower-level cause, if any.
	Err error
}

// New creates a SwarmError with the given code, component and message.
func New(code Code, component, message string) *SwarmError {
	cls, ok := taxonomy[code]
	if !ok {
		cls = taxonomy[CodeSystemError]
		code = CodeSystemError
	}
	return &SwarmError{
		ID:          uuid.New().String(),
		Code:        code,
		Category:    cls.Category,
		Severity:    cls.Severity,
		Recoverable: cls.Recoverable,
		Retryable:   cls.Retryable,
		Component:   component,
		Message:     message,
		Context:     make(map[string]any),
		Timestamp:   time.Now().UTC(),
	}
}

// Newf creates a SwarmError with a formatted message.
func Newf(code Code, component, format string, args ...any) *SwarmError {
	return New(code, component, fmt.Sprintf(format, args...))
}

// Wrap creates a SwarmError that wraps a lower-level cause. If cause is
// already a SwarmError its context is merged so nothing is lost at the
// boundary.
func Wrap(code Code, component, message string, cause error) *SwarmError {
	e := New(code, component, message)
	e.Err = cause

	var inner *SwarmError
	if errors.As(cause, &inner) {
		maps.Copy(e.Context, inner.Context)
		if e.SessionID == "" {
			e.SessionID = inner.SessionID
		}
	}
	return e
}

// Error implements the error interface.
func (e *SwarmError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Code, e.Component, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Code, e.Component, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *SwarmError) Unwrap() error {
	return e.Err
}

// WithSession attaches a session id and returns the error for chaining.
func (e *SwarmError) WithSession(sessionID string) *SwarmError {
	e.SessionID = sessionID
	return e
}

// WithContext attaches a diagnostic key/value and returns the error for chaining.
func (e *SwarmError) WithContext(key string, value any) *SwarmError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsFatal reports whether the error severity is fatal.
func (e *SwarmError) IsFatal() bool {
	return e.Severity == SeverityFatal
}

// CodeOf extracts the taxonomy code from an arbitrary error chain.
// Returns CodeSystemError for errors that carry no SwarmError.
func CodeOf(err error) Code {
	var se *SwarmError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeSystemError
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	var se *SwarmError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// AsSwarm extracts the SwarmError from an error chain, wrapping foreign
// errors as SYSTEM_ERROR so callers always get taxonomy metadata.
func AsSwarm(err error, component string) *SwarmError {
	if err == nil {
		return nil
	}
	var se *SwarmError
	if errors.As(err, &se) {
		return se
	}
	return Wrap(CodeSystemError, component, "unexpected error", err)
}
