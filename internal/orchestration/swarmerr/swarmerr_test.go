package swarmerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaxonomy_Classification(t *testing.T) {
	tests := []struct {
		code        Code
		category    Category
		severity    Severity
		recoverable bool
		retryable   bool
	}{
		{CodeAgentSpawnFailed, CategoryAgent, SeverityError, true, true},
		{CodeAgentTimeout, CategoryAgent, SeverityError, true, true},
		{CodeAgentCrashed, CategoryAgent, SeverityError, true, false},
		{CodeAgentBlocked, CategoryAgent, SeverityWarning, true, false},
		{CodeWorkflowNotFound, CategoryUser, SeverityError, false, false},
		{CodeStepNotFound, CategoryWorkflow, SeverityError, false, false},
		{CodeInvalidTransition, CategoryWorkflow, SeverityError, false, false},
		{CodeMaxIterationsExceeded, CategoryWorkflow, SeverityWarning, true, false},
		{CodeWorkflowTimeout, CategoryWorkflow, SeverityError, false, false},
		{CodeStageFailed, CategoryWorkflow, SeverityError, true, false},
		{CodeRoutingFailed, CategoryWorkflow, SeverityError, true, true},
		{CodeRateLimited, CategoryExternal, SeverityWarning, true, true},
		{CodeCircuitOpen, CategoryExternal, SeverityWarning, true, false},
		{CodeDatabaseError, CategorySystem, SeverityError, true, true},
		{CodeFilesystemError, CategorySystem, SeverityError, true, true},
		{CodePermissionDenied, CategorySystem, SeverityFatal, false, false},
		{CodeInvalidArgs, CategoryUser, SeverityError, false, false},
		{CodeSessionExists, CategoryUser, SeverityError, false, false},
		{CodeSystemError, CategorySystem, SeverityError, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			e := New(tt.code, "test", "boom")
			require.Equal(t, tt.category, e.Category)
			require.Equal(t, tt.severity, e.Severity)
			require.Equal(t, tt.recoverable, e.Recoverable)
			require.Equal(t, tt.retryable, e.Retryable)
			require.NotEmpty(t, e.ID)
			require.False(t, e.Timestamp.IsZero())
		})
	}

	// The table above must cover the whole taxonomy.
	require.Len(t, tests, len(Codes()))
}

func TestNew_UnknownCodeFallsBackToSystemError(t *testing.T) {
	e := New(Code("NOT_A_CODE"), "test", "boom")
	require.Equal(t, CodeSystemError, e.Code)
	require.Equal(t, CategorySystem, e.Category)
}

func TestWrap_PreservesCauseAndContext(t *testing.T) {
	cause := New(CodeFilesystemError, "mailbox", "write failed").
		WithContext("path", "/tmp/x").
		WithSession("sess-1")

	wrapped := Wrap(CodeRoutingFailed, "orchestrator", "routing aborted", cause)

	require.True(t, errors.Is(wrapped, cause))
	require.Equal(t, CodeRoutingFailed, wrapped.Code)
	require.Equal(t, "/tmp/x", wrapped.Context["path"], "inner context should be merged")
	require.Equal(t, "sess-1", wrapped.SessionID, "session id should propagate")
}

func TestWrap_ForeignError(t *testing.T) {
	cause := fmt.Errorf("disk full")
	wrapped := Wrap(CodeFilesystemError, "store", "persist failed", cause)

	require.ErrorContains(t, wrapped, "disk full")
	require.True(t, errors.Is(wrapped, cause))
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, CodeAgentTimeout, CodeOf(New(CodeAgentTimeout, "monitor", "quiet agent")))
	require.Equal(t, CodeSystemError, CodeOf(errors.New("plain")))

	// Wrapped with fmt.Errorf still resolves through the chain.
	inner := New(CodeDatabaseError, "store", "locked")
	outer := fmt.Errorf("while saving: %w", inner)
	require.Equal(t, CodeDatabaseError, CodeOf(outer))
}

func TestHasCode(t *testing.T) {
	err := New(CodeCircuitOpen, "breaker", "open")
	require.True(t, HasCode(err, CodeCircuitOpen))
	require.False(t, HasCode(err, CodeRateLimited))
	require.False(t, HasCode(errors.New("plain"), CodeCircuitOpen))
}

func TestAsSwarm(t *testing.T) {
	require.Nil(t, AsSwarm(nil, "x"))

	se := AsSwarm(errors.New("boom"), "store")
	require.Equal(t, CodeSystemError, se.Code)
	require.Equal(t, "store", se.Component)

	orig := New(CodePermissionDenied, "fs", "denied")
	require.Same(t, orig, AsSwarm(orig, "other"))
	require.True(t, orig.IsFatal())
}
