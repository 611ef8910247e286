package hubflow

import (
	"context"
	"time"
)

// Store defines the persistence interface for events, runs and the audit trail
type Store interface {
	// Events
	CreateEvent(ctx context.Context, event *Event) error
	GetEvent(ctx context.Context, eventID string) (*Event, error)

	// Workflow runs
	CreateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, runID string) (*WorkflowRun, error)
	// UpdateRun writes run if the stored version equals run.Version and bumps
	// run.Version on success. Returns ErrConcurrentUpdate on mismatch.
	UpdateRun(ctx context.Context, run *WorkflowRun) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)
	DeleteRun(ctx context.Context, runID string) error

	// Step executions, append-only.
	// Re-appending an identical record is a no-op; a different record under the
	// same (run, step, attempt) returns ErrDuplicateAttempt.
	AppendStepExecution(ctx context.Context, exec *StepExecution) error
	ListStepExecutions(ctx context.Context, runID string) ([]*StepExecution, error)

	// Leases
	// AcquireLease claims runID for owner when the lease is free, expired or already
	// held by owner. Returns the updated run or ErrLeaseConflict.
	AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration, now time.Time) (*WorkflowRun, error)
	ListClaimable(ctx context.Context, now time.Time, limit int) ([]*WorkflowRun, error)
}

// RunFilter defines filtering criteria for workflow runs
type RunFilter struct {
	DefinitionID string
	Status       *RunStatus
	// CompletedBefore restricts to terminal runs completed before the given time
	CompletedBefore *time.Time
	Limit           int
}

// Matches reports whether run satisfies the filter
func (f RunFilter) Matches(run *WorkflowRun) bool {
	if f.DefinitionID != "" && run.DefinitionID != f.DefinitionID {
		return false
	}
	if f.Status != nil && run.Status != *f.Status {
		return false
	}
	if f.CompletedBefore != nil {
		if run.CompletedAt == nil || !run.CompletedAt.Before(*f.CompletedBefore) {
			return false
		}
	}
	return true
}
