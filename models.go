package hubflow

import (
	"time"
)

// RunStatus represents the current state of a workflow run
type RunStatus string

const (
	RunStatusPending      RunStatus = "PENDING"
	RunStatusRunning      RunStatus = "RUNNING"
	RunStatusWaitingRetry RunStatus = "WAITING_RETRY"
	RunStatusSucceeded    RunStatus = "SUCCEEDED"
	RunStatusFailed       RunStatus = "FAILED"
	RunStatusCancelled    RunStatus = "CANCELLED"
)

// IsTerminal returns true if the status is a final state
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// String returns the string representation
func (s RunStatus) String() string {
	return string(s)
}

// ParseRunStatus converts a string into a known RunStatus
func ParseRunStatus(s string) (RunStatus, bool) {
	switch status := RunStatus(s); status {
	case RunStatusPending, RunStatusRunning, RunStatusWaitingRetry,
		RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return status, true
	}
	return "", false
}

// StepOutcome is the result of one step attempt
type StepOutcome string

const (
	StepOutcomeSuccess StepOutcome = "SUCCESS"
	StepOutcomeFailure StepOutcome = "FAILURE"
	StepOutcomeTimeout StepOutcome = "TIMEOUT"
)

// String returns the string representation
func (o StepOutcome) String() string {
	return string(o)
}

// Event is the normalized, immutable record of something that happened upstream
type Event struct {
	ID             string         `json:"id" dynamodbav:"id"`
	SourceSystem   string         `json:"sourceSystem" dynamodbav:"source_system"`
	Type           string         `json:"type" dynamodbav:"type"`
	Payload        map[string]any `json:"payload" dynamodbav:"payload"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty" dynamodbav:"idempotency_key,omitempty"`
	ReceivedAt     time.Time      `json:"receivedAt" dynamodbav:"received_at"`
}

// Document returns the event in the shape exposed to matchers, conditions and input mappings
func (e *Event) Document() map[string]any {
	return map[string]any{
		"id":              e.ID,
		"source":          e.SourceSystem,
		"type":            e.Type,
		"payload":         e.Payload,
		"idempotency_key": e.IdempotencyKey,
		"received_at":     e.ReceivedAt.Format(time.RFC3339Nano),
	}
}

// WorkflowRun represents a single workflow execution instance
type WorkflowRun struct {
	// Identity
	RunID             string `json:"runId" dynamodbav:"run_id"`
	DefinitionID      string `json:"definitionId" dynamodbav:"definition_id"`
	DefinitionVersion int    `json:"definitionVersion" dynamodbav:"definition_version"`
	TriggerEventID    string `json:"triggeringEventId" dynamodbav:"triggering_event_id"`

	// Status
	Status           RunStatus `json:"status" dynamodbav:"status"`
	CurrentStepIndex int       `json:"currentStepIndex" dynamodbav:"current_step_index"`
	HadFailure       bool      `json:"hadFailure" dynamodbav:"had_failure"`
	CancelRequested  bool      `json:"cancelRequested" dynamodbav:"cancel_requested"`

	// Accumulated step results
	Context *RunContext `json:"context" dynamodbav:"context"`

	// Scheduling
	NextAttemptAt  *time.Time `json:"nextAttemptAt,omitempty" dynamodbav:"next_attempt_at,omitempty"`
	LeaseOwner     string     `json:"leaseOwner,omitempty" dynamodbav:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty" dynamodbav:"lease_expires_at,omitempty"`

	// Error handling
	Error *WorkflowError `json:"error,omitempty" dynamodbav:"error,omitempty"`

	// Optimistic concurrency counter, bumped by every successful update
	Version int64 `json:"version" dynamodbav:"version"`

	// Timing
	CreatedAt   time.Time  `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" dynamodbav:"updated_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" dynamodbav:"completed_at,omitempty"`
}

// Clone returns a deep copy of the run
func (r *WorkflowRun) Clone() *WorkflowRun {
	if r == nil {
		return nil
	}
	c := *r
	c.Context = r.Context.Clone()
	if r.NextAttemptAt != nil {
		c.NextAttemptAt = ToPtr(*r.NextAttemptAt)
	}
	if r.LeaseExpiresAt != nil {
		c.LeaseExpiresAt = ToPtr(*r.LeaseExpiresAt)
	}
	if r.CompletedAt != nil {
		c.CompletedAt = ToPtr(*r.CompletedAt)
	}
	if r.Error != nil {
		errCopy := *r.Error
		c.Error = &errCopy
	}
	return &c
}

// LeaseHeldBy reports whether owner holds a live lease on the run at now
func (r *WorkflowRun) LeaseHeldBy(owner string, now time.Time) bool {
	return r.LeaseOwner == owner && r.LeaseExpiresAt != nil && now.Before(*r.LeaseExpiresAt)
}

// LeaseActive reports whether any worker holds a live lease at now
func (r *WorkflowRun) LeaseActive(now time.Time) bool {
	return r.LeaseOwner != "" && r.LeaseExpiresAt != nil && now.Before(*r.LeaseExpiresAt)
}

// Claimable reports whether a worker may take the run at now
func (r *WorkflowRun) Claimable(now time.Time) bool {
	if r.Status.IsTerminal() || r.LeaseActive(now) {
		return false
	}
	if r.Status == RunStatusWaitingRetry && r.NextAttemptAt != nil && now.Before(*r.NextAttemptAt) {
		return false
	}
	return true
}

// StepExecution is the append-only record of one attempt at one step
type StepExecution struct {
	// Identity
	RunID     string `json:"runId" dynamodbav:"run_id"`
	StepID    string `json:"stepId" dynamodbav:"step_id"`
	StepIndex int    `json:"stepIndex" dynamodbav:"step_index"`
	Attempt   int    `json:"attempt" dynamodbav:"attempt"`

	// Timing
	StartedAt  time.Time `json:"startedAt" dynamodbav:"started_at"`
	FinishedAt time.Time `json:"finishedAt" dynamodbav:"finished_at"`

	// Result
	Outcome     StepOutcome    `json:"outcome" dynamodbav:"outcome"`
	Skipped     bool           `json:"skipped,omitempty" dynamodbav:"skipped,omitempty"`
	ErrorKind   ErrorKind      `json:"errorKind,omitempty" dynamodbav:"error_kind,omitempty"`
	ErrorDetail string         `json:"errorDetail,omitempty" dynamodbav:"error_detail,omitempty"`
	OutputKey   string         `json:"outputKey,omitempty" dynamodbav:"output_key,omitempty"`
	Output      map[string]any `json:"output,omitempty" dynamodbav:"output,omitempty"`
}

// DurationMs returns the attempt duration in milliseconds
func (e *StepExecution) DurationMs() int64 {
	return e.FinishedAt.Sub(e.StartedAt).Milliseconds()
}

// Succeeded reports whether the attempt recorded a success
func (e *StepExecution) Succeeded() bool {
	return e.Outcome == StepOutcomeSuccess
}

// SameRecord reports whether two executions describe the same attempt result
func (e *StepExecution) SameRecord(other *StepExecution) bool {
	return e.RunID == other.RunID &&
		e.StepID == other.StepID &&
		e.StepIndex == other.StepIndex &&
		e.Attempt == other.Attempt &&
		e.Outcome == other.Outcome &&
		e.Skipped == other.Skipped &&
		e.ErrorKind == other.ErrorKind &&
		e.ErrorDetail == other.ErrorDetail &&
		e.OutputKey == other.OutputKey
}

// RunSummary is the compact view of a run used by list queries
type RunSummary struct {
	RunID             string    `json:"runId"`
	DefinitionID      string    `json:"definitionId"`
	DefinitionVersion int       `json:"definitionVersion"`
	Status            RunStatus `json:"status"`
	CurrentStepIndex  int       `json:"currentStepIndex"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Summary returns the run summary
func (r *WorkflowRun) Summary() RunSummary {
	return RunSummary{
		RunID:             r.RunID,
		DefinitionID:      r.DefinitionID,
		DefinitionVersion: r.DefinitionVersion,
		Status:            r.Status,
		CurrentStepIndex:  r.CurrentStepIndex,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}
