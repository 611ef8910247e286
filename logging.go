package hubflow

import (
	"time"

	"github.com/rs/zerolog"
)

// Log event names
const (
	// Ingress events
	EventEventAccepted  = "event_accepted"
	EventEventDuplicate = "event_duplicate"
	EventEventRejected  = "event_rejected"

	// Run-level events
	EventRunCreated   = "run_created"
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	// Step-level events
	EventStepStarted        = "step_started"
	EventStepSucceeded      = "step_succeeded"
	EventStepFailed         = "step_failed"
	EventStepRetryScheduled = "step_retry_scheduled"
	EventStepSkipped        = "step_skipped"

	// Coordination and persistence events
	EventLeaseConflict    = "lease_conflict"
	EventPersistenceError = "persistence_error"
)

// LogEventAccepted logs an event accepted by ingress
func LogEventAccepted(logger zerolog.Logger, eventID, source, eventType string, matched int) {
	logger.Info().
		Str("event", EventEventAccepted).
		Str("event_id", eventID).
		Str("source", source).
		Str("type", eventType).
		Int("matched", matched).
		Msg("Event accepted")
}

// LogEventDuplicate logs a submission suppressed by its idempotency key
func LogEventDuplicate(logger zerolog.Logger, eventID, idempotencyKey string) {
	logger.Info().
		Str("event", EventEventDuplicate).
		Str("event_id", eventID).
		Str("idempotency_key", idempotencyKey).
		Msg("Duplicate event ignored")
}

// LogEventRejected logs an envelope refused at the boundary
func LogEventRejected(logger zerolog.Logger, source string, err error) {
	logger.Warn().
		Str("event", EventEventRejected).
		Str("source", source).
		Err(err).
		Msg("Event rejected")
}

// LogRunCreated logs a run created for a matched definition
func LogRunCreated(logger zerolog.Logger, runID, definitionKey, eventID string) {
	logger.Info().
		Str("event", EventRunCreated).
		Str("run_id", runID).
		Str("definition", definitionKey).
		Str("event_id", eventID).
		Msg("Run created")
}

// LogRunStarted logs when a worker claims a run
func LogRunStarted(logger zerolog.Logger, runID string, stepIndex int) {
	logger.Info().
		Str("event", EventRunStarted).
		Str("run_id", runID).
		Int("step_index", stepIndex).
		Msg("Run started")
}

// LogRunSucceeded logs successful run completion
func LogRunSucceeded(logger zerolog.Logger, runID string, duration time.Duration) {
	logger.Info().
		Str("event", EventRunSucceeded).
		Str("run_id", runID).
		Dur("duration", duration).
		Msg("Run succeeded")
}

// LogRunFailed logs run failure
func LogRunFailed(logger zerolog.Logger, runID string, err error) {
	logger.Error().
		Str("event", EventRunFailed).
		Str("run_id", runID).
		Err(err).
		Msg("Run failed")
}

// LogRunCancelled logs run cancellation
func LogRunCancelled(logger zerolog.Logger, runID string) {
	logger.Warn().
		Str("event", EventRunCancelled).
		Str("run_id", runID).
		Msg("Run cancelled")
}

// LogStepStarted logs when a step attempt starts
func LogStepStarted(logger zerolog.Logger, runID, stepID, actionType string, attempt int) {
	logger.Info().
		Str("event", EventStepStarted).
		Str("run_id", runID).
		Str("step_id", stepID).
		Str("action_type", actionType).
		Int("attempt", attempt).
		Msg("Step started")
}

// LogStepSucceeded logs successful step completion
func LogStepSucceeded(logger zerolog.Logger, runID, stepID string, durationMs int64) {
	logger.Info().
		Str("event", EventStepSucceeded).
		Str("run_id", runID).
		Str("step_id", stepID).
		Int64("duration_ms", durationMs).
		Msg("Step succeeded")
}

// LogStepFailed logs a failed step attempt
func LogStepFailed(logger zerolog.Logger, runID, stepID string, err error, attempt int, kind ErrorKind) {
	logger.Error().
		Str("event", EventStepFailed).
		Str("run_id", runID).
		Str("step_id", stepID).
		Err(err).
		Int("attempt", attempt).
		Str("error_kind", string(kind)).
		Msg("Step failed")
}

// LogStepRetryScheduled logs when a step is parked until its next attempt
func LogStepRetryScheduled(logger zerolog.Logger, runID, stepID string, attempt int, delay time.Duration) {
	logger.Warn().
		Str("event", EventStepRetryScheduled).
		Str("run_id", runID).
		Str("step_id", stepID).
		Int("next_attempt", attempt).
		Dur("delay", delay).
		Msg("Step retry scheduled")
}

// LogStepSkipped logs when a conditional step is skipped
func LogStepSkipped(logger zerolog.Logger, runID, stepID, reason string) {
	logger.Info().
		Str("event", EventStepSkipped).
		Str("run_id", runID).
		Str("step_id", stepID).
		Str("reason", reason).
		Msg("Step skipped")
}

// LogLeaseConflict logs a lost claim race
func LogLeaseConflict(logger zerolog.Logger, runID, owner string) {
	logger.Debug().
		Str("event", EventLeaseConflict).
		Str("run_id", runID).
		Str("owner", owner).
		Msg("Lease held elsewhere")
}

// LogPersistenceError logs errors during persistence operations
func LogPersistenceError(logger zerolog.Logger, runID, operation string, err error) {
	logger.Error().
		Str("event", EventPersistenceError).
		Str("run_id", runID).
		Str("operation", operation).
		Err(err).
		Msg("Persistence error")
}

// RunLogger creates a logger enriched with run context
func RunLogger(baseLogger zerolog.Logger, runID, definitionID string, definitionVersion int) zerolog.Logger {
	return baseLogger.With().
		Str("run_id", runID).
		Str("definition_id", definitionID).
		Int("definition_version", definitionVersion).
		Logger()
}

// StepLogger creates a logger enriched with step context
func StepLogger(runLogger zerolog.Logger, stepID string, stepIndex, attempt int) zerolog.Logger {
	return runLogger.With().
		Str("step_id", stepID).
		Int("step_index", stepIndex).
		Int("attempt", attempt).
		Logger()
}
