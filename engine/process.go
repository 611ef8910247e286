package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sicko7947/hubflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxCommitAttempts = 5

// errLeaseLost stops processing when another worker took over the run
var errLeaseLost = hubflow.NewPersistenceError(hubflow.KindLeaseConflict, "lease lost", nil)

// errDraining stops processing at a step boundary while the pool shuts down
var errDraining = errors.New("engine is draining")

// Process claims runID and drives it until it is terminal, parked for a retry,
// or the engine stops. The returned run is the last persisted state.
func (e *Engine) Process(ctx context.Context, runID string) (*hubflow.WorkflowRun, error) {
	ctx, span := e.tracer.Start(ctx, "hubflow.claim",
		trace.WithAttributes(attribute.String("hubflow.run_id", runID)),
	)
	defer span.End()

	run, err := e.claim(ctx, runID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return nil, err
	}
	if run.Status.IsTerminal() || run.LeaseOwner != e.owner {
		return run, nil
	}

	span.SetAttributes(
		attribute.String("hubflow.definition_id", run.DefinitionID),
		attribute.Int("hubflow.definition_version", run.DefinitionVersion),
	)

	run, err = e.drive(ctx, run)
	if err != nil && !errors.Is(err, errDraining) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "processing stopped")
	}
	if run != nil {
		span.SetAttributes(attribute.String("hubflow.status", run.Status.String()))
	}
	if errors.Is(err, errDraining) {
		return run, nil
	}
	return run, err
}

// claim takes the lease when the run is due. A run that is not due, or
// already terminal, is returned unchanged without a lease.
func (e *Engine) claim(ctx context.Context, runID string) (*hubflow.WorkflowRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if run.Status.IsTerminal() {
		return run, nil
	}
	if run.Status == hubflow.RunStatusWaitingRetry && run.NextAttemptAt != nil && now.Before(*run.NextAttemptAt) {
		return run, nil
	}

	claimed, err := e.store.AcquireLease(ctx, runID, e.owner, e.config.LeaseTTL, now)
	if errors.Is(err, hubflow.ErrRunTerminal) {
		return e.store.GetRun(ctx, runID)
	}
	if errors.Is(err, hubflow.ErrLeaseConflict) {
		hubflow.LogLeaseConflict(e.logger, runID, e.owner)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return claimed, nil
}

// drive executes steps from the replayed position onwards
func (e *Engine) drive(ctx context.Context, run *hubflow.WorkflowRun) (*hubflow.WorkflowRun, error) {
	logger := hubflow.RunLogger(e.logger, run.RunID, run.DefinitionID, run.DefinitionVersion)
	e.active.Add(1)
	defer e.active.Add(-1)

	def, err := e.defs.Get(run.DefinitionID, run.DefinitionVersion)
	if err != nil {
		return e.fail(ctx, run, logger, hubflow.ErrCodeDefinition,
			fmt.Sprintf("definition %s@%d unavailable: %v", run.DefinitionID, run.DefinitionVersion, err), "")
	}

	var event *hubflow.Event
	if run.TriggerEventID != "" {
		event, err = e.store.GetEvent(ctx, run.TriggerEventID)
		if err != nil && !hubflow.IsNotFound(err) {
			return e.release(ctx, run, logger, fmt.Errorf("failed to load triggering event: %w", err))
		}
	}

	execs, err := e.store.ListStepExecutions(ctx, run.RunID)
	if err != nil {
		return e.release(ctx, run, logger, fmt.Errorf("failed to load step executions: %w", err))
	}
	pos := replay(def, execs)

	if run.CancelRequested {
		return e.finishCancelled(ctx, run, logger)
	}
	if pos.abortedBy != nil {
		step := &def.Steps[pos.index]
		return e.fail(ctx, run, logger, hubflow.ErrCodeExecutionFailed, pos.abortedBy.ErrorDetail, step.ID)
	}

	wasPending := run.Status == hubflow.RunStatusPending
	run, err = e.commit(ctx, run, func(r *hubflow.WorkflowRun) {
		r.Status = hubflow.RunStatusRunning
		r.NextAttemptAt = nil
		r.CurrentStepIndex = max(r.CurrentStepIndex, pos.index)
		r.Context = pos.context.Clone()
		r.HadFailure = pos.hadFailure
	})
	if err != nil {
		return e.abandon(run, logger, err)
	}
	hubflow.LogRunStarted(logger, run.RunID, run.CurrentStepIndex)
	if wasPending {
		e.notify(ctx, run, hubflow.EventRunStarted, "", 0, nil)
	}

	attempts := pos.attempts
	for run.CurrentStepIndex < len(def.Steps) {
		if run.CancelRequested {
			return e.finishCancelled(ctx, run, logger)
		}
		if e.draining.Load() {
			return e.release(ctx, run, logger, errDraining)
		}

		step := &def.Steps[run.CurrentStepIndex]
		attempt := attempts + 1

		// Hold the lease across the whole call
		run, err = e.commit(ctx, run, func(r *hubflow.WorkflowRun) {
			r.LeaseExpiresAt = hubflow.ToPtr(e.now().Add(e.config.LeaseTTL + step.EffectiveTimeout()))
		})
		if err != nil {
			return e.abandon(run, logger, err)
		}
		if run.CancelRequested {
			return e.finishCancelled(ctx, run, logger)
		}

		result, err := e.executeAttempt(ctx, run, def, event, attempt, logger)
		if err != nil {
			return run, err
		}

		// A cancel that arrived during the call discards the result
		fresh, err := e.store.GetRun(ctx, run.RunID)
		if err != nil {
			return e.abandon(run, logger, err)
		}
		if fresh.CancelRequested {
			if err := e.append(ctx, result.exec); err != nil {
				return e.abandon(run, logger, err)
			}
			return e.finishCancelled(ctx, fresh, logger)
		}

		if err := e.append(ctx, result.exec); err != nil {
			return e.abandon(run, logger, err)
		}

		if result.err == nil {
			index := run.CurrentStepIndex
			rc := run.Context.Clone()
			if rc == nil {
				rc = hubflow.NewRunContext()
			}
			if !result.exec.Skipped {
				rc.Set(result.exec.OutputKey, result.exec.Output, step.ID)
			}
			run, err = e.commit(ctx, run, func(r *hubflow.WorkflowRun) {
				r.CurrentStepIndex = index + 1
				r.Context = rc.Clone()
				r.LeaseExpiresAt = hubflow.ToPtr(e.now().Add(e.config.LeaseTTL))
			})
			if err != nil {
				return e.abandon(run, logger, err)
			}
			attempts = 0
			if !result.exec.Skipped {
				e.notifyStep(ctx, run, hubflow.EventStepSucceeded, step, attempt, nil)
			}
			continue
		}

		kind := result.exec.ErrorKind
		hubflow.LogStepFailed(logger, run.RunID, step.ID, result.err, attempt, kind)
		e.notifyStep(ctx, run, hubflow.EventStepFailed, step, attempt, result.err)

		if !finalFailure(step, attempt, kind) {
			next, delay := retryAt(e.now(), step, attempt)
			run, err = e.commit(ctx, run, func(r *hubflow.WorkflowRun) {
				r.Status = hubflow.RunStatusWaitingRetry
				r.NextAttemptAt = hubflow.ToPtr(next)
				r.LeaseOwner = ""
				r.LeaseExpiresAt = nil
			})
			if err != nil {
				return e.abandon(run, logger, err)
			}
			hubflow.LogStepRetryScheduled(logger, run.RunID, step.ID, attempt+1, delay)
			e.notifyStep(ctx, run, hubflow.EventStepRetryScheduled, step, attempt+1, nil)
			return run, nil
		}

		if def.EffectiveFailurePolicy() == hubflow.FailurePolicyAbort {
			return e.fail(ctx, run, logger, hubflow.ErrCodeExecutionFailed,
				fmt.Sprintf("step %s failed after %d attempts: %v", step.ID, attempt, result.err), step.ID)
		}

		index := run.CurrentStepIndex
		run, err = e.commit(ctx, run, func(r *hubflow.WorkflowRun) {
			r.CurrentStepIndex = index + 1
			r.HadFailure = true
			r.LeaseExpiresAt = hubflow.ToPtr(e.now().Add(e.config.LeaseTTL))
		})
		if err != nil {
			return e.abandon(run, logger, err)
		}
		logger.Warn().
			Str("step_id", step.ID).
			Msg("Step failed but continuing due to ContinueOnError")
		attempts = 0
	}

	if run.HadFailure {
		return e.fail(ctx, run, logger, hubflow.ErrCodeExecutionFailed, "one or more steps failed", "")
	}
	return e.complete(ctx, run, logger)
}

// commit applies mutate to the run and persists it. On a version clash the
// mutation is replayed onto the stored run as long as this engine still
// holds the lease; a cancellation request is the usual concurrent writer.
func (e *Engine) commit(ctx context.Context, run *hubflow.WorkflowRun, mutate func(*hubflow.WorkflowRun)) (*hubflow.WorkflowRun, error) {
	base := run
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		next := base.Clone()
		mutate(next)
		next.UpdatedAt = e.now()

		err := e.store.UpdateRun(ctx, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, hubflow.ErrConcurrentUpdate) {
			hubflow.LogPersistenceError(e.logger, run.RunID, "update_run", err)
			return run, err
		}

		fresh, gerr := e.store.GetRun(ctx, run.RunID)
		if gerr != nil {
			return run, gerr
		}
		if fresh.Status.IsTerminal() || fresh.LeaseOwner != e.owner {
			return fresh, errLeaseLost
		}
		base = fresh
	}
	return run, hubflow.NewPersistenceError(hubflow.KindConcurrentUpdate,
		fmt.Sprintf("workflow run %s kept changing", run.RunID), nil)
}

func (e *Engine) append(ctx context.Context, exec *hubflow.StepExecution) error {
	if err := e.store.AppendStepExecution(ctx, exec); err != nil {
		hubflow.LogPersistenceError(e.logger, exec.RunID, "append_step_execution", err)
		return err
	}
	return nil
}

// abandon stops processing after a persistence error; the lease expires and
// another claim resumes from the audit trail
func (e *Engine) abandon(run *hubflow.WorkflowRun, logger zerolog.Logger, err error) (*hubflow.WorkflowRun, error) {
	if errors.Is(err, errLeaseLost) || errors.Is(err, hubflow.ErrRunTerminal) {
		hubflow.LogLeaseConflict(logger, run.RunID, e.owner)
	}
	return run, err
}

// release gives the lease back without changing the run status
func (e *Engine) release(ctx context.Context, run *hubflow.WorkflowRun, logger zerolog.Logger, cause error) (*hubflow.WorkflowRun, error) {
	released, err := e.commit(ctx, run, func(r *hubflow.WorkflowRun) {
		r.LeaseOwner = ""
		r.LeaseExpiresAt = nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to release lease")
		return run, cause
	}
	return released, cause
}

// complete marks the run as succeeded
func (e *Engine) complete(ctx context.Context, run *hubflow.WorkflowRun, logger zerolog.Logger) (*hubflow.WorkflowRun, error) {
	completedAt := e.now()
	run, err := e.commit(ctx, run, func(r *hubflow.WorkflowRun) {
		r.Status = hubflow.RunStatusSucceeded
		r.CompletedAt = hubflow.ToPtr(completedAt)
		r.LeaseOwner = ""
		r.LeaseExpiresAt = nil
		r.NextAttemptAt = nil
	})
	if err != nil {
		return e.abandon(run, logger, fmt.Errorf("failed to update run on completion: %w", err))
	}

	hubflow.LogRunSucceeded(logger, run.RunID, completedAt.Sub(run.CreatedAt))
	e.notify(ctx, run, hubflow.EventRunSucceeded, "", 0, nil)
	return run, nil
}

// fail marks the run as failed
func (e *Engine) fail(ctx context.Context, run *hubflow.WorkflowRun, logger zerolog.Logger, code, message, stepID string) (*hubflow.WorkflowRun, error) {
	completedAt := e.now()
	wfErr := &hubflow.WorkflowError{
		Message:   message,
		Code:      code,
		Step:      stepID,
		Timestamp: completedAt,
	}

	run, err := e.commit(ctx, run, func(r *hubflow.WorkflowRun) {
		r.Status = hubflow.RunStatusFailed
		r.CompletedAt = hubflow.ToPtr(completedAt)
		r.Error = wfErr
		r.LeaseOwner = ""
		r.LeaseExpiresAt = nil
		r.NextAttemptAt = nil
	})
	if err != nil {
		return e.abandon(run, logger, fmt.Errorf("failed to update run on failure: %w", err))
	}

	hubflow.LogRunFailed(logger, run.RunID, wfErr)
	e.notify(ctx, run, hubflow.EventRunFailed, stepID, 0, wfErr)
	return run, nil
}

// finishCancelled marks the run as cancelled
func (e *Engine) finishCancelled(ctx context.Context, run *hubflow.WorkflowRun, logger zerolog.Logger) (*hubflow.WorkflowRun, error) {
	run, err := e.commit(ctx, run, func(r *hubflow.WorkflowRun) {
		markCancelled(r, e.now())
	})
	if err != nil {
		return e.abandon(run, logger, fmt.Errorf("failed to update run on cancellation: %w", err))
	}

	hubflow.LogRunCancelled(logger, run.RunID)
	e.notify(ctx, run, hubflow.EventRunCancelled, "", 0, nil)
	return run, nil
}
