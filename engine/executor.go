package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/mapping"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// attemptResult is the outcome of one step attempt before it is persisted
type attemptResult struct {
	exec *hubflow.StepExecution
	err  error
}

type adapterResult struct {
	output map[string]any
	err    error
}

// executeAttempt runs one attempt of the step at run.CurrentStepIndex.
// It returns ctx.Err() without a record when the engine itself is stopping.
func (e *Engine) executeAttempt(
	ctx context.Context,
	run *hubflow.WorkflowRun,
	def *hubflow.WorkflowDefinition,
	event *hubflow.Event,
	attempt int,
	logger zerolog.Logger,
) (*attemptResult, error) {
	index := run.CurrentStepIndex
	step := &def.Steps[index]
	stepLogger := hubflow.StepLogger(logger, step.ID, index, attempt)

	ctx, span := e.tracer.Start(ctx, "hubflow.step",
		trace.WithAttributes(
			attribute.String("hubflow.run_id", run.RunID),
			attribute.String("hubflow.step_id", step.ID),
			attribute.String("hubflow.action_type", step.ActionType),
			attribute.Int("hubflow.attempt", attempt),
		),
	)
	defer span.End()

	exec := &hubflow.StepExecution{
		RunID:     run.RunID,
		StepID:    step.ID,
		StepIndex: index,
		Attempt:   attempt,
		StartedAt: e.now(),
		OutputKey: step.EffectiveOutputKey(),
	}

	env := mapping.Env(event, run.Context)

	if step.HasCondition() {
		ok, err := e.evaluator.Predicate(step.Condition, env)
		if err != nil {
			return e.failed(span, exec, hubflow.Permanent("condition evaluation failed", err)), nil
		}
		if !ok {
			exec.Outcome = hubflow.StepOutcomeSuccess
			exec.Skipped = true
			exec.FinishedAt = e.now()
			span.SetAttributes(attribute.Bool("hubflow.skipped", true))
			hubflow.LogStepSkipped(stepLogger, run.RunID, step.ID, "condition is false")
			return &attemptResult{exec: exec}, nil
		}
	}

	input, err := e.evaluator.Resolve(step.Input, env)
	if err != nil {
		return e.failed(span, exec, hubflow.Permanent("input mapping failed", err)), nil
	}

	hubflow.LogStepStarted(stepLogger, run.RunID, step.ID, step.ActionType, attempt)

	info := hubflow.ExecutionInfo{
		RunID:        run.RunID,
		DefinitionID: run.DefinitionID,
		StepID:       step.ID,
		StepIndex:    index,
		Attempt:      attempt,
	}

	output, err := e.invoke(ctx, step, input, info, stepLogger)
	if err != nil && ctx.Err() != nil {
		span.SetStatus(codes.Error, "engine stopping")
		return nil, ctx.Err()
	}
	if err != nil {
		return e.failed(span, exec, err), nil
	}

	if output == nil {
		output = map[string]any{}
	}
	exec.Outcome = hubflow.StepOutcomeSuccess
	exec.Output = output
	exec.FinishedAt = e.now()
	hubflow.LogStepSucceeded(stepLogger, run.RunID, step.ID, exec.DurationMs())

	return &attemptResult{exec: exec}, nil
}

func (e *Engine) failed(span trace.Span, exec *hubflow.StepExecution, err error) *attemptResult {
	exec.FinishedAt = e.now()
	exec.ErrorDetail = err.Error()
	if hubflow.IsTimeoutError(err) {
		exec.Outcome = hubflow.StepOutcomeTimeout
		exec.ErrorKind = hubflow.KindRetryable
	} else {
		exec.Outcome = hubflow.StepOutcomeFailure
		exec.ErrorKind = hubflow.ClassifyAdapterError(err)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, string(exec.ErrorKind))
	return &attemptResult{exec: exec, err: err}
}

// invoke calls the adapter with a hard deadline: the engine stops waiting at
// the step timeout even when the adapter ignores its context
func (e *Engine) invoke(
	ctx context.Context,
	step *hubflow.StepDefinition,
	input map[string]any,
	info hubflow.ExecutionInfo,
	logger zerolog.Logger,
) (map[string]any, error) {
	timeout := step.EffectiveTimeout()
	callCtx, cancel := context.WithTimeout(hubflow.WithExecution(ctx, info), timeout)
	defer cancel()

	done := make(chan adapterResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("Adapter panicked")
				done <- adapterResult{err: hubflow.Permanent(fmt.Sprintf("adapter panicked: %v", r), nil)}
			}
		}()

		output, err := e.adapter.Execute(callCtx, step.ActionType, input)
		done <- adapterResult{output: output, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &hubflow.StepTimeoutError{StepID: step.ID, Timeout: timeout}
		}
		return res.output, res.err

	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Error().
			Dur("timeout", timeout).
			Msg("Step execution timed out")
		return nil, &hubflow.StepTimeoutError{StepID: step.ID, Timeout: timeout}
	}
}
