package engine

import (
	"context"
	"testing"
	"time"

	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/builder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_CancelPendingRun(t *testing.T) {
	env := createTestEngine(t)
	env.adapter.on("noop", returns(nil))
	def := env.register(t, builder.NewDefinition("cancel", "Cancel").ThenStep("a", "noop").MustBuild())

	run := env.start(t, def, map[string]any{})
	cancelled, err := env.engine.Cancel(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, hubflow.RunStatusCancelled, cancelled.Status)
	assert.True(t, cancelled.CancelRequested)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, hubflow.ErrCodeCancelled, cancelled.Error.Code)

	after, err := env.engine.Process(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, hubflow.RunStatusCancelled, after.Status)
	assert.Equal(t, 0, env.adapter.callCount("noop"))
}

func TestEngine_CancelWaitingRetryRun(t *testing.T) {
	env := createTestEngine(t)
	env.adapter.on("flaky", alwaysRetryable)
	def := env.register(t, builder.NewDefinition("cancel_retry", "Cancel retry").
		ThenStep("a", "flaky", fastRetry(5)).
		MustBuild())

	run := env.start(t, def, map[string]any{})
	parked, err := env.engine.Process(context.Background(), run.RunID)
	require.NoError(t, err)
	require.Equal(t, hubflow.RunStatusWaitingRetry, parked.Status)

	cancelled, err := env.engine.Cancel(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, hubflow.RunStatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.NextAttemptAt)

	env.clock.Advance(time.Hour)
	after, err := env.engine.Process(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, hubflow.RunStatusCancelled, after.Status)
	assert.Equal(t, 1, env.adapter.callCount("flaky"))
}

func TestEngine_CancelDuringCallDiscardsResult(t *testing.T) {
	env := createTestEngine(t)
	env.adapter.
		on("slow_issue", func(ctx context.Context, _ map[string]any, _ int) (map[string]any, error) {
			info, ok := hubflow.ExecutionFromContext(ctx)
			assert.True(t, ok)

			// The worker holds the lease, so this only raises the flag
			run, err := env.engine.Cancel(context.Background(), info.RunID)
			if assert.NoError(t, err) {
				assert.Equal(t, hubflow.RunStatusRunning, run.Status)
			}

			return map[string]any{"id": "ISS-1"}, nil
		}).
		on("notify", returns(nil))

	def := env.register(t, builder.NewDefinition("cancel_inflight", "Cancel in flight").
		ThenStep("create_issue", "slow_issue").
		ThenStep("notify", "notify").
		MustBuild())

	run, err := env.engine.Process(context.Background(), env.start(t, def, map[string]any{}).RunID)
	require.NoError(t, err)

	assert.Equal(t, hubflow.RunStatusCancelled, run.Status)
	assert.Equal(t, 0, run.CurrentStepIndex)
	assert.False(t, run.Context.Has("create_issue"))
	assert.Empty(t, run.LeaseOwner)
	assert.Equal(t, 0, env.adapter.callCount("notify"))

	// The call happened, so it stays in the audit trail
	execs := env.executions(t, run.RunID)
	require.Len(t, execs, 1)
	assert.Equal(t, "create_issue", execs[0].StepID)
}

func TestEngine_CancelTerminalRun(t *testing.T) {
	env := createTestEngine(t)
	env.adapter.on("noop", returns(nil))
	def := env.register(t, builder.NewDefinition("done", "Done").ThenStep("a", "noop").MustBuild())

	run := env.drive(t, env.start(t, def, map[string]any{}).RunID)
	_, err := env.engine.Cancel(context.Background(), run.RunID)
	assert.ErrorIs(t, err, hubflow.ErrRunTerminal)

	_, err = env.engine.Cancel(context.Background(), "missing")
	assert.True(t, hubflow.IsNotFound(err))
}

func TestEngine_CancelledRunAcceptsNoExecutions(t *testing.T) {
	env := createTestEngine(t)
	def := env.register(t, builder.NewDefinition("closed", "Closed").ThenStep("a", "noop").MustBuild())

	run := env.start(t, def, map[string]any{})
	_, err := env.engine.Cancel(context.Background(), run.RunID)
	require.NoError(t, err)

	err = env.store.AppendStepExecution(context.Background(), &hubflow.StepExecution{
		RunID:     run.RunID,
		StepID:    "a",
		Attempt:   1,
		Outcome:   hubflow.StepOutcomeSuccess,
		StartedAt: env.clock.Now(),
	})
	assert.ErrorIs(t, err, hubflow.ErrRunTerminal)
}
