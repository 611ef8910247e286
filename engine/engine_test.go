package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/builder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mailTriageDefinition(t *testing.T) *hubflow.WorkflowDefinition {
	t.Helper()
	return builder.NewDefinition("email_triage", "Email triage").
		OnSource("mail").
		OnType("message.received").
		ThenStep("create_issue", "create_issue",
			hubflow.WithInput("title", "$event.payload.subject"),
			hubflow.WithInput("body", "$event.payload.body"),
			hubflow.WithOutputKey("issue_id"),
		).
		ThenStep("notify_chat", "notify_chat",
			hubflow.WithInput("issue", "$context.issue_id.id"),
			hubflow.WithInput("text", `="New issue: " + event.payload.subject`),
			hubflow.WithOutputKey("notification_id"),
		).
		ThenStep("create_doc", "create_doc",
			hubflow.WithInput("issue", "$context.issue_id.id"),
			hubflow.WithInput("message", "$context.notification_id.id"),
			hubflow.WithOutputKey("doc_id"),
		).
		MustBuild()
}

func TestEngine_MailToIssueChatDoc(t *testing.T) {
	env := createTestEngine(t)
	env.adapter.
		on("create_issue", returns(map[string]any{"id": "ISS-7"})).
		on("notify_chat", returns(map[string]any{"id": "MSG-3"})).
		on("create_doc", returns(map[string]any{"id": "DOC-9"}))

	def := env.register(t, mailTriageDefinition(t))
	run := env.start(t, def, map[string]any{"subject": "Printer on fire", "body": "Third floor"})
	assert.Equal(t, hubflow.RunStatusPending, run.Status)

	run = env.drive(t, run.RunID)

	assert.Equal(t, hubflow.RunStatusSucceeded, run.Status)
	assert.Equal(t, 3, run.CurrentStepIndex)
	assert.Nil(t, run.Error)
	assert.NotNil(t, run.CompletedAt)
	assert.Empty(t, run.LeaseOwner)
	assert.Equal(t, []string{"issue_id", "notification_id", "doc_id"}, run.Context.Keys())

	issue, err := hubflow.GetTyped[map[string]any](run.Context, "issue_id")
	require.NoError(t, err)
	assert.Equal(t, "ISS-7", issue["id"])

	assert.Equal(t, map[string]any{"title": "Printer on fire", "body": "Third floor"}, env.adapter.lastInput("create_issue"))
	assert.Equal(t, map[string]any{"issue": "ISS-7", "text": "New issue: Printer on fire"}, env.adapter.lastInput("notify_chat"))
	assert.Equal(t, map[string]any{"issue": "ISS-7", "message": "MSG-3"}, env.adapter.lastInput("create_doc"))
}

func TestEngine_SucceededRunHistory(t *testing.T) {
	env := createTestEngine(t)
	env.adapter.
		on("create_issue", func(_ context.Context, _ map[string]any, call int) (map[string]any, error) {
			if call == 1 {
				return nil, hubflow.Retryable("rate limited", nil)
			}
			return map[string]any{"id": "ISS-1"}, nil
		}).
		on("notify_chat", returns(map[string]any{"id": "MSG-1"})).
		on("create_doc", returns(map[string]any{"id": "DOC-1"}))

	def := env.register(t, mailTriageDefinition(t))
	run := env.drive(t, env.start(t, def, map[string]any{"subject": "s", "body": "b"}).RunID)
	require.Equal(t, hubflow.RunStatusSucceeded, run.Status)

	execs := env.executions(t, run.RunID)
	require.Len(t, execs, 4)

	// Every step ends in exactly one success, in definition order
	last := map[string]*hubflow.StepExecution{}
	successes := map[string]int{}
	for i, exec := range execs {
		if i > 0 {
			prev := execs[i-1]
			assert.True(t, prev.StepIndex < exec.StepIndex || (prev.StepIndex == exec.StepIndex && prev.Attempt < exec.Attempt))
		}
		last[exec.StepID] = exec
		if exec.Succeeded() {
			successes[exec.StepID]++
		}
	}
	for _, step := range def.Steps {
		assert.Equal(t, 1, successes[step.ID], step.ID)
		assert.True(t, last[step.ID].Succeeded(), step.ID)
	}

	assert.Equal(t, 1, execs[0].Attempt)
	assert.Equal(t, hubflow.StepOutcomeFailure, execs[0].Outcome)
	assert.Equal(t, hubflow.KindRetryable, execs[0].ErrorKind)
	assert.Equal(t, 2, execs[1].Attempt)
	assert.Equal(t, "issue_id", execs[1].OutputKey)
}

// indexRecorder records every persisted step index
type indexRecorder struct {
	hubflow.Store
	mu      sync.Mutex
	indexes map[string][]int
}

func (r *indexRecorder) UpdateRun(ctx context.Context, run *hubflow.WorkflowRun) error {
	if err := r.Store.UpdateRun(ctx, run); err != nil {
		return err
	}
	r.mu.Lock()
	r.indexes[run.RunID] = append(r.indexes[run.RunID], run.CurrentStepIndex)
	r.mu.Unlock()
	return nil
}

func TestEngine_StepIndexNeverDecreases(t *testing.T) {
	env := createTestEngine(t)
	recorder := &indexRecorder{Store: env.store, indexes: map[string][]int{}}
	env.engine = NewEngine(recorder, env.reg, env.adapter, WithClock(env.clock.Now), WithOwner("worker-a"))

	env.adapter.
		on("create_issue", returns(map[string]any{"id": "ISS-1"})).
		on("notify_chat", func(_ context.Context, _ map[string]any, call int) (map[string]any, error) {
			if call < 3 {
				return nil, hubflow.Retryable("busy", nil)
			}
			return map[string]any{"id": "MSG-1"}, nil
		}).
		on("create_doc", returns(map[string]any{"id": "DOC-1"}))

	def := env.register(t, mailTriageDefinition(t))
	run := env.drive(t, env.start(t, def, map[string]any{"subject": "s", "body": "b"}).RunID)
	require.Equal(t, hubflow.RunStatusSucceeded, run.Status)

	indexes := recorder.indexes[run.RunID]
	require.NotEmpty(t, indexes)
	for i := 1; i < len(indexes); i++ {
		assert.GreaterOrEqual(t, indexes[i], indexes[i-1], "index went backwards: %v", indexes)
	}
	assert.Equal(t, 3, indexes[len(indexes)-1])
}

func TestEngine_LaterStepOverridesOutputKey(t *testing.T) {
	env := createTestEngine(t)
	env.adapter.
		on("first", returns(map[string]any{"v": 1})).
		on("middle", returns(map[string]any{"v": "m"})).
		on("second", returns(map[string]any{"v": 2}))

	def := env.register(t, builder.NewDefinition("override", "Override").
		ThenStep("a", "first", hubflow.WithOutputKey("result")).
		ThenStep("b", "middle").
		ThenStep("c", "second", hubflow.WithOutputKey("result")).
		MustBuild())

	run := env.drive(t, env.start(t, def, map[string]any{}).RunID)
	require.Equal(t, hubflow.RunStatusSucceeded, run.Status)

	assert.Equal(t, []string{"result", "b"}, run.Context.Keys())
	value, _ := run.Context.Get("result")
	assert.Equal(t, map[string]any{"v": 2}, value)
}

func TestEngine_ExecutionInfo(t *testing.T) {
	env := createTestEngine(t)
	env.adapter.on("noop", returns(nil))

	def := env.register(t, builder.NewDefinition("info", "Info").ThenStep("only", "noop").MustBuild())
	run := env.drive(t, env.start(t, def, map[string]any{}).RunID)
	require.Equal(t, hubflow.RunStatusSucceeded, run.Status)

	require.Len(t, env.adapter.infos, 1)
	info := env.adapter.infos[0]
	assert.Equal(t, run.RunID, info.RunID)
	assert.Equal(t, "info", info.DefinitionID)
	assert.Equal(t, "only", info.StepID)
	assert.Equal(t, 1, info.Attempt)
	assert.Equal(t, run.RunID+"/only", info.IdempotencyKey())

	value, ok := run.Context.Get("only")
	require.True(t, ok)
	assert.Equal(t, map[string]any{}, value)
}

func TestEngine_MissingDefinitionFailsRun(t *testing.T) {
	env := createTestEngine(t)
	def := builder.NewDefinition("ghost", "Ghost").ThenStep("a", "noop").MustBuild()

	run, err := env.engine.CreateRun(context.Background(), def, nil)
	require.NoError(t, err)

	run, err = env.engine.Process(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, hubflow.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, hubflow.ErrCodeDefinition, run.Error.Code)
}

func TestEngine_CreateRunOncePerEventAndDefinition(t *testing.T) {
	env := createTestEngine(t)
	def := env.register(t, builder.NewDefinition("once", "Once").ThenStep("a", "noop").MustBuild())
	event := env.event(t, map[string]any{})

	first, err := env.engine.CreateRun(context.Background(), def, event)
	require.NoError(t, err)
	second, err := env.engine.CreateRun(context.Background(), def, event)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, RunID(def, event), first.RunID)

	runs, err := env.engine.ListRuns(context.Background(), hubflow.RunFilter{DefinitionID: "once"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	other := env.start(t, def, map[string]any{})
	assert.NotEqual(t, first.RunID, other.RunID)
}

func TestEngine_ProcessTerminalRunIsNoop(t *testing.T) {
	env := createTestEngine(t)
	env.adapter.on("noop", returns(nil))
	def := env.register(t, builder.NewDefinition("once", "Once").ThenStep("a", "noop").MustBuild())

	run := env.drive(t, env.start(t, def, map[string]any{}).RunID)
	again, err := env.engine.Process(context.Background(), run.RunID)
	require.NoError(t, err)

	assert.Equal(t, hubflow.RunStatusSucceeded, again.Status)
	assert.Equal(t, 1, env.adapter.callCount("noop"))
}

func TestEngine_LeaseHeldElsewhere(t *testing.T) {
	env := createTestEngine(t)
	def := env.register(t, builder.NewDefinition("held", "Held").ThenStep("a", "noop").MustBuild())
	run := env.start(t, def, map[string]any{})

	_, err := env.store.AcquireLease(context.Background(), run.RunID, "worker-b", env.engine.config.LeaseTTL, env.clock.Now())
	require.NoError(t, err)

	_, err = env.engine.Process(context.Background(), run.RunID)
	assert.ErrorIs(t, err, hubflow.ErrLeaseConflict)
	assert.Equal(t, 0, env.adapter.callCount("noop"))
}

func TestEngine_ListRuns(t *testing.T) {
	env := createTestEngine(t)
	env.adapter.on("noop", returns(nil))
	def := env.register(t, builder.NewDefinition("listed", "Listed").ThenStep("a", "noop").MustBuild())

	done := env.drive(t, env.start(t, def, map[string]any{}).RunID)
	env.start(t, def, map[string]any{})

	all, err := env.engine.ListRuns(context.Background(), hubflow.RunFilter{DefinitionID: "listed"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	status := hubflow.RunStatusSucceeded
	succeeded, err := env.engine.ListRuns(context.Background(), hubflow.RunFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, succeeded, 1)
	assert.Equal(t, done.RunID, succeeded[0].RunID)

	_, err = env.engine.GetStepExecutions(context.Background(), "missing")
	assert.True(t, hubflow.IsNotFound(err))
}
