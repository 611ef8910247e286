package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/registry"
	"github.com/sicko7947/hubflow/store"
	"github.com/stretchr/testify/require"
)

// fakeClock drives leases and retry schedules deterministically
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type actionFunc func(ctx context.Context, input map[string]any, call int) (map[string]any, error)

// scriptedAdapter routes action types to test functions and counts calls
type scriptedAdapter struct {
	mu      sync.Mutex
	actions map[string]actionFunc
	calls   map[string]int
	inputs  map[string][]map[string]any
	infos   []hubflow.ExecutionInfo
}

func newScriptedAdapter() *scriptedAdapter {
	return &scriptedAdapter{
		actions: make(map[string]actionFunc),
		calls:   make(map[string]int),
		inputs:  make(map[string][]map[string]any),
	}
}

func (a *scriptedAdapter) on(actionType string, fn actionFunc) *scriptedAdapter {
	a.actions[actionType] = fn
	return a
}

func (a *scriptedAdapter) Execute(ctx context.Context, actionType string, input map[string]any) (map[string]any, error) {
	a.mu.Lock()
	a.calls[actionType]++
	call := a.calls[actionType]
	a.inputs[actionType] = append(a.inputs[actionType], input)
	if info, ok := hubflow.ExecutionFromContext(ctx); ok {
		a.infos = append(a.infos, info)
	}
	fn, ok := a.actions[actionType]
	a.mu.Unlock()

	if !ok {
		return nil, hubflow.Permanent(fmt.Sprintf("unknown action %s", actionType), nil)
	}
	return fn(ctx, input, call)
}

func (a *scriptedAdapter) callCount(actionType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[actionType]
}

func (a *scriptedAdapter) lastInput(actionType string) map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	inputs := a.inputs[actionType]
	if len(inputs) == 0 {
		return nil
	}
	return inputs[len(inputs)-1]
}

func returns(output map[string]any) actionFunc {
	return func(context.Context, map[string]any, int) (map[string]any, error) {
		return output, nil
	}
}

func alwaysRetryable(context.Context, map[string]any, int) (map[string]any, error) {
	return nil, hubflow.Retryable("upstream unavailable", nil)
}

type testEnv struct {
	engine  *Engine
	store   *store.MemoryStore
	reg     *registry.Registry
	adapter *scriptedAdapter
	clock   *fakeClock
}

func createTestEngine(t *testing.T, opts ...EngineOption) *testEnv {
	t.Helper()

	env := &testEnv{
		store:   store.NewMemoryStore(),
		reg:     registry.New(),
		adapter: newScriptedAdapter(),
		clock:   newFakeClock(),
	}

	base := []EngineOption{
		WithLogger(zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)),
		WithClock(env.clock.Now),
		WithOwner("worker-a"),
		WithConfig(EngineConfig{
			Workers:      2,
			LeaseTTL:     time.Minute,
			PollInterval: 10 * time.Millisecond,
			ClaimBatch:   10,
		}),
	}
	env.engine = NewEngine(env.store, env.reg, env.adapter, append(base, opts...)...)
	return env
}

func (env *testEnv) register(t *testing.T, def *hubflow.WorkflowDefinition) *hubflow.WorkflowDefinition {
	t.Helper()
	require.NoError(t, env.reg.Register(def))
	stored, err := env.reg.Get(def.ID, def.Version)
	require.NoError(t, err)
	return stored
}

func (env *testEnv) event(t *testing.T, payload map[string]any) *hubflow.Event {
	t.Helper()
	event := &hubflow.Event{
		ID:           "evt-" + uuid.NewString(),
		SourceSystem: "mail",
		Type:         "message.received",
		Payload:      payload,
		ReceivedAt:   env.clock.Now(),
	}
	require.NoError(t, env.store.CreateEvent(context.Background(), event))
	return event
}

func (env *testEnv) start(t *testing.T, def *hubflow.WorkflowDefinition, payload map[string]any) *hubflow.WorkflowRun {
	t.Helper()
	run, err := env.engine.CreateRun(context.Background(), def, env.event(t, payload))
	require.NoError(t, err)
	return run
}

// drive processes a run to a terminal state, jumping the clock over retry delays
func (env *testEnv) drive(t *testing.T, runID string) *hubflow.WorkflowRun {
	t.Helper()

	for i := 0; i < 100; i++ {
		run, err := env.engine.Process(context.Background(), runID)
		require.NoError(t, err)
		if run.Status.IsTerminal() {
			return run
		}
		require.Equal(t, hubflow.RunStatusWaitingRetry, run.Status)
		require.NotNil(t, run.NextAttemptAt)
		env.clock.Set(*run.NextAttemptAt)
	}
	t.Fatalf("run %s did not finish", runID)
	return nil
}

func (env *testEnv) executions(t *testing.T, runID string) []*hubflow.StepExecution {
	t.Helper()
	execs, err := env.engine.GetStepExecutions(context.Background(), runID)
	require.NoError(t, err)
	return execs
}

func countFor(execs []*hubflow.StepExecution, stepID string) int {
	n := 0
	for _, exec := range execs {
		if exec.StepID == stepID {
			n++
		}
	}
	return n
}

// Helper to wait for workflow completion
func waitForCompletion(t *testing.T, engine *Engine, runID string, timeout time.Duration) *hubflow.WorkflowRun {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatal("Timeout waiting for workflow completion")
		case <-ticker.C:
			run, err := engine.GetRun(context.Background(), runID)
			require.NoError(t, err)

			if run.Status.IsTerminal() {
				return run
			}
		}
	}
}

func fastRetry(attempts int) hubflow.StepOption {
	return hubflow.WithRetryPolicy(hubflow.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	})
}
