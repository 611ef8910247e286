package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/builder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_CountsActionOutcomes(t *testing.T) {
	monitor := NewMonitor(50)
	env := createTestEngine(t, WithNotifier(MultiNotifier(NopNotifier{}, monitor)))
	env.adapter.
		on("create_issue", func(_ context.Context, _ map[string]any, call int) (map[string]any, error) {
			if call == 1 {
				return nil, hubflow.Retryable("rate limited", nil)
			}
			return map[string]any{"id": "ISS-1"}, nil
		}).
		on("notify_chat", returns(map[string]any{"id": "MSG-1"}))
	def := env.register(t, builder.NewDefinition("metrics", "Metrics").
		ThenStep("issue", "create_issue", fastRetry(3)).
		ThenStep("chat", "notify_chat").
		MustBuild())

	run := env.drive(t, env.start(t, def, map[string]any{}).RunID)
	require.Equal(t, hubflow.RunStatusSucceeded, run.Status)

	m := monitor.Metrics()
	require.Len(t, m.Actions, 2)

	issue := m.Actions[0]
	assert.Equal(t, "create_issue", issue.ActionType)
	assert.Equal(t, int64(1), issue.Successes)
	assert.Equal(t, int64(1), issue.Failures)
	assert.Contains(t, issue.LastMessage, "rate limited")
	assert.NotNil(t, issue.LastSuccess)
	assert.NotNil(t, issue.LastError)

	chat := m.Actions[1]
	assert.Equal(t, "notify_chat", chat.ActionType)
	assert.Equal(t, int64(1), chat.Successes)
	assert.Zero(t, chat.Failures)
	assert.Nil(t, chat.LastError)

	assert.Equal(t, int64(1), m.Runs[hubflow.RunStatusSucceeded])

	recent := monitor.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, hubflow.EventRunSucceeded, recent[0].Event)
	assert.Equal(t, hubflow.EventStepSucceeded, recent[1].Event)
	assert.Equal(t, "notify_chat", recent[1].ActionType)
}

func TestMonitor_RecentIsBounded(t *testing.T) {
	monitor := NewMonitor(3)
	assert.Empty(t, monitor.Recent(0))

	for i := 0; i < 5; i++ {
		require.NoError(t, monitor.Notify(context.Background(), Notification{
			Event: hubflow.EventRunCreated,
			RunID: fmt.Sprintf("run-%d", i),
		}))
	}

	recent := monitor.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "run-4", recent[0].RunID)
	assert.Equal(t, "run-3", recent[1].RunID)
	assert.Equal(t, "run-2", recent[2].RunID)

	assert.Len(t, monitor.Recent(1), 1)
	assert.Len(t, monitor.Recent(10), 3)
}

func TestMultiNotifier_DeliversToAll(t *testing.T) {
	var calls []string
	failing := NotifierFunc(func(context.Context, Notification) error {
		calls = append(calls, "failing")
		return fmt.Errorf("bus down")
	})
	ok := NotifierFunc(func(context.Context, Notification) error {
		calls = append(calls, "ok")
		return nil
	})

	err := MultiNotifier(failing, ok).Notify(context.Background(), Notification{Event: hubflow.EventRunCreated})
	assert.EqualError(t, err, "bus down")
	assert.Equal(t, []string{"failing", "ok"}, calls)
}
