package ingress

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/registry"
	"github.com/sicko7947/hubflow/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRuns struct {
	mu   sync.Mutex
	runs []*hubflow.WorkflowRun
	err  error
}

func (r *recordingRuns) CreateRun(_ context.Context, def *hubflow.WorkflowDefinition, event *hubflow.Event) (*hubflow.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	id := def.ID + "-" + event.ID
	for _, run := range r.runs {
		if run.RunID == id {
			return run, nil
		}
	}
	run := &hubflow.WorkflowRun{
		RunID:             id,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		TriggerEventID:    event.ID,
		Status:            hubflow.RunStatusPending,
	}
	r.runs = append(r.runs, run)
	return run, nil
}

func (r *recordingRuns) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingRuns) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

type failingEventStore struct{}

func (failingEventStore) CreateEvent(context.Context, *hubflow.Event) error {
	return hubflow.NewPersistenceError(hubflow.KindStorageUnavailable, "down", nil)
}

func (failingEventStore) GetEvent(context.Context, string) (*hubflow.Event, error) {
	return nil, hubflow.NewPersistenceError(hubflow.KindStorageUnavailable, "down", nil)
}

func setup(t *testing.T, opts ...Option) (*Ingress, *store.MemoryStore, *recordingRuns) {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.Register(&hubflow.WorkflowDefinition{
		ID:      "triage",
		Version: 1,
		Trigger: hubflow.TriggerMatcher{Source: "mail", Type: "message.received"},
		Steps:   []hubflow.StepDefinition{hubflow.NewStep("create_issue", "create_issue")},
	}))

	st := store.NewMemoryStore()
	runs := &recordingRuns{}
	in := New(st, reg, runs, opts...)
	require.NoError(t, in.RegisterSource(SourceConfig{Name: "mail", Types: []string{"message.received", "message.bounced"}}))
	return in, st, runs
}

func mail(key string) RawEvent {
	return RawEvent{
		SourceSystem:   "mail",
		Type:           "message.received",
		Payload:        map[string]any{"subject": "Printer on fire"},
		IdempotencyKey: key,
	}
}

func TestSubmit_StoresAndTriggers(t *testing.T) {
	in, st, runs := setup(t)

	res, err := in.SubmitDetailed(context.Background(), mail(""))
	require.NoError(t, err)
	assert.NotEmpty(t, res.EventID)
	assert.False(t, res.Duplicate)
	assert.Len(t, res.RunIDs, 1)
	assert.Equal(t, 1, runs.count())

	event, err := st.GetEvent(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, "mail", event.SourceSystem)
	assert.Equal(t, "Printer on fire", event.Payload["subject"])
	assert.False(t, event.ReceivedAt.IsZero())
}

func TestSubmit_NoMatchStillStored(t *testing.T) {
	in, st, runs := setup(t)

	raw := mail("")
	raw.Type = "message.bounced"
	id, err := in.Submit(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, 0, runs.count())

	_, err = st.GetEvent(context.Background(), id)
	assert.NoError(t, err)
}

func TestSubmit_IdempotentWithinWindow(t *testing.T) {
	in, _, runs := setup(t)

	first, err := in.Submit(context.Background(), mail("msg-1"))
	require.NoError(t, err)

	res, err := in.SubmitDetailed(context.Background(), mail("msg-1"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, first, res.EventID)
	assert.Equal(t, 1, runs.count())

	other, err := in.Submit(context.Background(), mail("msg-2"))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
	assert.Equal(t, 2, runs.count())
}

func TestSubmit_DedupWindowExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewMemoryDedup()
	cache.now = func() time.Time { return now }

	in, _, runs := setup(t, WithDedupCache(cache), WithDedupWindow(time.Hour))

	first, err := in.Submit(context.Background(), mail("msg-1"))
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	second, err := in.Submit(context.Background(), mail("msg-1"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, runs.count())
}

func TestSubmit_ConcurrentDuplicates(t *testing.T) {
	in, _, runs := setup(t)

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for n := range ids {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id, err := in.Submit(context.Background(), mail("same"))
			assert.NoError(t, err)
			ids[n] = id
		}(n)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, runs.count())
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name string
		raw  RawEvent
		want error
	}{
		{"missing source", RawEvent{Type: "x", Payload: map[string]any{}}, hubflow.ErrMalformedPayload},
		{"missing type", RawEvent{SourceSystem: "mail", Payload: map[string]any{}}, hubflow.ErrMalformedPayload},
		{"nil payload", RawEvent{SourceSystem: "mail", Type: "message.received"}, hubflow.ErrMalformedPayload},
		{"unknown source", RawEvent{SourceSystem: "fax", Type: "page", Payload: map[string]any{}}, hubflow.ErrUnknownSource},
		{"type not allowed", RawEvent{SourceSystem: "mail", Type: "message.deleted", Payload: map[string]any{}}, hubflow.ErrMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, _, runs := setup(t)

			_, err := in.Submit(context.Background(), tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, 0, runs.count())
		})
	}
}

func TestSubmit_Schema(t *testing.T) {
	in, _, _ := setup(t)
	require.NoError(t, in.RegisterSource(SourceConfig{
		Name: "tracker",
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"issue"},
			"properties": map[string]any{
				"issue": map[string]any{"type": "string"},
			},
		},
	}))

	_, err := in.Submit(context.Background(), RawEvent{SourceSystem: "tracker", Type: "issue.closed", Payload: map[string]any{"issue": "ISS-1"}})
	assert.NoError(t, err)

	_, err = in.Submit(context.Background(), RawEvent{SourceSystem: "tracker", Type: "issue.closed", Payload: map[string]any{"issue": 7}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, hubflow.ErrMalformedPayload))
}

func TestSubmit_OpenSources(t *testing.T) {
	in, _, _ := setup(t, WithOpenSources())

	_, err := in.Submit(context.Background(), RawEvent{SourceSystem: "fax", Type: "page", Payload: map[string]any{}})
	assert.NoError(t, err)
}

func TestSubmit_StoreFailureReleasesKey(t *testing.T) {
	reg := registry.New()
	cache := NewMemoryDedup()
	in := New(failingEventStore{}, reg, &recordingRuns{}, WithDedupCache(cache), WithOpenSources())

	_, err := in.Submit(context.Background(), mail("msg-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, hubflow.ErrStorageUnavailable))

	_, reserved, err := cache.Reserve(context.Background(), "mail:msg-1", "evt-retry", time.Hour)
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestSubmit_RunCreationErrorKeepsEvent(t *testing.T) {
	in, st, runs := setup(t)
	runs.err = errors.New("boom")

	res, err := in.SubmitDetailed(context.Background(), mail(""))
	require.Error(t, err)
	require.NotNil(t, res)

	_, getErr := st.GetEvent(context.Background(), res.EventID)
	assert.NoError(t, getErr)
}

func TestSubmit_ResubmissionStartsMissingRuns(t *testing.T) {
	in, _, runs := setup(t)
	runs.fail(hubflow.NewPersistenceError(hubflow.KindStorageUnavailable, "down", nil))

	first, err := in.SubmitDetailed(context.Background(), mail("k-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, hubflow.ErrStorageUnavailable))
	require.NotNil(t, first)
	assert.Empty(t, first.RunIDs)
	assert.Equal(t, 0, runs.count())

	runs.fail(nil)
	retry, err := in.SubmitDetailed(context.Background(), mail("k-1"))
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, first.EventID, retry.EventID)
	assert.Equal(t, []string{"triage-" + first.EventID}, retry.RunIDs)
	assert.Equal(t, 1, runs.count())

	again, err := in.SubmitDetailed(context.Background(), mail("k-1"))
	require.NoError(t, err)
	assert.Equal(t, retry.RunIDs, again.RunIDs)
	assert.Equal(t, 1, runs.count())
}

func TestSubmit_DuplicateReportsExistingRuns(t *testing.T) {
	in, _, runs := setup(t)

	first, err := in.SubmitDetailed(context.Background(), mail("k-2"))
	require.NoError(t, err)

	dup, err := in.SubmitDetailed(context.Background(), mail("k-2"))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, first.RunIDs, dup.RunIDs)
	assert.Equal(t, 1, runs.count())
}

func TestRegisterSource_InvalidSchema(t *testing.T) {
	in, _, _ := setup(t)
	err := in.RegisterSource(SourceConfig{Name: "bad", Schema: map[string]any{"type": 12}})
	assert.Error(t, err)
}

func TestLoadSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sources:
  - name: chat
    types: [message.posted]
  - name: docs
    schema:
      type: object
      required: [page_id]
`), 0o600))

	in, _, _ := setup(t)
	require.NoError(t, in.LoadSources(path))
	assert.Equal(t, []string{"chat", "docs", "mail"}, in.Sources())

	_, err := in.Submit(context.Background(), RawEvent{SourceSystem: "docs", Type: "page.updated", Payload: map[string]any{}})
	assert.True(t, errors.Is(err, hubflow.ErrMalformedPayload))
}

func TestMemoryDedup_ReleaseOnlyOwner(t *testing.T) {
	cache := NewMemoryDedup()
	ctx := context.Background()

	_, reserved, err := cache.Reserve(ctx, "k", "a", time.Hour)
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, cache.Release(ctx, "k", "b"))
	existing, reserved, err := cache.Reserve(ctx, "k", "c", time.Hour)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "a", existing)
}

func TestMemoryDedup_Sweep(t *testing.T) {
	now := time.Now()
	cache := NewMemoryDedup()
	cache.now = func() time.Time { return now }

	_, _, _ = cache.Reserve(context.Background(), "old", "a", time.Minute)
	_, _, _ = cache.Reserve(context.Background(), "new", "b", time.Hour)

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 1, cache.Sweep())
}

func TestMemoryDedup_SweeperDropsExpiredKeys(t *testing.T) {
	cache := NewMemoryDedup()
	for n := 0; n < 1000; n++ {
		_, reserved, err := cache.Reserve(context.Background(), fmt.Sprintf("key-%d", n), "evt", time.Millisecond)
		require.NoError(t, err)
		require.True(t, reserved)
	}
	require.Equal(t, 1000, cache.Len())

	later := time.Now().Add(time.Hour)
	cache.now = func() time.Time { return later }

	assert.Error(t, cache.StartSweeper("not a schedule", zerolog.Nop()))
	require.NoError(t, cache.StartSweeper("@every 1s", zerolog.Nop()))
	t.Cleanup(cache.Stop)
	assert.Error(t, cache.StartSweeper("@every 1s", zerolog.Nop()))

	require.Eventually(t, func() bool { return cache.Len() == 0 }, 5*time.Second, 50*time.Millisecond)
}
