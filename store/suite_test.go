package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sicko7947/hubflow"
)

// runStoreSuite exercises the behaviour every hubflow.Store must share.
// newStore must return an empty store for each call.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) hubflow.Store) {
	t.Helper()

	t.Run("EventRoundTrip", func(t *testing.T) { testEventRoundTrip(t, newStore(t)) })
	t.Run("CreateRunDuplicate", func(t *testing.T) { testCreateRunDuplicate(t, newStore(t)) })
	t.Run("GetRunNotFound", func(t *testing.T) { testGetRunNotFound(t, newStore(t)) })
	t.Run("UpdateRunCAS", func(t *testing.T) { testUpdateRunCAS(t, newStore(t)) })
	t.Run("AppendIdempotent", func(t *testing.T) { testAppendIdempotent(t, newStore(t)) })
	t.Run("AppendTerminal", func(t *testing.T) { testAppendTerminal(t, newStore(t)) })
	t.Run("ListStepExecutionsOrdered", func(t *testing.T) { testListStepExecutionsOrdered(t, newStore(t)) })
	t.Run("AcquireLease", func(t *testing.T) { testAcquireLease(t, newStore(t)) })
	t.Run("ListClaimable", func(t *testing.T) { testListClaimable(t, newStore(t)) })
	t.Run("ListRunsFilter", func(t *testing.T) { testListRunsFilter(t, newStore(t)) })
	t.Run("DeleteRun", func(t *testing.T) { testDeleteRun(t, newStore(t)) })
}

func newTestRun(id string, createdAt time.Time) *hubflow.WorkflowRun {
	return &hubflow.WorkflowRun{
		RunID:             id,
		DefinitionID:      "triage",
		DefinitionVersion: 1,
		TriggerEventID:    "evt-" + id,
		Status:            hubflow.RunStatusPending,
		Context:           hubflow.NewRunContext(),
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
}

func newTestExecution(runID, stepID string, index, attempt int, outcome hubflow.StepOutcome) *hubflow.StepExecution {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &hubflow.StepExecution{
		RunID:      runID,
		StepID:     stepID,
		StepIndex:  index,
		Attempt:    attempt,
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Outcome:    outcome,
		OutputKey:  stepID,
	}
}

func testEventRoundTrip(t *testing.T, s hubflow.Store) {
	ctx := context.Background()
	event := &hubflow.Event{
		ID:             "evt-1",
		SourceSystem:   "mail",
		Type:           "message.received",
		Payload:        map[string]any{"subject": "Outage"},
		IdempotencyKey: "msg-1",
		ReceivedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}

	if err := s.CreateEvent(ctx, event); err != nil {
		t.Fatalf("CreateEvent() failed: %v", err)
	}
	if err := s.CreateEvent(ctx, event); !errors.Is(err, hubflow.ErrAlreadyExists) {
		t.Errorf("CreateEvent() duplicate error = %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("GetEvent() failed: %v", err)
	}
	if got.SourceSystem != "mail" || got.Payload["subject"] != "Outage" {
		t.Errorf("GetEvent() = %+v", got)
	}

	if _, err := s.GetEvent(ctx, "missing"); !hubflow.IsNotFound(err) {
		t.Errorf("GetEvent() missing error = %v, want not found", err)
	}
}

func testCreateRunDuplicate(t *testing.T, s hubflow.Store) {
	ctx := context.Background()
	run := newTestRun("run-1", time.Now().UTC())

	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("First CreateRun() failed: %v", err)
	}
	if err := s.CreateRun(ctx, run); !errors.Is(err, hubflow.ErrAlreadyExists) {
		t.Errorf("CreateRun() duplicate error = %v, want ErrAlreadyExists", err)
	}
}

func testGetRunNotFound(t *testing.T, s hubflow.Store) {
	if _, err := s.GetRun(context.Background(), "non-existent"); !hubflow.IsNotFound(err) {
		t.Errorf("GetRun() error = %v, want not found", err)
	}
}

func testUpdateRunCAS(t *testing.T, s hubflow.Store) {
	ctx := context.Background()
	if err := s.CreateRun(ctx, newTestRun("run-1", time.Now().UTC())); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	first, _ := s.GetRun(ctx, "run-1")
	second, _ := s.GetRun(ctx, "run-1")

	first.Status = hubflow.RunStatusRunning
	first.Context.Set("issue_id", "ISS-1", "create_issue")
	if err := s.UpdateRun(ctx, first); err != nil {
		t.Fatalf("UpdateRun() failed: %v", err)
	}
	if first.Version != second.Version+1 {
		t.Errorf("Version after update = %d, want %d", first.Version, second.Version+1)
	}

	second.Status = hubflow.RunStatusCancelled
	if err := s.UpdateRun(ctx, second); !errors.Is(err, hubflow.ErrConcurrentUpdate) {
		t.Errorf("stale UpdateRun() error = %v, want ErrConcurrentUpdate", err)
	}

	stored, _ := s.GetRun(ctx, "run-1")
	if stored.Status != hubflow.RunStatusRunning {
		t.Errorf("Status = %s, want RUNNING", stored.Status)
	}
	if v, ok := stored.Context.Get("issue_id"); !ok || v != "ISS-1" {
		t.Errorf("Context issue_id = %v, want ISS-1", v)
	}
}

func testAppendIdempotent(t *testing.T, s hubflow.Store) {
	ctx := context.Background()
	if err := s.CreateRun(ctx, newTestRun("run-1", time.Now().UTC())); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	exec := newTestExecution("run-1", "create_issue", 0, 1, hubflow.StepOutcomeFailure)
	exec.ErrorKind = hubflow.KindRetryable
	exec.ErrorDetail = "503"

	if err := s.AppendStepExecution(ctx, exec); err != nil {
		t.Fatalf("AppendStepExecution() failed: %v", err)
	}
	if err := s.AppendStepExecution(ctx, exec); err != nil {
		t.Errorf("identical AppendStepExecution() error = %v, want nil", err)
	}

	conflicting := newTestExecution("run-1", "create_issue", 0, 1, hubflow.StepOutcomeSuccess)
	if err := s.AppendStepExecution(ctx, conflicting); !errors.Is(err, hubflow.ErrDuplicateAttempt) {
		t.Errorf("conflicting AppendStepExecution() error = %v, want ErrDuplicateAttempt", err)
	}

	execs, err := s.ListStepExecutions(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListStepExecutions() failed: %v", err)
	}
	if len(execs) != 1 {
		t.Errorf("len(executions) = %d, want 1", len(execs))
	}
}

func testAppendTerminal(t *testing.T, s hubflow.Store) {
	ctx := context.Background()
	run := newTestRun("run-1", time.Now().UTC())
	run.Status = hubflow.RunStatusSucceeded
	run.CompletedAt = hubflow.ToPtr(time.Now().UTC())
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	err := s.AppendStepExecution(ctx, newTestExecution("run-1", "create_issue", 0, 1, hubflow.StepOutcomeSuccess))
	if !errors.Is(err, hubflow.ErrRunTerminal) {
		t.Errorf("AppendStepExecution() on terminal run error = %v, want ErrRunTerminal", err)
	}
}

func testListStepExecutionsOrdered(t *testing.T, s hubflow.Store) {
	ctx := context.Background()
	if err := s.CreateRun(ctx, newTestRun("run-1", time.Now().UTC())); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	appends := []*hubflow.StepExecution{
		newTestExecution("run-1", "notify_chat", 1, 2, hubflow.StepOutcomeSuccess),
		newTestExecution("run-1", "create_issue", 0, 1, hubflow.StepOutcomeSuccess),
		newTestExecution("run-1", "notify_chat", 1, 1, hubflow.StepOutcomeTimeout),
		newTestExecution("run-1", "create_doc", 2, 1, hubflow.StepOutcomeSuccess),
	}
	for _, exec := range appends {
		if err := s.AppendStepExecution(ctx, exec); err != nil {
			t.Fatalf("AppendStepExecution(%s/%d) failed: %v", exec.StepID, exec.Attempt, err)
		}
	}

	execs, err := s.ListStepExecutions(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListStepExecutions() failed: %v", err)
	}

	want := []string{"create_issue/1", "notify_chat/1", "notify_chat/2", "create_doc/1"}
	if len(execs) != len(want) {
		t.Fatalf("len(executions) = %d, want %d", len(execs), len(want))
	}
	for i, exec := range execs {
		if got := fmt.Sprintf("%s/%d", exec.StepID, exec.Attempt); got != want[i] {
			t.Errorf("executions[%d] = %s, want %s", i, got, want[i])
		}
	}
}

func testAcquireLease(t *testing.T, s hubflow.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.CreateRun(ctx, newTestRun("run-1", now)); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	leased, err := s.AcquireLease(ctx, "run-1", "worker-a", time.Minute, now)
	if err != nil {
		t.Fatalf("AcquireLease() failed: %v", err)
	}
	if leased.LeaseOwner != "worker-a" {
		t.Errorf("LeaseOwner = %s, want worker-a", leased.LeaseOwner)
	}

	if _, err := s.AcquireLease(ctx, "run-1", "worker-b", time.Minute, now.Add(time.Second)); !errors.Is(err, hubflow.ErrLeaseConflict) {
		t.Errorf("AcquireLease() by other worker error = %v, want ErrLeaseConflict", err)
	}

	// Same owner extends
	if _, err := s.AcquireLease(ctx, "run-1", "worker-a", time.Minute, now.Add(time.Second)); err != nil {
		t.Errorf("AcquireLease() extension failed: %v", err)
	}

	// Expired lease is up for grabs
	stolen, err := s.AcquireLease(ctx, "run-1", "worker-b", time.Minute, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("AcquireLease() after expiry failed: %v", err)
	}
	if stolen.LeaseOwner != "worker-b" {
		t.Errorf("LeaseOwner = %s, want worker-b", stolen.LeaseOwner)
	}

	// Leasing bumps the version so stale holders lose their CAS
	leased.Status = hubflow.RunStatusRunning
	if err := s.UpdateRun(ctx, leased); !errors.Is(err, hubflow.ErrConcurrentUpdate) {
		t.Errorf("UpdateRun() with stale lease copy error = %v, want ErrConcurrentUpdate", err)
	}
}

func testListClaimable(t *testing.T, s hubflow.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	pending := newTestRun("pending", now.Add(-3*time.Minute))
	waitingDue := newTestRun("waiting-due", now.Add(-2*time.Minute))
	waitingDue.Status = hubflow.RunStatusWaitingRetry
	waitingDue.NextAttemptAt = hubflow.ToPtr(now.Add(-time.Second))
	waitingLater := newTestRun("waiting-later", now.Add(-time.Minute))
	waitingLater.Status = hubflow.RunStatusWaitingRetry
	waitingLater.NextAttemptAt = hubflow.ToPtr(now.Add(time.Hour))
	done := newTestRun("done", now)
	done.Status = hubflow.RunStatusSucceeded

	for _, run := range []*hubflow.WorkflowRun{pending, waitingDue, waitingLater, done} {
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun(%s) failed: %v", run.RunID, err)
		}
	}
	if _, err := s.AcquireLease(ctx, "pending", "worker-a", time.Minute, now); err != nil {
		t.Fatalf("AcquireLease() failed: %v", err)
	}

	runs, err := s.ListClaimable(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListClaimable() failed: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "waiting-due" {
		ids := make([]string, 0, len(runs))
		for _, r := range runs {
			ids = append(ids, r.RunID)
		}
		t.Errorf("ListClaimable() = %v, want [waiting-due]", ids)
	}
}

func testListRunsFilter(t *testing.T, s hubflow.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 4; i++ {
		run := newTestRun(fmt.Sprintf("run-%d", i), now.Add(time.Duration(i)*time.Second))
		if i%2 == 1 {
			run.DefinitionID = "other"
			run.Status = hubflow.RunStatusFailed
		}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() failed: %v", err)
		}
	}

	runs, err := s.ListRuns(ctx, hubflow.RunFilter{DefinitionID: "triage"})
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-2" {
		t.Errorf("ListRuns(definition) returned %d runs, first %v", len(runs), runs)
	}

	failed := hubflow.RunStatusFailed
	runs, err = s.ListRuns(ctx, hubflow.RunFilter{Status: &failed, Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-3" {
		t.Errorf("ListRuns(status, limit) = %v, want [run-3]", runs)
	}
}

func testDeleteRun(t *testing.T, s hubflow.Store) {
	ctx := context.Background()
	if err := s.CreateRun(ctx, newTestRun("run-1", time.Now().UTC())); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	if err := s.AppendStepExecution(ctx, newTestExecution("run-1", "create_issue", 0, 1, hubflow.StepOutcomeSuccess)); err != nil {
		t.Fatalf("AppendStepExecution() failed: %v", err)
	}

	if err := s.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun() failed: %v", err)
	}
	if _, err := s.GetRun(ctx, "run-1"); !hubflow.IsNotFound(err) {
		t.Errorf("GetRun() after delete error = %v, want not found", err)
	}
	execs, err := s.ListStepExecutions(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListStepExecutions() failed: %v", err)
	}
	if len(execs) != 0 {
		t.Errorf("len(executions) after delete = %d, want 0", len(execs))
	}
}
