package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sicko7947/hubflow"
)

// MemoryStore implements hubflow.Store using in-memory storage
type MemoryStore struct {
	events         map[string]*hubflow.Event
	runs           map[string]*hubflow.WorkflowRun
	stepExecutions map[string][]*hubflow.StepExecution // runID -> append-only attempts
	mu             sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:         make(map[string]*hubflow.Event),
		runs:           make(map[string]*hubflow.WorkflowRun),
		stepExecutions: make(map[string][]*hubflow.StepExecution),
	}
}

var _ hubflow.Store = (*MemoryStore)(nil)

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Event operations

func (s *MemoryStore) CreateEvent(ctx context.Context, event *hubflow.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.ID]; exists {
		return hubflow.NewPersistenceError(hubflow.KindAlreadyExists, fmt.Sprintf("event %s already exists", event.ID), nil)
	}

	s.events[event.ID] = cloneEvent(event)
	return nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, eventID string) (*hubflow.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, exists := s.events[eventID]
	if !exists {
		return nil, notFound("event", eventID)
	}
	return cloneEvent(event), nil
}

// Workflow run operations

func (s *MemoryStore) CreateRun(ctx context.Context, run *hubflow.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.RunID]; exists {
		return hubflow.NewPersistenceError(hubflow.KindAlreadyExists, fmt.Sprintf("workflow run %s already exists", run.RunID), nil)
	}

	s.runs[run.RunID] = run.Clone()
	s.stepExecutions[run.RunID] = []*hubflow.StepExecution{}

	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*hubflow.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, notFound("workflow run", runID)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *hubflow.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.runs[run.RunID]
	if !exists {
		return notFound("workflow run", run.RunID)
	}
	if current.Version != run.Version {
		return hubflow.NewPersistenceError(hubflow.KindConcurrentUpdate,
			fmt.Sprintf("workflow run %s: expected version %d, stored %d", run.RunID, run.Version, current.Version), nil)
	}

	run.Version++
	s.runs[run.RunID] = run.Clone()

	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter hubflow.RunFilter) ([]*hubflow.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*hubflow.WorkflowRun, 0)
	for _, run := range s.runs {
		if filter.Matches(run) {
			runs = append(runs, run.Clone())
		}
	}

	sortRuns(runs)
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}

	return runs, nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[runID]; !exists {
		return notFound("workflow run", runID)
	}

	delete(s.runs, runID)
	delete(s.stepExecutions, runID)
	return nil
}

// Step execution operations

func (s *MemoryStore) AppendStepExecution(ctx context.Context, exec *hubflow.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[exec.RunID]
	if !exists {
		return notFound("workflow run", exec.RunID)
	}

	for _, existing := range s.stepExecutions[exec.RunID] {
		if existing.StepID != exec.StepID || existing.Attempt != exec.Attempt {
			continue
		}
		if existing.SameRecord(exec) {
			return nil
		}
		return hubflow.NewPersistenceError(hubflow.KindDuplicateAttempt,
			fmt.Sprintf("step execution %s/%s attempt %d already recorded", exec.RunID, exec.StepID, exec.Attempt), nil)
	}

	if run.Status.IsTerminal() {
		return hubflow.NewPersistenceError(hubflow.KindRunTerminal,
			fmt.Sprintf("workflow run %s is %s", exec.RunID, run.Status), nil)
	}

	s.stepExecutions[exec.RunID] = append(s.stepExecutions[exec.RunID], cloneExecution(exec))
	return nil
}

func (s *MemoryStore) ListStepExecutions(ctx context.Context, runID string) ([]*hubflow.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runExecs := s.stepExecutions[runID]
	executions := make([]*hubflow.StepExecution, 0, len(runExecs))
	for _, exec := range runExecs {
		executions = append(executions, cloneExecution(exec))
	}

	sortExecutions(executions)
	return executions, nil
}

// Lease operations

func (s *MemoryStore) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration, now time.Time) (*hubflow.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, notFound("workflow run", runID)
	}
	if run.Status.IsTerminal() {
		return nil, hubflow.NewPersistenceError(hubflow.KindRunTerminal, fmt.Sprintf("workflow run %s is %s", runID, run.Status), nil)
	}
	if run.LeaseActive(now) && run.LeaseOwner != owner {
		return nil, hubflow.NewPersistenceError(hubflow.KindLeaseConflict,
			fmt.Sprintf("workflow run %s leased by %s", runID, run.LeaseOwner), nil)
	}

	run.LeaseOwner = owner
	run.LeaseExpiresAt = hubflow.ToPtr(now.Add(ttl))
	run.UpdatedAt = now
	run.Version++

	return run.Clone(), nil
}

func (s *MemoryStore) ListClaimable(ctx context.Context, now time.Time, limit int) ([]*hubflow.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*hubflow.WorkflowRun, 0)
	for _, run := range s.runs {
		if run.Claimable(now) {
			runs = append(runs, run.Clone())
		}
	}

	sortRunsOldestFirst(runs)
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	return runs, nil
}
