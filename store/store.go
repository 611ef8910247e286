// Package store provides persistence implementations for hubflow.
// The Store interface is defined in the root hubflow package
// (../store_interface.go) to avoid import cycles between the root
// and store packages.
//
// This package contains concrete implementations:
//   - DynamoDBStore: single-table AWS DynamoDB backend
//   - PostgresStore: PostgreSQL backend with versioned migrations
//   - MemoryStore: in-memory backend for tests and single-process use
//
// All implementations share the same guarantees: run updates are
// compare-and-swap on WorkflowRun.Version, step execution appends are
// idempotent per (run, step, attempt), and leases are granted atomically.
package store

import (
	"context"
	"sort"

	"github.com/sicko7947/hubflow"
)

// Pinger is implemented by stores that can report backend health
type Pinger interface {
	Ping(ctx context.Context) error
}

func sortExecutions(execs []*hubflow.StepExecution) {
	sort.SliceStable(execs, func(i, j int) bool {
		if execs[i].StepIndex != execs[j].StepIndex {
			return execs[i].StepIndex < execs[j].StepIndex
		}
		return execs[i].Attempt < execs[j].Attempt
	})
}

// sortRuns orders runs newest first
func sortRuns(runs []*hubflow.WorkflowRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}

func sortRunsOldestFirst(runs []*hubflow.WorkflowRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
}

func notFound(what, id string) error {
	return hubflow.NewPersistenceError(hubflow.KindNotFound, what+" "+id+" not found", nil)
}

func cloneExecution(exec *hubflow.StepExecution) *hubflow.StepExecution {
	c := *exec
	if exec.Output != nil {
		c.Output = make(map[string]any, len(exec.Output))
		for k, v := range exec.Output {
			c.Output[k] = v
		}
	}
	return &c
}

func cloneEvent(event *hubflow.Event) *hubflow.Event {
	c := *event
	if event.Payload != nil {
		c.Payload = make(map[string]any, len(event.Payload))
		for k, v := range event.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}
