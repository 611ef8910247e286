package hubflow

import (
	"context"
	"fmt"
)

// Adapter performs actions against one external system.
//
// Errors should be *AdapterError values built with Retryable or Permanent.
// Any other error is treated as retryable. Adapters must be safe for
// concurrent use; the engine may call Execute from many workers at once.
type Adapter interface {
	Execute(ctx context.Context, actionType string, input map[string]any) (map[string]any, error)
}

// AdapterFunc adapts a plain function to the Adapter interface
type AdapterFunc func(ctx context.Context, actionType string, input map[string]any) (map[string]any, error)

// Execute calls f
func (f AdapterFunc) Execute(ctx context.Context, actionType string, input map[string]any) (map[string]any, error) {
	return f(ctx, actionType, input)
}

// ExecutionInfo identifies the step attempt an adapter call belongs to
type ExecutionInfo struct {
	RunID        string
	DefinitionID string
	StepID       string
	StepIndex    int
	Attempt      int
}

// IdempotencyKey is stable across attempts of the same step within a run.
// Adapters forward it so the external system can collapse repeated side effects.
func (i ExecutionInfo) IdempotencyKey() string {
	return fmt.Sprintf("%s/%s", i.RunID, i.StepID)
}

type executionInfoKey struct{}

// WithExecution returns a context carrying info
func WithExecution(ctx context.Context, info ExecutionInfo) context.Context {
	return context.WithValue(ctx, executionInfoKey{}, info)
}

// ExecutionFromContext returns the step attempt info set by the engine
func ExecutionFromContext(ctx context.Context) (ExecutionInfo, bool) {
	info, ok := ctx.Value(executionInfoKey{}).(ExecutionInfo)
	return info, ok
}
