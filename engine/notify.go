package engine

import (
	"context"
	"time"

	"github.com/sicko7947/hubflow"
)

// Notification describes one run lifecycle change
type Notification struct {
	Event             string            `json:"event"`
	RunID             string            `json:"runId"`
	DefinitionID      string            `json:"definitionId"`
	DefinitionVersion int               `json:"definitionVersion"`
	Status            hubflow.RunStatus `json:"status"`
	StepID            string            `json:"stepId,omitempty"`
	ActionType        string            `json:"actionType,omitempty"`
	Attempt           int               `json:"attempt,omitempty"`
	Error             string            `json:"error,omitempty"`
	At                time.Time         `json:"at"`
}

// Notifier receives run lifecycle notifications.
// Delivery is best effort; a failing notifier never fails a run.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// MultiNotifier delivers every notification to each of notifiers in order
// and returns the first error
func MultiNotifier(notifiers ...Notifier) Notifier {
	return NotifierFunc(func(ctx context.Context, n Notification) error {
		var firstErr error
		for _, notifier := range notifiers {
			if err := notifier.Notify(ctx, n); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}

// NopNotifier discards notifications
type NopNotifier struct{}

// Notify implements Notifier
func (NopNotifier) Notify(context.Context, Notification) error {
	return nil
}

func (e *Engine) notify(ctx context.Context, run *hubflow.WorkflowRun, event, stepID string, attempt int, err error) {
	e.publish(ctx, e.notification(run, event, stepID, attempt, err))
}

func (e *Engine) notifyStep(ctx context.Context, run *hubflow.WorkflowRun, event string, step *hubflow.StepDefinition, attempt int, err error) {
	n := e.notification(run, event, step.ID, attempt, err)
	n.ActionType = step.ActionType
	e.publish(ctx, n)
}

func (e *Engine) notification(run *hubflow.WorkflowRun, event, stepID string, attempt int, err error) Notification {
	n := Notification{
		Event:             event,
		RunID:             run.RunID,
		DefinitionID:      run.DefinitionID,
		DefinitionVersion: run.DefinitionVersion,
		Status:            run.Status,
		StepID:            stepID,
		Attempt:           attempt,
		At:                e.now(),
	}
	if err != nil {
		n.Error = err.Error()
	}
	return n
}

func (e *Engine) publish(ctx context.Context, n Notification) {
	if nerr := e.notifier.Notify(ctx, n); nerr != nil {
		e.logger.Warn().
			Err(nerr).
			Str("run_id", n.RunID).
			Str("notification", n.Event).
			Msg("Failed to publish notification")
	}
}
