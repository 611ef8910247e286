package builder

import (
	"fmt"
	"strings"

	"github.com/sicko7947/hubflow"
)

// ValidateDefinition performs structural validation on a definition.
// Expression syntax is checked when the definition is registered.
func ValidateDefinition(d *hubflow.WorkflowDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}

	for _, step := range d.Steps {
		if err := ValidateRetry(step.ID, step.Retry); err != nil {
			return err
		}
		if err := ValidateInputPaths(step.ID, step.Input); err != nil {
			return err
		}
	}

	return ValidateOutputKeys(d)
}

// ValidateRetry checks that the retry delays are consistent
func ValidateRetry(stepID string, policy hubflow.RetryPolicy) error {
	if policy.MaxDelay > 0 && policy.BaseDelay > policy.MaxDelay {
		return fmt.Errorf("step %s: base delay %s exceeds max delay %s", stepID, policy.BaseDelay, policy.MaxDelay)
	}
	return nil
}

// ValidateInputPaths ensures path mappings address the event or the run context
func ValidateInputPaths(stepID string, input map[string]string) error {
	for name, value := range input {
		path, ok := strings.CutPrefix(value, "$")
		if !ok {
			continue
		}
		if !strings.HasPrefix(path, "event.") && !strings.HasPrefix(path, "context.") {
			return fmt.Errorf("step %s: input %s path %q must start with event. or context.", stepID, name, value)
		}
	}
	return nil
}

// ValidateOutputKeys ensures no step reads a context key that only a later step writes
func ValidateOutputKeys(d *hubflow.WorkflowDefinition) error {
	writers := make(map[string]int, len(d.Steps))
	for i := range d.Steps {
		key := d.Steps[i].EffectiveOutputKey()
		if _, ok := writers[key]; !ok {
			writers[key] = i
		}
	}

	for i, step := range d.Steps {
		for name, value := range step.Input {
			path, ok := strings.CutPrefix(value, "$context.")
			if !ok {
				continue
			}
			key, _, _ := strings.Cut(path, ".")
			if first, ok := writers[key]; ok && first >= i {
				return fmt.Errorf("step %s: input %s reads %s before step %s writes it", step.ID, name, key, d.Steps[first].ID)
			}
		}
	}
	return nil
}
