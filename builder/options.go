package builder

import "github.com/sicko7947/hubflow"

// DefinitionOption is a functional option for configuring definitions
type DefinitionOption func(*hubflow.WorkflowDefinition)

// WithDescription sets the definition description
func WithDescription(description string) DefinitionOption {
	return func(d *hubflow.WorkflowDefinition) {
		d.Description = description
	}
}

// WithVersion sets the definition version
func WithVersion(version int) DefinitionOption {
	return func(d *hubflow.WorkflowDefinition) {
		d.Version = version
	}
}

// WithFailurePolicy sets the run-level failure policy
func WithFailurePolicy(policy hubflow.FailurePolicy) DefinitionOption {
	return func(d *hubflow.WorkflowDefinition) {
		d.OnFailure = policy
	}
}

// WithDefaultRetry applies a retry policy to every step that has none
func WithDefaultRetry(policy hubflow.RetryPolicy) DefinitionOption {
	return func(d *hubflow.WorkflowDefinition) {
		for i := range d.Steps {
			if d.Steps[i].Retry == (hubflow.RetryPolicy{}) {
				d.Steps[i].Retry = policy
			}
		}
	}
}

// WithTags sets definition tags
func WithTags(tags map[string]string) DefinitionOption {
	return func(d *hubflow.WorkflowDefinition) {
		d.Tags = tags
	}
}

// ApplyOptions applies a list of options to a definition
func ApplyOptions(d *hubflow.WorkflowDefinition, opts ...DefinitionOption) {
	for _, opt := range opts {
		opt(d)
	}
}
