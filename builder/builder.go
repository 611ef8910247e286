package builder

import (
	"fmt"

	"github.com/sicko7947/hubflow"
)

// DefinitionBuilder provides a fluent API for building workflow definitions
type DefinitionBuilder struct {
	def *hubflow.WorkflowDefinition
}

// NewDefinition creates a new definition builder at version 1
func NewDefinition(id, name string) *DefinitionBuilder {
	return &DefinitionBuilder{
		def: &hubflow.WorkflowDefinition{
			ID:      id,
			Version: 1,
			Name:    name,
			Steps:   []hubflow.StepDefinition{},
		},
	}
}

// WithDescription sets the definition description
func (b *DefinitionBuilder) WithDescription(description string) *DefinitionBuilder {
	b.def.Description = description
	return b
}

// WithVersion sets the definition version
func (b *DefinitionBuilder) WithVersion(version int) *DefinitionBuilder {
	b.def.Version = version
	return b
}

// WithTags sets definition tags
func (b *DefinitionBuilder) WithTags(tags map[string]string) *DefinitionBuilder {
	b.def.Tags = tags
	return b
}

// WithOptions applies functional options to the definition
func (b *DefinitionBuilder) WithOptions(opts ...DefinitionOption) *DefinitionBuilder {
	ApplyOptions(b.def, opts...)
	return b
}

// Trigger replaces the trigger matcher
func (b *DefinitionBuilder) Trigger(matcher hubflow.TriggerMatcher) *DefinitionBuilder {
	b.def.Trigger = matcher
	return b
}

// OnSource restricts the trigger to one source system
func (b *DefinitionBuilder) OnSource(source string) *DefinitionBuilder {
	b.def.Trigger.Source = source
	return b
}

// OnType restricts the trigger to one event type
func (b *DefinitionBuilder) OnType(eventType string) *DefinitionBuilder {
	b.def.Trigger.Type = eventType
	return b
}

// When adds a predicate the event document must satisfy
//
// Example:
//
//	builder.When(`event.payload.priority == "high"`)
func (b *DefinitionBuilder) When(expression string) *DefinitionBuilder {
	b.def.Trigger.When = expression
	return b
}

// OnFailure sets the run-level failure policy
func (b *DefinitionBuilder) OnFailure(policy hubflow.FailurePolicy) *DefinitionBuilder {
	b.def.OnFailure = policy
	return b
}

// ThenStep appends a step after the last added step
func (b *DefinitionBuilder) ThenStep(id, actionType string, opts ...hubflow.StepOption) *DefinitionBuilder {
	b.def.Steps = append(b.def.Steps, hubflow.NewStep(id, actionType, opts...))
	return b
}

// ThenStepIf appends a step that only runs when condition holds at runtime.
// A skipped step records a successful, skipped execution and writes no output.
func (b *DefinitionBuilder) ThenStepIf(id, actionType, condition string, opts ...hubflow.StepOption) *DefinitionBuilder {
	opts = append(opts, hubflow.WithCondition(condition))
	return b.ThenStep(id, actionType, opts...)
}

// Sequence appends prebuilt steps in order
func (b *DefinitionBuilder) Sequence(steps ...hubflow.StepDefinition) *DefinitionBuilder {
	b.def.Steps = append(b.def.Steps, steps...)
	return b
}

// Build finalizes and validates the definition
func (b *DefinitionBuilder) Build() (*hubflow.WorkflowDefinition, error) {
	if err := ValidateDefinition(b.def); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	return b.def.Clone(), nil
}

// MustBuild finalizes and validates the definition, panics on error
func (b *DefinitionBuilder) MustBuild() *hubflow.WorkflowDefinition {
	def, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build definition: %v", err))
	}
	return def
}
