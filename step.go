package hubflow

import (
	"time"

	"gopkg.in/yaml.v3"
)

// StepDefinition is one declarative step of a pipeline
type StepDefinition struct {
	// Identity
	ID          string `json:"id" yaml:"id" validate:"required"`
	Name        string `json:"name,omitempty" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`

	// Action routed to an adapter
	ActionType string `json:"actionType" yaml:"action_type" validate:"required"`

	// Input mapping: name -> "$path", "=expression" or a literal
	Input map[string]string `json:"input,omitempty" yaml:"input"`

	// Context key the output is stored under (defaults to the step id)
	OutputKey string `json:"outputKey,omitempty" yaml:"output_key"`

	// Execution configuration
	Retry   RetryPolicy   `json:"retry" yaml:"retry"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout" validate:"gte=0"`

	// Optional predicate over {event, context}; false skips the step
	Condition string `json:"condition,omitempty" yaml:"condition"`
}

// NewStep creates a step definition with default execution configuration
func NewStep(id, actionType string, opts ...StepOption) StepDefinition {
	s := StepDefinition{
		ID:         id,
		Name:       id,
		ActionType: actionType,
		Input:      make(map[string]string),
		Retry:      DefaultRetryPolicy,
		Timeout:    DefaultStepTimeout,
	}

	for _, opt := range opts {
		opt(&s)
	}

	return s
}

// UnmarshalYAML decodes a step on top of the default retry policy and
// timeout, so fields a document leaves out keep their defaults
func (s *StepDefinition) UnmarshalYAML(value *yaml.Node) error {
	type plain StepDefinition
	p := plain{
		Retry:   DefaultRetryPolicy,
		Timeout: DefaultStepTimeout,
	}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = StepDefinition(p)
	return nil
}

// EffectiveRetry returns the retry policy with defaults applied
func (s *StepDefinition) EffectiveRetry() RetryPolicy {
	return s.Retry.withDefaults()
}

// EffectiveTimeout returns the step timeout, falling back to DefaultStepTimeout
func (s *StepDefinition) EffectiveTimeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultStepTimeout
	}
	return s.Timeout
}

// EffectiveOutputKey returns the context key for the step output
func (s *StepDefinition) EffectiveOutputKey() string {
	if s.OutputKey == "" {
		return s.ID
	}
	return s.OutputKey
}

// HasCondition reports whether the step is conditional
func (s *StepDefinition) HasCondition() bool {
	return s.Condition != ""
}

func (s StepDefinition) clone() StepDefinition {
	if s.Input != nil {
		input := make(map[string]string, len(s.Input))
		for k, v := range s.Input {
			input[k] = v
		}
		s.Input = input
	}
	return s
}
