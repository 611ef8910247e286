package hubflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// TriggerMatcher selects the events a definition reacts to.
// Empty fields match anything.
type TriggerMatcher struct {
	Source string `json:"source,omitempty" yaml:"source"`
	Type   string `json:"type,omitempty" yaml:"type"`
	// When is an expr predicate evaluated against the event document
	When string `json:"when,omitempty" yaml:"when"`
}

// Specificity counts the constrained fields; more specific matchers are preferred
func (m TriggerMatcher) Specificity() int {
	n := 0
	if m.Source != "" {
		n++
	}
	if m.Type != "" {
		n++
	}
	if m.When != "" {
		n++
	}
	return n
}

// WorkflowDefinition is the named, versioned pipeline blueprint
type WorkflowDefinition struct {
	ID          string            `json:"id" yaml:"id" validate:"required"`
	Version     int               `json:"version" yaml:"version" validate:"gte=1"`
	Name        string            `json:"name,omitempty" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description"`
	Trigger     TriggerMatcher    `json:"trigger" yaml:"trigger"`
	Steps       []StepDefinition  `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
	OnFailure   FailurePolicy     `json:"onFailure" yaml:"on_failure" validate:"omitempty,oneof=ABORT CONTINUE_ON_ERROR"`
	Tags        map[string]string `json:"tags,omitempty" yaml:"tags"`
	CreatedAt   time.Time         `json:"createdAt" yaml:"-"`
}

// Key returns the id@version identity of the definition
func (d *WorkflowDefinition) Key() string {
	return fmt.Sprintf("%s@%d", d.ID, d.Version)
}

// EffectiveFailurePolicy returns the failure policy, defaulting to Abort
func (d *WorkflowDefinition) EffectiveFailurePolicy() FailurePolicy {
	if d.OnFailure == "" {
		return FailurePolicyAbort
	}
	return d.OnFailure
}

// GetStep retrieves a step by ID
func (d *WorkflowDefinition) GetStep(stepID string) (*StepDefinition, int, error) {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return &d.Steps[i], i, nil
		}
	}
	return nil, -1, fmt.Errorf("step %s not found in definition %s", stepID, d.Key())
}

// Validate checks the structure of the definition.
// Expressions are compiled by the registry, not here.
func (d *WorkflowDefinition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid definition %s: %w", d.Key(), err)
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if seen[step.ID] {
			return fmt.Errorf("invalid definition %s: duplicate step id %s", d.Key(), step.ID)
		}
		seen[step.ID] = true
	}
	return nil
}

// Fingerprint hashes the definition content, ignoring registration time
func (d *WorkflowDefinition) Fingerprint() (string, error) {
	c := *d
	c.CreatedAt = time.Time{}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal definition %s: %w", d.Key(), err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Clone returns a deep copy of the definition
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	c := *d
	c.Steps = make([]StepDefinition, len(d.Steps))
	for i, step := range d.Steps {
		c.Steps[i] = step.clone()
	}
	if d.Tags != nil {
		c.Tags = make(map[string]string, len(d.Tags))
		for k, v := range d.Tags {
			c.Tags[k] = v
		}
	}
	return &c
}
