package hubflow

import "time"

// RetryPolicy holds step-level retry parameters
type RetryPolicy struct {
	// Total attempts including the first one
	MaxAttempts int           `json:"maxAttempts" yaml:"max_attempts" validate:"omitempty,gte=1"`
	BaseDelay   time.Duration `json:"baseDelay" yaml:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `json:"maxDelay" yaml:"max_delay" validate:"gte=0"`
	Jitter      bool          `json:"jitter" yaml:"jitter"`
}

// FailurePolicy decides what happens to a run when a step fails for good
type FailurePolicy string

const (
	// FailurePolicyAbort fails the run; remaining steps never run
	FailurePolicyAbort FailurePolicy = "ABORT"
	// FailurePolicyContinueOnError records the failure and advances; the run ends Failed
	FailurePolicyContinueOnError FailurePolicy = "CONTINUE_ON_ERROR"
)

// String returns the string representation
func (p FailurePolicy) String() string {
	return string(p)
}

// Defaults
const (
	DefaultStepTimeout = 30 * time.Second
	DefaultDedupWindow = 24 * time.Hour
	DefaultLeaseTTL    = time.Minute
)

// DefaultRetryPolicy provides sensible defaults
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    60 * time.Second,
	Jitter:      true,
}

// withDefaults fills zero fields from DefaultRetryPolicy
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	return p
}

// StepOption allows functional configuration of step definitions
type StepOption func(*StepDefinition)

// WithRetryPolicy replaces the step retry policy
func WithRetryPolicy(policy RetryPolicy) StepOption {
	return func(s *StepDefinition) {
		s.Retry = policy
	}
}

// WithMaxAttempts sets the total number of attempts
func WithMaxAttempts(attempts int) StepOption {
	return func(s *StepDefinition) {
		s.Retry.MaxAttempts = attempts
	}
}

// WithRetryDelay sets the base and maximum retry delays
func WithRetryDelay(base, max time.Duration) StepOption {
	return func(s *StepDefinition) {
		s.Retry.BaseDelay = base
		s.Retry.MaxDelay = max
	}
}

// WithJitter toggles retry jitter
func WithJitter(jitter bool) StepOption {
	return func(s *StepDefinition) {
		s.Retry.Jitter = jitter
	}
}

// WithTimeout sets the step timeout
func WithTimeout(d time.Duration) StepOption {
	return func(s *StepDefinition) {
		s.Timeout = d
	}
}

// WithCondition sets the expression that must hold for the step to run
func WithCondition(expression string) StepOption {
	return func(s *StepDefinition) {
		s.Condition = expression
	}
}

// WithOutputKey sets the context key the step output is stored under
func WithOutputKey(key string) StepOption {
	return func(s *StepDefinition) {
		s.OutputKey = key
	}
}

// WithInput adds one input mapping entry
func WithInput(name, mapping string) StepOption {
	return func(s *StepDefinition) {
		if s.Input == nil {
			s.Input = make(map[string]string)
		}
		s.Input[name] = mapping
	}
}
