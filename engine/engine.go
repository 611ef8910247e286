package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/mapping"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/sicko7947/hubflow/engine"

// Definitions resolves the definition version a run was created from
type Definitions interface {
	Get(id string, version int) (*hubflow.WorkflowDefinition, error)
}

// Engine orchestrates workflow runs
type Engine struct {
	store     hubflow.Store
	defs      Definitions
	adapter   hubflow.Adapter
	evaluator *mapping.Evaluator
	notifier  Notifier
	tracer    trace.Tracer
	logger    zerolog.Logger
	config    EngineConfig
	owner     string
	now       func() time.Time

	wake     chan struct{}
	draining atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	quit    chan struct{}
	wg      sync.WaitGroup
	running bool
	active  atomic.Int32
}

// EngineConfig holds engine configuration
type EngineConfig struct {
	// Workers is the number of runs processed concurrently by Start
	Workers int
	// LeaseTTL bounds how long a crashed worker keeps a run
	LeaseTTL time.Duration
	// PollInterval is how often idle workers look for claimable runs
	PollInterval time.Duration
	// ClaimBatch is the number of runs fetched per poll
	ClaimBatch int
}

// DefaultEngineConfig provides sensible defaults
var DefaultEngineConfig = EngineConfig{
	Workers:      4,
	LeaseTTL:     hubflow.DefaultLeaseTTL,
	PollInterval: time.Second,
	ClaimBatch:   32,
}

// EngineOption configures the workflow engine
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the engine
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfig sets a custom configuration for the engine
func WithConfig(config EngineConfig) EngineOption {
	return func(e *Engine) {
		e.config = config
	}
}

// WithNotifier publishes run lifecycle notifications
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithTracerProvider sets the tracer provider; the global one is used otherwise
func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// WithOwner sets the lease owner name of this engine instance
func WithOwner(owner string) EngineOption {
	return func(e *Engine) {
		e.owner = owner
	}
}

// WithClock overrides the time source used for leases and retry scheduling
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithEvaluator sets the evaluator for conditions and input mappings
func WithEvaluator(ev *mapping.Evaluator) EngineOption {
	return func(e *Engine) {
		e.evaluator = ev
	}
}

// NewEngine creates a new workflow engine with optional configuration
// If no logger is provided, a default stdout logger with Info level is used
// If no config is provided, DefaultEngineConfig is used
func NewEngine(store hubflow.Store, defs Definitions, adapter hubflow.Adapter, opts ...EngineOption) *Engine {
	// Default logger: pretty console output, Info level
	defaultLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)

	hostname, _ := os.Hostname()

	eng := &Engine{
		store:     store,
		defs:      defs,
		adapter:   adapter,
		evaluator: mapping.Default(),
		notifier:  NopNotifier{},
		tracer:    otel.Tracer(tracerName),
		logger:    defaultLogger,
		config:    DefaultEngineConfig,
		owner:     fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}

	// Apply options
	for _, opt := range opts {
		opt(eng)
	}

	if eng.config.LeaseTTL <= 0 {
		eng.config.LeaseTTL = DefaultEngineConfig.LeaseTTL
	}

	return eng
}

// Owner returns the lease owner name of this engine
func (e *Engine) Owner() string {
	return e.owner
}

// CreateRun persists a Pending run of def triggered by event
func (e *Engine) CreateRun(ctx context.Context, def *hubflow.WorkflowDefinition, event *hubflow.Event) (*hubflow.WorkflowRun, error) {
	now := e.now()
	run := &hubflow.WorkflowRun{
		RunID:             RunID(def, event),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            hubflow.RunStatusPending,
		Context:           hubflow.NewRunContext(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if event != nil {
		run.TriggerEventID = event.ID
	}

	err := e.store.CreateRun(ctx, run)
	if errors.Is(err, hubflow.ErrAlreadyExists) && event != nil {
		// Resubmitted event: the run was started on an earlier attempt
		return e.store.GetRun(ctx, run.RunID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow run: %w", err)
	}

	hubflow.LogRunCreated(e.logger, run.RunID, def.Key(), run.TriggerEventID)
	e.notify(ctx, run, hubflow.EventRunCreated, "", 0, nil)
	e.Wake()

	return run, nil
}

// runNamespace scopes run ids derived from events
var runNamespace = uuid.MustParse("5b0c7a8e-3f41-4d0e-9a55-1c2f7d3e9b60")

// RunID returns the id of the run def starts for event. It is derived from
// the event id and the definition id, so starting the same definition for
// the same event twice yields one run whatever version is current.
// Runs without an event get a random id.
func RunID(def *hubflow.WorkflowDefinition, event *hubflow.Event) string {
	if event == nil {
		return uuid.New().String()
	}
	return uuid.NewSHA1(runNamespace, []byte(event.ID+"/"+def.ID)).String()
}

// Wake nudges idle workers to poll for claimable runs
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// GetRun retrieves workflow run status
func (e *Engine) GetRun(ctx context.Context, runID string) (*hubflow.WorkflowRun, error) {
	return e.store.GetRun(ctx, runID)
}

// GetStepExecutions retrieves all step executions for a run
func (e *Engine) GetStepExecutions(ctx context.Context, runID string) ([]*hubflow.StepExecution, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListStepExecutions(ctx, runID)
}

// ListRuns lists workflow runs with filtering
func (e *Engine) ListRuns(ctx context.Context, filter hubflow.RunFilter) ([]*hubflow.WorkflowRun, error) {
	return e.store.ListRuns(ctx, filter)
}

// Cancel requests cancellation of a run.
// A run no worker holds is cancelled at once; otherwise its worker stops at the next step boundary.
func (e *Engine) Cancel(ctx context.Context, runID string) (*hubflow.WorkflowRun, error) {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to get run: %w", err)
		}

		if run.Status.IsTerminal() {
			return nil, hubflow.NewPersistenceError(hubflow.KindRunTerminal,
				fmt.Sprintf("cannot cancel workflow in %s state", run.Status), nil)
		}

		now := e.now()
		run.CancelRequested = true
		run.UpdatedAt = now
		immediate := !run.LeaseActive(now)
		if immediate {
			markCancelled(run, now)
		}

		err = e.store.UpdateRun(ctx, run)
		if hubflow.IsConflict(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to request cancellation: %w", err)
		}

		if immediate {
			hubflow.LogRunCancelled(e.logger, runID)
			e.notify(ctx, run, hubflow.EventRunCancelled, "", 0, nil)
		} else {
			e.logger.Info().Str("run_id", runID).Str("owner", run.LeaseOwner).Msg("Cancellation requested")
		}
		return run, nil
	}
	return nil, hubflow.NewPersistenceError(hubflow.KindConcurrentUpdate,
		fmt.Sprintf("workflow run %s kept changing while cancelling", runID), nil)
}

func markCancelled(run *hubflow.WorkflowRun, now time.Time) {
	run.Status = hubflow.RunStatusCancelled
	run.CompletedAt = hubflow.ToPtr(now)
	run.NextAttemptAt = nil
	run.LeaseOwner = ""
	run.LeaseExpiresAt = nil
	run.Error = &hubflow.WorkflowError{
		Message:   "run cancelled",
		Code:      hubflow.ErrCodeCancelled,
		Timestamp: now,
	}
}
