package email_triage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/engine"
	"github.com/sicko7947/hubflow/ingress"
	"github.com/sicko7947/hubflow/registry"
)

// Orchestrator wires the triage definition, fake systems, engine and ingress
type Orchestrator struct {
	Registry *registry.Registry
	Engine   *engine.Engine
	Ingress  *ingress.Ingress
	Systems  *Systems
	logger   zerolog.Logger
}

// NewOrchestrator creates an email triage orchestrator over store
func NewOrchestrator(
	store hubflow.Store,
	logger zerolog.Logger,
	config engine.EngineConfig,
) (*Orchestrator, error) {
	def, err := NewEmailTriageDefinition()
	if err != nil {
		return nil, err
	}

	reg := registry.New(registry.WithLogger(logger))
	if err := reg.Register(def); err != nil {
		return nil, fmt.Errorf("failed to register email triage definition: %w", err)
	}

	systems := NewSystems()
	eng := engine.NewEngine(store, reg, systems,
		engine.WithLogger(logger),
		engine.WithConfig(config),
	)

	in := ingress.New(store, reg, eng, ingress.WithLogger(logger))
	if err := in.RegisterSource(ingress.SourceConfig{
		Name:  SourceMail,
		Types: []string{TypeMessageReceived},
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"subject", "from"},
			"properties": map[string]any{
				"subject":  map[string]any{"type": "string", "minLength": 1},
				"from":     map[string]any{"type": "string"},
				"priority": map[string]any{"enum": []any{"low", "normal", "high"}},
			},
		},
	}); err != nil {
		return nil, err
	}

	return &Orchestrator{
		Registry: reg,
		Engine:   eng,
		Ingress:  in,
		Systems:  systems,
		logger:   logger,
	}, nil
}

// SubmitEmail accepts an email and returns the ids of the runs it started
func (o *Orchestrator) SubmitEmail(ctx context.Context, email Email) (*ingress.Result, error) {
	o.logger.Info().
		Str("message_id", email.MessageID).
		Str("subject", email.Subject).
		Msg("Submitting email")

	res, err := o.Ingress.SubmitDetailed(ctx, email.Envelope())
	if err != nil {
		return res, fmt.Errorf("failed to submit email %s: %w", email.MessageID, err)
	}
	return res, nil
}

// GetStatus returns a run and its step history
func (o *Orchestrator) GetStatus(ctx context.Context, runID string) (*TriageStatus, error) {
	run, err := o.Engine.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	steps, err := o.Engine.GetStepExecutions(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get step executions: %w", err)
	}
	return &TriageStatus{WorkflowRun: run, Steps: steps}, nil
}

// Start launches the worker pool
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.Engine.Start(ctx)
}

// Stop drains the worker pool
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.Engine.Stop(ctx)
}
