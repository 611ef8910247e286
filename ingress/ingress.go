// Package ingress turns inbound envelopes into stored events and starts the
// runs their matching definitions describe.
package ingress

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sicko7947/hubflow"
	"github.com/xeipuuv/gojsonschema"
)

// RawEvent is the submission envelope accepted from any transport
type RawEvent struct {
	SourceSystem   string         `json:"source_system" validate:"required"`
	Type           string         `json:"type" validate:"required"`
	Payload        map[string]any `json:"payload" validate:"required"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" validate:"omitempty,max=512"`
}

// SourceConfig registers an upstream system allowed to submit events
type SourceConfig struct {
	Name string `json:"name" yaml:"name" validate:"required"`
	// Types is an optional allow-list of event types
	Types []string `json:"types,omitempty" yaml:"types"`
	// Schema is an optional JSON schema every payload must satisfy
	Schema map[string]any `json:"schema,omitempty" yaml:"schema"`
}

// Matcher selects the definitions an event triggers
type Matcher interface {
	Match(event *hubflow.Event) []*hubflow.WorkflowDefinition
}

// RunCreator starts a run of def for event. Starting the same definition for
// the same event again must return the existing run, so a resubmission can
// complete a partially triggered event.
type RunCreator interface {
	CreateRun(ctx context.Context, def *hubflow.WorkflowDefinition, event *hubflow.Event) (*hubflow.WorkflowRun, error)
}

// EventStore persists accepted events
type EventStore interface {
	CreateEvent(ctx context.Context, event *hubflow.Event) error
	GetEvent(ctx context.Context, eventID string) (*hubflow.Event, error)
}

// Result describes what a submission produced
type Result struct {
	EventID   string
	Duplicate bool
	RunIDs    []string
}

type source struct {
	config SourceConfig
	schema *gojsonschema.Schema
}

// Ingress validates, deduplicates and stores events, then triggers runs
type Ingress struct {
	store    EventStore
	matcher  Matcher
	runs     RunCreator
	dedup    DedupCache
	validate *validator.Validate
	logger   zerolog.Logger
	window   time.Duration
	now      func() time.Time
	newID    func() string

	mu      sync.RWMutex
	sources map[string]*source
	// open accepts any source when no source has been registered
	open bool
}

// Option configures an Ingress
type Option func(*Ingress)

// WithLogger sets the ingress logger
func WithLogger(logger zerolog.Logger) Option {
	return func(i *Ingress) {
		i.logger = logger
	}
}

// WithDedupCache replaces the in-memory dedup cache
func WithDedupCache(cache DedupCache) Option {
	return func(i *Ingress) {
		i.dedup = cache
	}
}

// WithDedupWindow sets how long an idempotency key suppresses resubmissions
func WithDedupWindow(window time.Duration) Option {
	return func(i *Ingress) {
		i.window = window
	}
}

// WithOpenSources accepts events from sources that were never registered
func WithOpenSources() Option {
	return func(i *Ingress) {
		i.open = true
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(i *Ingress) {
		i.now = now
	}
}

// New creates an ingress
func New(store EventStore, matcher Matcher, runs RunCreator, opts ...Option) *Ingress {
	i := &Ingress{
		store:    store,
		matcher:  matcher,
		runs:     runs,
		dedup:    NewMemoryDedup(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   zerolog.Nop(),
		window:   hubflow.DefaultDedupWindow,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		sources:  make(map[string]*source),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// RegisterSource allows events from cfg.Name, compiling its schema if any
func (i *Ingress) RegisterSource(cfg SourceConfig) error {
	if err := i.validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid source config: %w", err)
	}

	src := &source{config: cfg}
	if len(cfg.Schema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(cfg.Schema))
		if err != nil {
			return fmt.Errorf("invalid schema for source %s: %w", cfg.Name, err)
		}
		src.schema = schema
	}

	i.mu.Lock()
	i.sources[cfg.Name] = src
	i.mu.Unlock()
	return nil
}

// Sources returns the registered source names
func (i *Ingress) Sources() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	names := make([]string, 0, len(i.sources))
	for name := range i.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Submit accepts raw and returns the id of the stored event.
// A resubmitted idempotency key inside the window returns the original id
// and starts any run of the original event that failed to start before.
// When the event is stored but a run fails to start, both the id and the
// error are returned; the caller should resubmit with the same key.
func (i *Ingress) Submit(ctx context.Context, raw RawEvent) (string, error) {
	res, err := i.SubmitDetailed(ctx, raw)
	if res == nil {
		return "", err
	}
	return res.EventID, err
}

// SubmitDetailed is Submit reporting duplicates and the runs created
func (i *Ingress) SubmitDetailed(ctx context.Context, raw RawEvent) (*Result, error) {
	if err := i.check(raw); err != nil {
		hubflow.LogEventRejected(i.logger, raw.SourceSystem, err)
		return nil, err
	}

	event := &hubflow.Event{
		ID:             i.newID(),
		SourceSystem:   raw.SourceSystem,
		Type:           raw.Type,
		Payload:        raw.Payload,
		IdempotencyKey: raw.IdempotencyKey,
		ReceivedAt:     i.now().UTC(),
	}

	dedupKey := ""
	if raw.IdempotencyKey != "" {
		dedupKey = raw.SourceSystem + ":" + raw.IdempotencyKey
		existing, reserved, err := i.dedup.Reserve(ctx, dedupKey, event.ID, i.window)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if !reserved {
			hubflow.LogEventDuplicate(i.logger, existing, raw.IdempotencyKey)
			return i.resume(ctx, existing)
		}
	}

	if err := i.store.CreateEvent(ctx, event); err != nil {
		if dedupKey != "" {
			if relErr := i.dedup.Release(ctx, dedupKey, event.ID); relErr != nil {
				i.logger.Warn().Err(relErr).Str("event_id", event.ID).Msg("Failed to release idempotency key")
			}
		}
		return nil, fmt.Errorf("failed to store event: %w", err)
	}

	res := &Result{EventID: event.ID}
	var err error
	res.RunIDs, err = i.trigger(ctx, event)
	return res, err
}

// resume answers a duplicate submission. Runs of the original event are
// started again; the ones that already exist are returned as they are.
func (i *Ingress) resume(ctx context.Context, eventID string) (*Result, error) {
	res := &Result{EventID: eventID, Duplicate: true}

	event, err := i.store.GetEvent(ctx, eventID)
	if hubflow.IsNotFound(err) {
		// The first submission still owns the key and has not stored the event yet
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to load event %s: %w", eventID, err)
	}

	res.RunIDs, err = i.trigger(ctx, event)
	return res, err
}

// trigger starts a run for every definition event matches.
// A failing definition does not stop the others; the first error is returned.
func (i *Ingress) trigger(ctx context.Context, event *hubflow.Event) ([]string, error) {
	matched := i.matcher.Match(event)
	runIDs := make([]string, 0, len(matched))

	var firstErr error
	for _, def := range matched {
		run, err := i.runs.CreateRun(ctx, def, event)
		if err != nil {
			i.logger.Error().
				Err(err).
				Str("event_id", event.ID).
				Str("definition", def.Key()).
				Msg("Failed to create run")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to create run for %s: %w", def.Key(), err)
			}
			continue
		}
		runIDs = append(runIDs, run.RunID)
	}

	hubflow.LogEventAccepted(i.logger, event.ID, event.SourceSystem, event.Type, len(matched))
	return runIDs, firstErr
}

func (i *Ingress) check(raw RawEvent) error {
	if err := i.validate.Struct(raw); err != nil {
		return hubflow.NewIngestError(hubflow.KindMalformedPayload, "%v", err)
	}

	i.mu.RLock()
	src, ok := i.sources[raw.SourceSystem]
	open := i.open
	i.mu.RUnlock()

	if !ok {
		if open {
			return nil
		}
		return hubflow.NewIngestError(hubflow.KindUnknownSource, "source %s is not registered", raw.SourceSystem)
	}

	if len(src.config.Types) > 0 && !slices.Contains(src.config.Types, raw.Type) {
		return hubflow.NewIngestError(hubflow.KindMalformedPayload, "type %s is not accepted from source %s", raw.Type, raw.SourceSystem)
	}

	if src.schema != nil {
		result, err := src.schema.Validate(gojsonschema.NewGoLoader(raw.Payload))
		if err != nil {
			return hubflow.NewIngestError(hubflow.KindMalformedPayload, "payload is not valid JSON: %v", err)
		}
		if !result.Valid() {
			var errs []string
			for _, desc := range result.Errors() {
				errs = append(errs, desc.String())
			}
			return hubflow.NewIngestError(hubflow.KindMalformedPayload, "validation errors: %s", strings.Join(errs, "; "))
		}
	}

	return nil
}
