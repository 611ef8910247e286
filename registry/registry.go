// Package registry holds versioned workflow definitions and matches events to them.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/mapping"
)

type entry struct {
	def         *hubflow.WorkflowDefinition
	fingerprint string
	seq         int
}

// Registry stores definitions keyed by id and version
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]map[int]*entry
	seq       int
	evaluator *mapping.Evaluator
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the registry logger
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithEvaluator sets the expression evaluator used for matchers
func WithEvaluator(ev *mapping.Evaluator) Option {
	return func(r *Registry) {
		r.evaluator = ev
	}
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		byID:      make(map[string]map[int]*entry),
		evaluator: mapping.Default(),
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a definition. Re-registering identical content is a no-op.
func (r *Registry) Register(def *hubflow.WorkflowDefinition) error {
	if def == nil {
		return &hubflow.RegistryError{Kind: hubflow.KindInvalidMatcher, Message: "definition is nil"}
	}

	if err := r.check(def); err != nil {
		return err
	}

	fingerprint, err := def.Fingerprint()
	if err != nil {
		return &hubflow.RegistryError{
			Kind:         hubflow.KindInvalidMatcher,
			DefinitionID: def.ID,
			Version:      def.Version,
			Message:      err.Error(),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.byID[def.ID]
	if !ok {
		versions = make(map[int]*entry)
		r.byID[def.ID] = versions
	}

	if existing, ok := versions[def.Version]; ok {
		if existing.fingerprint == fingerprint {
			return nil
		}
		return &hubflow.RegistryError{
			Kind:         hubflow.KindDuplicateVersion,
			DefinitionID: def.ID,
			Version:      def.Version,
			Message:      "version already registered with different content",
		}
	}

	stored := def.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	r.seq++
	versions[def.Version] = &entry{def: stored, fingerprint: fingerprint, seq: r.seq}

	r.logger.Info().
		Str("definition_id", def.ID).
		Int("version", def.Version).
		Int("steps", len(def.Steps)).
		Msg("Definition registered")

	return nil
}

// check validates structure and compiles every expression in the definition
func (r *Registry) check(def *hubflow.WorkflowDefinition) error {
	invalid := func(format string, args ...any) error {
		return &hubflow.RegistryError{
			Kind:         hubflow.KindInvalidMatcher,
			DefinitionID: def.ID,
			Version:      def.Version,
			Message:      fmt.Sprintf(format, args...),
		}
	}

	if err := def.Validate(); err != nil {
		return invalid("%v", err)
	}
	if def.Trigger.When != "" {
		if err := r.evaluator.CompilePredicate(def.Trigger.When); err != nil {
			return invalid("trigger: %v", err)
		}
	}
	for _, step := range def.Steps {
		if step.HasCondition() {
			if err := r.evaluator.CompilePredicate(step.Condition); err != nil {
				return invalid("step %s condition: %v", step.ID, err)
			}
		}
		if err := r.evaluator.CompileInput(step.Input); err != nil {
			return invalid("step %s: %v", step.ID, err)
		}
	}
	return nil
}

// Get returns a specific definition version
func (r *Registry) Get(id string, version int) (*hubflow.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.byID[id][version]; ok {
		return e.def.Clone(), nil
	}
	return nil, hubflow.NewPersistenceError(hubflow.KindNotFound, fmt.Sprintf("definition %s@%d not found", id, version), nil)
}

// Latest returns the highest registered version of a definition
func (r *Registry) Latest(id string) (*hubflow.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e := latest(r.byID[id]); e != nil {
		return e.def.Clone(), nil
	}
	return nil, hubflow.NewPersistenceError(hubflow.KindNotFound, fmt.Sprintf("definition %s not found", id), nil)
}

// List returns every registered version ordered by id then version
func (r *Registry) List() []*hubflow.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*hubflow.WorkflowDefinition, 0, len(r.byID))
	for _, versions := range r.byID {
		for _, e := range versions {
			defs = append(defs, e.def.Clone())
		}
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].ID != defs[j].ID {
			return defs[i].ID < defs[j].ID
		}
		return defs[i].Version < defs[j].Version
	})
	return defs
}

// Match returns the latest version of every definition whose trigger accepts
// the event, most specific first, then in registration order.
// A trigger whose predicate fails at runtime does not match.
func (r *Registry) Match(event *hubflow.Event) []*hubflow.WorkflowDefinition {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.byID))
	for _, versions := range r.byID {
		if e := latest(versions); e != nil {
			candidates = append(candidates, e)
		}
	}
	r.mu.RUnlock()

	env := mapping.Env(event, nil)
	matched := make([]*entry, 0, len(candidates))
	for _, e := range candidates {
		trigger := e.def.Trigger
		if trigger.Source != "" && trigger.Source != event.SourceSystem {
			continue
		}
		if trigger.Type != "" && trigger.Type != event.Type {
			continue
		}
		ok, err := r.evaluator.Predicate(trigger.When, env)
		if err != nil {
			r.logger.Warn().
				Err(err).
				Str("definition_id", e.def.ID).
				Str("event_id", event.ID).
				Msg("Trigger predicate failed")
			continue
		}
		if ok {
			matched = append(matched, e)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		si, sj := matched[i].def.Trigger.Specificity(), matched[j].def.Trigger.Specificity()
		if si != sj {
			return si > sj
		}
		return matched[i].seq < matched[j].seq
	})

	defs := make([]*hubflow.WorkflowDefinition, len(matched))
	for i, e := range matched {
		defs[i] = e.def.Clone()
	}
	return defs
}

func latest(versions map[int]*entry) *entry {
	var best *entry
	for v, e := range versions {
		if best == nil || v > best.def.Version {
			best = e
		}
	}
	return best
}
