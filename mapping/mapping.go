// Package mapping evaluates step conditions, trigger predicates and input
// mappings against the document {event, context} a step can see.
//
// Input mapping values come in three forms:
//
//	$event.payload.subject   dotted path into the document
//	=context.issue_id + "!"  expr expression
//	plain text               literal string
//
// Conditions and predicates are expr boolean expressions. A missing context
// entry reads as nil, but member access on nil is an evaluation error that
// fails the step. Chain with ?. and default with ?? when an entry may be
// absent, for example after a skipped or failed step:
//
//	context.issue?.id == "ISS-1"
//	any(context.labels ?? [], # == "urgent")
package mapping

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Jeffail/gabs/v2"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/sicko7947/hubflow"
)

const (
	pathPrefix       = "$"
	expressionPrefix = "="
)

// Document roots
const (
	RootEvent   = "event"
	RootContext = "context"
)

// Env builds the evaluation document for an event and the context visible to a step
func Env(event *hubflow.Event, rc *hubflow.RunContext) map[string]any {
	var doc map[string]any
	if event != nil {
		doc = event.Document()
	} else {
		doc = map[string]any{}
	}
	return map[string]any{
		RootEvent:   doc,
		RootContext: rc.Map(),
	}
}

// Evaluator compiles and caches expr programs by source text
type Evaluator struct {
	programs sync.Map // source -> *vm.Program
}

// NewEvaluator creates an evaluator with an empty program cache
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

var defaultEvaluator = NewEvaluator()

// Default returns the process-wide evaluator
func Default() *Evaluator {
	return defaultEvaluator
}

func compileOptions(predicate bool) []expr.Option {
	// The env shape is fixed; values inside it are dynamic
	opts := []expr.Option{
		expr.Env(map[string]any{RootEvent: map[string]any{}, RootContext: map[string]any{}}),
		expr.AllowUndefinedVariables(),
	}
	if predicate {
		opts = append(opts, expr.AsBool())
	}
	return opts
}

func (e *Evaluator) compile(source string, predicate bool) (*vm.Program, error) {
	key := source
	if predicate {
		key = "?" + source
	}
	if cached, ok := e.programs.Load(key); ok {
		return cached.(*vm.Program), nil
	}

	program, err := expr.Compile(source, compileOptions(predicate)...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", source, err)
	}

	e.programs.Store(key, program)
	return program, nil
}

// CompilePredicate checks that source compiles as a boolean expression
func (e *Evaluator) CompilePredicate(source string) error {
	_, err := e.compile(source, true)
	return err
}

// CompileInput checks every expression in an input mapping
func (e *Evaluator) CompileInput(input map[string]string) error {
	for name, value := range input {
		switch {
		case strings.HasPrefix(value, expressionPrefix):
			if _, err := e.compile(strings.TrimPrefix(value, expressionPrefix), false); err != nil {
				return fmt.Errorf("input %s: %w", name, err)
			}
		case strings.HasPrefix(value, pathPrefix):
			if err := validatePath(strings.TrimPrefix(value, pathPrefix)); err != nil {
				return fmt.Errorf("input %s: %w", name, err)
			}
		}
	}
	return nil
}

// Predicate evaluates a boolean expression; an empty source is true
func (e *Evaluator) Predicate(source string, env map[string]any) (bool, error) {
	if strings.TrimSpace(source) == "" {
		return true, nil
	}

	program, err := e.compile(source, true)
	if err != nil {
		return false, err
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate %q (use ?. for entries that may be missing): %w", source, err)
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", source, out)
	}
	return result, nil
}

// Resolve produces the adapter input for a step from its mapping
func (e *Evaluator) Resolve(input map[string]string, env map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(input))
	if len(input) == 0 {
		return resolved, nil
	}

	var doc *gabs.Container
	for name, value := range input {
		switch {
		case strings.HasPrefix(value, expressionPrefix):
			source := strings.TrimPrefix(value, expressionPrefix)
			program, err := e.compile(source, false)
			if err != nil {
				return nil, fmt.Errorf("input %s: %w", name, err)
			}
			out, err := expr.Run(program, env)
			if err != nil {
				return nil, fmt.Errorf("input %s: failed to evaluate %q: %w", name, source, err)
			}
			resolved[name] = out

		case strings.HasPrefix(value, pathPrefix):
			if doc == nil {
				var err error
				if doc, err = normalize(env); err != nil {
					return nil, err
				}
			}
			path := strings.TrimPrefix(value, pathPrefix)
			if !doc.ExistsP(path) {
				return nil, fmt.Errorf("input %s: path %s not found", name, path)
			}
			resolved[name] = doc.Path(path).Data()

		default:
			resolved[name] = value
		}
	}

	return resolved, nil
}

// normalize turns arbitrary Go values into plain JSON shapes so gabs can walk them
func normalize(env map[string]any) (*gabs.Container, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mapping document: %w", err)
	}
	doc, err := gabs.ParseJSON(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mapping document: %w", err)
	}
	return doc, nil
}

func validatePath(path string) error {
	root, _, _ := strings.Cut(path, ".")
	if root != RootEvent && root != RootContext {
		return fmt.Errorf("path %s must start with %s or %s", path, RootEvent, RootContext)
	}
	return nil
}
