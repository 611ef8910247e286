package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sicko7947/hubflow"
)

// Mux routes action types to the adapter that owns them.
// Unknown action types fail permanently.
type Mux struct {
	mu     sync.RWMutex
	routes map[string]hubflow.Adapter
}

// NewMux creates an empty action router
func NewMux() *Mux {
	return &Mux{routes: make(map[string]hubflow.Adapter)}
}

// Handle registers a for actionType, replacing any previous route
func (m *Mux) Handle(actionType string, a hubflow.Adapter) *Mux {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[actionType] = a
	return m
}

// HandleFunc registers a function for actionType
func (m *Mux) HandleFunc(actionType string, fn func(ctx context.Context, input map[string]any) (map[string]any, error)) *Mux {
	return m.Handle(actionType, hubflow.AdapterFunc(func(ctx context.Context, _ string, input map[string]any) (map[string]any, error) {
		return fn(ctx, input)
	}))
}

// Actions returns the registered action types in sorted order
func (m *Mux) Actions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	actions := make([]string, 0, len(m.routes))
	for action := range m.routes {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// Execute implements hubflow.Adapter
func (m *Mux) Execute(ctx context.Context, actionType string, input map[string]any) (map[string]any, error) {
	m.mu.RLock()
	a, ok := m.routes[actionType]
	m.mu.RUnlock()

	if !ok {
		return nil, hubflow.Permanent(fmt.Sprintf("no adapter for action type %q", actionType), nil)
	}
	return a.Execute(ctx, actionType, input)
}
