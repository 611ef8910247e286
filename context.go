package hubflow

import (
	"encoding/json"
	"fmt"
)

// ContextEntry is one key written into a run context
type ContextEntry struct {
	Key    string `json:"key" dynamodbav:"key"`
	Value  any    `json:"value" dynamodbav:"value"`
	StepID string `json:"stepId" dynamodbav:"step_id"`
}

// RunContext is the ordered key/value state a run accumulates from completed steps.
// Keys keep their first insertion position; writing an existing key replaces its value.
type RunContext struct {
	Entries []ContextEntry `json:"entries" dynamodbav:"entries"`
}

// NewRunContext creates an empty run context
func NewRunContext() *RunContext {
	return &RunContext{Entries: []ContextEntry{}}
}

// Set stores value under key, recording the step that wrote it
func (c *RunContext) Set(key string, value any, stepID string) {
	for i := range c.Entries {
		if c.Entries[i].Key == key {
			c.Entries[i].Value = value
			c.Entries[i].StepID = stepID
			return
		}
	}
	c.Entries = append(c.Entries, ContextEntry{Key: key, Value: value, StepID: stepID})
}

// Get retrieves the value stored under key
func (c *RunContext) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	for _, entry := range c.Entries {
		if entry.Key == key {
			return entry.Value, true
		}
	}
	return nil, false
}

// Has checks if a key exists
func (c *RunContext) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Keys returns the keys in insertion order
func (c *RunContext) Keys() []string {
	if c == nil {
		return []string{}
	}
	keys := make([]string, 0, len(c.Entries))
	for _, entry := range c.Entries {
		keys = append(keys, entry.Key)
	}
	return keys
}

// Len returns the number of keys
func (c *RunContext) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Entries)
}

// Map returns the context as a plain map, used as expression and mapping environment
func (c *RunContext) Map() map[string]any {
	out := make(map[string]any, c.Len())
	if c == nil {
		return out
	}
	for _, entry := range c.Entries {
		out[entry.Key] = entry.Value
	}
	return out
}

// Clone returns a copy whose entry list can be mutated independently
func (c *RunContext) Clone() *RunContext {
	if c == nil {
		return nil
	}
	entries := make([]ContextEntry, len(c.Entries))
	copy(entries, c.Entries)
	return &RunContext{Entries: entries}
}

// GetTyped is a generic function for type-safe context retrieval.
// Values are round-tripped through JSON so numeric and struct targets decode as expected.
func GetTyped[T any](c *RunContext, key string) (T, error) {
	var result T
	value, ok := c.Get(key)
	if !ok {
		return result, fmt.Errorf("context key %s not found", key)
	}
	if typed, ok := value.(T); ok {
		return typed, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return result, fmt.Errorf("failed to marshal context value for key %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal context value for key %s: %w", key, err)
	}
	return result, nil
}
