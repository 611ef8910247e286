package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sicko7947/hubflow"
)

// DefaultRecentNotifications is the size of the activity feed kept by NewMonitor
const DefaultRecentNotifications = 200

// ActionMetrics counts step outcomes for one action type. Every failed
// attempt counts, including ones that are retried later.
type ActionMetrics struct {
	ActionType  string     `json:"actionType"`
	Successes   int64      `json:"successes"`
	Failures    int64      `json:"failures"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   *time.Time `json:"lastError,omitempty"`
	LastMessage string     `json:"lastErrorMessage,omitempty"`
}

// Metrics is a point-in-time view of engine activity since the monitor started
type Metrics struct {
	Actions []ActionMetrics             `json:"actions"`
	Runs    map[hubflow.RunStatus]int64 `json:"runs"`
	Since   time.Time                   `json:"since"`
}

// Monitor is a Notifier that keeps per-action counters and a bounded feed
// of the most recent notifications. It holds no state across restarts.
type Monitor struct {
	mu      sync.RWMutex
	recent  []Notification
	next    int
	full    bool
	actions map[string]*ActionMetrics
	runs    map[hubflow.RunStatus]int64
	since   time.Time
}

// NewMonitor creates a monitor keeping the last size notifications
func NewMonitor(size int) *Monitor {
	if size <= 0 {
		size = DefaultRecentNotifications
	}
	return &Monitor{
		recent:  make([]Notification, size),
		actions: make(map[string]*ActionMetrics),
		runs:    make(map[hubflow.RunStatus]int64),
		since:   time.Now(),
	}
}

// Notify implements Notifier
func (m *Monitor) Notify(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recent[m.next] = n
	m.next = (m.next + 1) % len(m.recent)
	if m.next == 0 {
		m.full = true
	}

	switch n.Event {
	case hubflow.EventStepSucceeded:
		am := m.action(n.ActionType)
		am.Successes++
		am.LastSuccess = hubflow.ToPtr(n.At)
	case hubflow.EventStepFailed:
		am := m.action(n.ActionType)
		am.Failures++
		am.LastError = hubflow.ToPtr(n.At)
		am.LastMessage = n.Error
	case hubflow.EventRunSucceeded, hubflow.EventRunFailed, hubflow.EventRunCancelled:
		m.runs[n.Status]++
	}
	return nil
}

func (m *Monitor) action(actionType string) *ActionMetrics {
	am, ok := m.actions[actionType]
	if !ok {
		am = &ActionMetrics{ActionType: actionType}
		m.actions[actionType] = am
	}
	return am
}

// Recent returns up to limit notifications, newest first.
// A limit of zero or less returns everything kept.
func (m *Monitor) Recent(limit int) []Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := m.next
	if m.full {
		count = len(m.recent)
	}
	if limit <= 0 || limit > count {
		limit = count
	}

	out := make([]Notification, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.recent)) % len(m.recent)
		out = append(out, m.recent[idx])
	}
	return out
}

// Metrics returns the counters, ordered by action type
func (m *Monitor) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Metrics{
		Actions: make([]ActionMetrics, 0, len(m.actions)),
		Runs:    make(map[hubflow.RunStatus]int64, len(m.runs)),
		Since:   m.since,
	}
	for _, am := range m.actions {
		c := *am
		if am.LastSuccess != nil {
			c.LastSuccess = hubflow.ToPtr(*am.LastSuccess)
		}
		if am.LastError != nil {
			c.LastError = hubflow.ToPtr(*am.LastError)
		}
		snap.Actions = append(snap.Actions, c)
	}
	sort.Slice(snap.Actions, func(i, j int) bool {
		return snap.Actions[i].ActionType < snap.Actions[j].ActionType
	})
	for status, n := range m.runs {
		snap.Runs[status] = n
	}
	return snap
}
