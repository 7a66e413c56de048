package presence

import (
	"context"
	"fmt"
	"sync"
)

// EventType is the direction of a presence change
type EventType string

const (
	Join  EventType = "JOIN"
	Leave EventType = "LEAVE"
)

// Event is a change in the number of connected stations
type Event struct {
	Type     EventType `json:"type"`
	Previous int       `json:"previous"`
	Current  int       `json:"current"`
	Delta    int       `json:"delta"`
}

// Counter reports how many stations are currently connected
type Counter interface {
	StationCount(ctx context.Context) (int, error)
}

// CounterFunc adapts a function to the Counter interface
type CounterFunc func(ctx context.Context) (int, error)

// StationCount implements Counter
func (f CounterFunc) StationCount(ctx context.Context) (int, error) {
	return f(ctx)
}

// Monitor compares each sample with the previous one
type Monitor struct {
	counter Counter

	last   int
	primed bool
	mu     sync.RWMutex
}

// NewMonitor creates a monitor reading from counter
func NewMonitor(counter Counter) *Monitor {
	return &Monitor{counter: counter}
}

// Init reads the baseline count without emitting an event
func (m *Monitor) Init(ctx context.Context) (int, error) {
	n, err := m.counter.StationCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read station count: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = n
	m.primed = true
	return n, nil
}

// Poll samples the counter and returns an event when the count changed.
// The first successful sample only sets the baseline if Init was not called.
func (m *Monitor) Poll(ctx context.Context) (Event, bool, error) {
	n, err := m.counter.StationCount(ctx)
	if err != nil {
		return Event{}, false, fmt.Errorf("failed to read station count: %w", err)
	}

	ev, ok := m.Observe(n)
	return ev, ok, nil
}

// Observe feeds one sample to the monitor
func (m *Monitor) Observe(count int) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.primed {
		m.last = count
		m.primed = true
		return Event{}, false
	}

	prev := m.last
	m.last = count

	switch {
	case count > prev:
		return Event{Type: Join, Previous: prev, Current: count, Delta: count - prev}, true
	case count < prev:
		return Event{Type: Leave, Previous: prev, Current: count, Delta: count - prev}, true
	default:
		return Event{}, false
	}
}

// Count returns the last observed station count
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}
