// Package effort implements the effort evaluator: a composite score over
// world-model soft constraints, rolling tool metrics, and action risk that
// partitions attempts into approve, review, and reject.
package effort

import (
	"sync"
	"time"
)

// Outcome is one recorded tool invocation result.
type Outcome struct {
	Tool      string
	Success   bool
	Latency   time.Duration
	Escalated bool
	At        time.Time
}

// MetricsAggregator keeps a rolling window of recent tool outcomes and
// answers the aggregate questions the evaluator asks. Zero-observation
// windows answer with neutral values so a cold start never biases the
// score.
type MetricsAggregator struct {
	mu      sync.RWMutex
	window  int
	entries []Outcome
	next    int
	filled  bool
}

// DefaultWindow is the rolling window size used when unset.
const DefaultWindow = 100

// NewMetricsAggregator creates an aggregator with the given window size.
func NewMetricsAggregator(window int) *MetricsAggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MetricsAggregator{
		window:  window,
		entries: make([]Outcome, window),
	}
}

// Record appends one outcome, evicting the oldest when the window is full.
func (m *MetricsAggregator) Record(o Outcome) {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[m.next] = o
	m.next++
	if m.next == m.window {
		m.next = 0
		m.filled = true
	}
}

// Count returns the number of observations currently in the window.
func (m *MetricsAggregator) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked()
}

func (m *MetricsAggregator) countLocked() int {
	if m.filled {
		return m.window
	}
	return m.next
}

// SuccessRate returns the fraction of successful outcomes, or 1.0 with no
// observations.
func (m *MetricsAggregator) SuccessRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := m.countLocked()
	if n == 0 {
		return 1.0
	}
	succ := 0
	for i := 0; i < n; i++ {
		if m.entries[i].Success {
			succ++
		}
	}
	return float64(succ) / float64(n)
}

// MeanLatency returns the mean latency over the window, or zero with no
// observations.
func (m *MetricsAggregator) MeanLatency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := m.countLocked()
	if n == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		total += m.entries[i].Latency
	}
	return total / time.Duration(n)
}

// EscalationRate returns the fraction of outcomes escalated to a human,
// or 0.0 with no observations.
func (m *MetricsAggregator) EscalationRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := m.countLocked()
	if n == 0 {
		return 0.0
	}
	esc := 0
	for i := 0; i < n; i++ {
		if m.entries[i].Escalated {
			esc++
		}
	}
	return float64(esc) / float64(n)
}
