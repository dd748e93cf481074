package logging

import (
	"time"
)

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category  Category
	operation string
	start     time.Time
	// SlowThreshold promotes the completion line to warn when exceeded.
	SlowThreshold time.Duration
}

// StartTimer begins timing an operation within a category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category:      category,
		operation:     operation,
		start:         time.Now(),
		SlowThreshold: 2 * time.Second,
	}
}

// Stop logs the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if t.SlowThreshold > 0 && elapsed > t.SlowThreshold {
		l.Warn("%s took %v (slow)", t.operation, elapsed)
	} else {
		l.Debug("%s took %v", t.operation, elapsed)
	}
	return elapsed
}
