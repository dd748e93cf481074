package telemetry

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"execplane/internal/logging"
)

// Bus collects events from plane components and dispatches to subscribers
// and the configured sink. It batches dispatch to reduce downstream churn
// and stamps sequence numbers for stable ordering. All arguments pass
// through the redactor before they leave the process boundary.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan<- Event
	sink        Sink
	redactor    *Redactor
	enabled     atomic.Bool

	// Batching configuration
	batchWindow time.Duration
	batchLimit  int

	buffer     []Event
	bufferMu   sync.Mutex
	flushTimer *time.Timer

	sequence atomic.Uint64

	// types filters emission; empty means all allowed.
	types map[EventType]bool
}

// NewBus creates an event bus writing to sink with default batching.
// A nil sink discards; a nil redactor uses the default field set.
func NewBus(sink Sink, redactor *Redactor) *Bus {
	if sink == nil {
		sink = NopSink{}
	}
	if redactor == nil {
		redactor = NewRedactor()
	}
	b := &Bus{
		sink:        sink,
		redactor:    redactor,
		batchWindow: 100 * time.Millisecond,
		batchLimit:  16,
		buffer:      make([]Event, 0, 32),
		types:       make(map[EventType]bool),
	}
	b.enabled.Store(true)
	return b
}

// Disable deactivates the bus and flushes pending events.
func (b *Bus) Disable() {
	b.enabled.Store(false)
	b.Flush()
}

// Enable reactivates the bus.
func (b *Bus) Enable() {
	b.enabled.Store(true)
}

// SetTypes restricts emission to the given event types. Empty allows all.
func (b *Bus) SetTypes(types []EventType) {
	b.mu.Lock()
	b.types = make(map[EventType]bool, len(types))
	for _, t := range types {
		b.types[t] = true
	}
	b.mu.Unlock()
}

// Subscribe returns a buffered channel receiving every dispatched event.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if ch == nil {
		return
	}
	target := reflect.ValueOf(ch).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if reflect.ValueOf(sub).Pointer() == target {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			break
		}
	}
}

// Emit queues an event for batched dispatch. Data is redacted here, before
// it is buffered, so nothing sensitive sits in the queue.
// Safe to call from any goroutine.
func (b *Bus) Emit(event Event) {
	if !b.enabled.Load() {
		return
	}

	b.mu.RLock()
	if len(b.types) > 0 && !b.types[event.Type] {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	event.Sequence = b.sequence.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Data = b.redactor.RedactMap(event.Data)

	b.bufferMu.Lock()
	b.buffer = append(b.buffer, event)
	if len(b.buffer) >= b.batchLimit {
		b.flushLocked()
	} else if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.batchWindow, func() {
			b.bufferMu.Lock()
			b.flushLocked()
			b.bufferMu.Unlock()
		})
	}
	b.bufferMu.Unlock()
}

// Record forwards a metric to the sink immediately; metrics carry no
// payloads worth batching.
func (b *Bus) Record(metric Metric) {
	if !b.enabled.Load() {
		return
	}
	b.sink.Record(metric)
}

// Flush dispatches any buffered events now.
func (b *Bus) Flush() {
	b.bufferMu.Lock()
	b.flushLocked()
	b.bufferMu.Unlock()
}

// Close flushes and closes all subscriber channels.
func (b *Bus) Close() {
	b.enabled.Store(false)
	b.Flush()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
}

// flushLocked dispatches the buffer. Caller holds bufferMu.
func (b *Bus) flushLocked() {
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	if len(b.buffer) == 0 {
		return
	}
	batch := b.buffer
	b.buffer = make([]Event, 0, 32)

	b.mu.RLock()
	subs := make([]chan<- Event, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, event := range batch {
		b.sink.Emit(event)
		for _, sub := range subs {
			select {
			case sub <- event:
			default:
				// Slow subscriber: drop rather than block the plane.
				logging.Get(logging.CategoryTelemetry).Warn(
					"dropping event seq=%d type=%s for slow subscriber", event.Sequence, event.Type)
			}
		}
	}
}
