package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// captureSink records everything it receives.
type captureSink struct {
	mu      sync.Mutex
	events  []Event
	metrics []Metric
}

func (s *captureSink) Emit(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *captureSink) Record(m Metric) {
	s.mu.Lock()
	s.metrics = append(s.metrics, m)
	s.mu.Unlock()
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestBus_EmitReachesSinkAndSubscriber(t *testing.T) {
	sink := &captureSink{}
	bus := NewBus(sink, nil)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Emit(Event{Type: EventToolCall, WorkflowID: "wf-1"})
	bus.Flush()

	select {
	case got := <-ch:
		if got.Type != EventToolCall || got.Sequence == 0 {
			t.Errorf("event = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	if events := sink.snapshot(); len(events) != 1 {
		t.Errorf("sink events = %d", len(events))
	}
}

func TestBus_SequenceMonotonic(t *testing.T) {
	sink := &captureSink{}
	bus := NewBus(sink, nil)
	defer bus.Close()

	for i := 0; i < 50; i++ {
		bus.Emit(Event{Type: EventPolicyCheck})
	}
	bus.Flush()

	events := sink.snapshot()
	if len(events) != 50 {
		t.Fatalf("got %d events", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Fatalf("sequence not increasing at %d: %d then %d",
				i, events[i-1].Sequence, events[i].Sequence)
		}
	}
}

func TestBus_RedactsBeforeBuffering(t *testing.T) {
	sink := &captureSink{}
	bus := NewBus(sink, NewRedactor())
	defer bus.Close()

	bus.Emit(Event{
		Type: EventToolCall,
		Data: map[string]interface{}{
			"path":    "/tmp/x",
			"api_key": "sk-live-12345",
			"nested":  map[string]interface{}{"password": "hunter2"},
		},
	})
	bus.Flush()

	events := sink.snapshot()
	require.Len(t, events, 1)
	data := events[0].Data
	assert.Equal(t, RedactedSentinel, data["api_key"])
	nested, ok := data["nested"].(map[string]interface{})
	require.True(t, ok, "nested data lost its shape: %T", data["nested"])
	assert.Equal(t, RedactedSentinel, nested["password"])
	assert.Equal(t, "/tmp/x", data["path"])
}

func TestBus_TypeFilter(t *testing.T) {
	sink := &captureSink{}
	bus := NewBus(sink, nil)
	defer bus.Close()

	bus.SetTypes([]EventType{EventPolicyCheck})
	bus.Emit(Event{Type: EventToolCall})
	bus.Emit(Event{Type: EventPolicyCheck})
	bus.Flush()

	events := sink.snapshot()
	if len(events) != 1 || events[0].Type != EventPolicyCheck {
		t.Errorf("events = %+v", events)
	}
}

func TestBus_DisabledDrops(t *testing.T) {
	sink := &captureSink{}
	bus := NewBus(sink, nil)
	defer bus.Close()

	bus.Disable()
	bus.Emit(Event{Type: EventToolCall})
	bus.Flush()

	if events := sink.snapshot(); len(events) != 0 {
		t.Errorf("events = %d", len(events))
	}
}

func TestRedactor_CustomFields(t *testing.T) {
	r := NewRedactor("session_key")
	out := r.RedactMap(map[string]interface{}{
		"session_key": "abc",
		"Token":       "t",
		"plain":       "keep",
	})
	assert.Equal(t, RedactedSentinel, out["session_key"])
	assert.Equal(t, RedactedSentinel, out["Token"], "matching is case-insensitive")
	assert.Equal(t, "keep", out["plain"])
}

func TestRedactor_DoesNotMutateInput(t *testing.T) {
	r := NewRedactor()
	in := map[string]interface{}{"secret": "s", "list": []interface{}{map[string]interface{}{"token": "t"}}}
	_ = r.RedactMap(in)
	if in["secret"] != "s" {
		t.Error("input mutated")
	}
	inner := in["list"].([]interface{})[0].(map[string]interface{})
	if inner["token"] != "t" {
		t.Error("nested input mutated")
	}
}
