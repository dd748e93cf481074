// Package telemetry provides operation visibility for the control plane:
// the sink contract consumed by exporters, an in-process event bus with
// batching and sequence ordering, and the secret redaction filter every
// emission passes through.
package telemetry

import (
	"time"
)

// EventType identifies the kind of telemetry event.
type EventType string

const (
	EventToolCall            EventType = "tool_call"
	EventCRVResult           EventType = "crv_result"
	EventPolicyCheck         EventType = "policy_check"
	EventSandboxCreated      EventType = "sandbox_created"
	EventSandboxDestroyed    EventType = "sandbox_destroyed"
	EventPermissionCheck     EventType = "permission_check"
	EventEscalationRequested EventType = "escalation_requested"
)

// Event is the unit handed to telemetry sinks.
type Event struct {
	// Sequence orders events across async sources.
	Sequence uint64 `json:"seq"`

	// Type identifies the event kind.
	Type EventType `json:"type"`

	// WorkflowID and TaskID correlate the event to plane work.
	WorkflowID string `json:"workflow_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`

	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Data carries event-specific fields, already redacted.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Metric is a named measurement with labels.
type Metric struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Sink receives events and metrics. Implementations bridge to exporters
// (files, message buses, metric systems); the core only knows this contract.
// Emit is a declared suspension point: implementations may block on I/O.
type Sink interface {
	Emit(event Event)
	Record(metric Metric)
}

// NopSink discards everything. Used when telemetry is disabled.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(Event) {}

// Record implements Sink.
func (NopSink) Record(Metric) {}
