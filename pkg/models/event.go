package models

import "time"

// EventKind identifies a lifecycle event.
type EventKind string

const (
	EventCreated        EventKind = "created"
	EventConfigured     EventKind = "configured"
	EventDeployed       EventKind = "deployed"
	EventStarted        EventKind = "started"
	EventStopped        EventKind = "stopped"
	EventRestarted      EventKind = "restarted"
	EventUpdated        EventKind = "updated"
	EventDestroyed      EventKind = "destroyed"
	EventError          EventKind = "error"
	EventToolCall       EventKind = "tool_call"
	EventBudgetWarning  EventKind = "budget_warning"
	EventBudgetExceeded EventKind = "budget_exceeded"
	EventAutoRecovered  EventKind = "auto_recovered"
	EventHealthChanged  EventKind = "health_changed"
	EventBirthday       EventKind = "birthday"
)

// LifecycleEvent is a structured notification of a state change or other
// significant occurrence on a managed agent. Events are emitted to
// in-process subscribers and are not persisted by the core.
type LifecycleEvent struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	OrgID     string         `json:"org_id"`
	Kind      EventKind      `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// StreamEvent is an event delivered to a session's stream subscribers.
// Type is the only required field; a session_end or error type terminates
// the stream.
type StreamEvent map[string]any

// Stream event types with gateway-level semantics.
const (
	StreamEventMessage    = "message"
	StreamEventSessionEnd = "session_end"
	StreamEventError      = "error"
)

// Type returns the event's type discriminator, or "" when absent.
func (e StreamEvent) Type() string {
	t, _ := e["type"].(string)
	return t
}

// Terminal reports whether this event ends the session stream.
func (e StreamEvent) Terminal() bool {
	t := e.Type()
	return t == StreamEventSessionEnd || t == StreamEventError
}
