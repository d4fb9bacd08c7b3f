package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags an event delivered over a user's live channel.
type EventType string

const (
	AgentStarted   EventType = "agent_started"
	AgentThinking  EventType = "agent_thinking"
	ToolExecuting  EventType = "tool_executing"
	ToolCompleted  EventType = "tool_completed"
	AgentCompleted EventType = "agent_completed"
	AgentError     EventType = "agent_error"

	// QueueOverflow is synthesized when a user's degraded-mode queue dropped
	// events, so the user knows history was truncated.
	QueueOverflow EventType = "queue_overflow"
	// DegradedMode is synthesized when an operation was answered from a
	// fallback path instead of the live dependency.
	DegradedMode EventType = "degraded_mode"
)

// Event is the unit delivered outward over a user's live channel. Every event
// carries exactly one user identifier and is delivered only to that user's
// channel.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload"`
	UserID    string         `json:"user_id"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Timestamp int64          `json:"timestamp"` // Unix milliseconds
}

// New creates an event for a user with a fresh ID and current timestamp.
func New(eventType EventType, userID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithThread attaches a thread/correlation identifier.
func (e Event) WithThread(threadID string) Event {
	e.ThreadID = threadID
	return e
}

// IsTerminal reports whether the event ends a logical agent run.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case AgentCompleted, AgentError:
		return true
	default:
		return false
	}
}
