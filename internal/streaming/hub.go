package streaming

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/tradegate/pkg/schema"
)

// Event is an immutable broadcast notification about session progress.
type Event struct {
	ID        string           `json:"id"`
	Type      schema.EventType `json:"type"`
	SessionID string           `json:"session_id"`
	Stage     string           `json:"stage,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   map[string]any   `json:"payload,omitempty"`

	seq uint64
}

// NewEvent builds an event stamped with a fresh id and the current time.
func NewEvent(typ schema.EventType, sessionID, stage string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		SessionID: sessionID,
		Stage:     stage,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// EventFilter specifies which events a subscriber wants to receive.
// Zero fields match everything.
type EventFilter struct {
	SessionID string             `json:"session_id,omitempty"`
	Types     []schema.EventType `json:"types,omitempty"`
}

// Match reports whether the event passes the filter.
func (f EventFilter) Match(e Event) bool {
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// EventHub provides pub/sub for session events.
type EventHub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, func(), error)
}
