package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/tradegate/pkg/schema"
)

// Event is an immutable entry in a session's journal.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Stage     string          `json:"stage,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status  *schema.SessionStatus `json:"status,omitempty"`
	Subject string                `json:"subject,omitempty"`
	Limit   int                   `json:"limit,omitempty"`
}

// ApprovalFilter specifies criteria for listing approval requests.
type ApprovalFilter struct {
	State     *schema.ApprovalState `json:"state,omitempty"`
	SessionID string                `json:"session_id,omitempty"`
	Limit     int                   `json:"limit,omitempty"`
}

func (f SessionFilter) match(s *schema.Session) bool {
	if f.Status != nil && s.Status != *f.Status {
		return false
	}
	if f.Subject != "" && s.Subject != f.Subject {
		return false
	}
	return true
}

func (f ApprovalFilter) match(r *schema.ApprovalRequest) bool {
	if f.State != nil && r.State != *f.State {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	return true
}
