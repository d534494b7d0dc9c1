package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/tradegate/pkg/schema"
)

// EventLog reconstructs session timelines from the journal.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// StatusChange is one entry in a replayed status timeline.
type StatusChange struct {
	Status schema.SessionStatus `json:"status"`
	At     time.Time            `json:"at"`
}

// Replay is the reconstructed history of a session.
type Replay struct {
	SessionID   string               `json:"session_id"`
	Status      schema.SessionStatus `json:"status"`
	Timeline    []StatusChange       `json:"timeline"`
	Completed   []string             `json:"completed_stages"`
	FailedStage string               `json:"failed_stage,omitempty"`
	Events      []*Event             `json:"events"`
}

var journalStatus = map[string]schema.SessionStatus{
	schema.JournalSessionStarted:   schema.SessionRunning,
	schema.JournalSessionSuspended: schema.SessionAwaitingApproval,
	schema.JournalSessionResumed:   schema.SessionRunning,
	schema.JournalSessionCompleted: schema.SessionCompleted,
	schema.JournalSessionFailed:    schema.SessionFailed,
}

// Replay reads the full journal of a session. It fails with STORE_ERROR if
// the sequence has gaps.
func (el *EventLog) Replay(ctx context.Context, sessionID string) (*Replay, error) {
	events, err := el.store.GetEvents(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	r := &Replay{SessionID: sessionID, Events: events}
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in session %s: expected %d, got %d", sessionID, expected, e.Sequence)
		}

		if st, ok := journalStatus[e.Type]; ok {
			r.Status = st
			r.Timeline = append(r.Timeline, StatusChange{Status: st, At: e.Timestamp})
			continue
		}
		switch e.Type {
		case schema.JournalStageCompleted:
			r.Completed = append(r.Completed, e.Stage)
		case schema.JournalStageFailed:
			r.FailedStage = e.Stage
		}
	}
	return r, nil
}
