package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/tradegate/internal/store"
	"github.com/rendis/tradegate/pkg/schema"
)

// TransitionHook is called before or after a session transition. A before
// hook that returns an error aborts the transition.
type TransitionHook func(sessionID string, from, to schema.SessionStatus) error

// EventAppender is satisfied by store.Store; the FSM journals every
// transition through it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidSessionTransitions defines the allowed session status changes.
var ValidSessionTransitions = map[schema.SessionStatus][]schema.SessionStatus{
	schema.SessionRunning:          {schema.SessionAwaitingApproval, schema.SessionCompleted, schema.SessionFailed},
	schema.SessionAwaitingApproval: {schema.SessionRunning, schema.SessionCompleted, schema.SessionFailed},
	schema.SessionCompleted:        {},
	schema.SessionFailed:           {},
}

type hookKey struct {
	from, to schema.SessionStatus
}

// SessionFSM validates session lifecycle transitions and journals them.
type SessionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewSessionFSM creates an FSM that journals via appender.
func NewSessionFSM(appender EventAppender) *SessionFSM {
	return &SessionFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook run before from -> to.
func (f *SessionFSM) OnBefore(from, to schema.SessionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook run after from -> to has been journaled.
func (f *SessionFSM) OnAfter(from, to schema.SessionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs the hooks and appends the journal
// event. Persisting the new status is left to the caller.
func (f *SessionFSM) Transition(ctx context.Context, sessionID string, from, to schema.SessionStatus, payload map[string]any) error {
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid session transition: %s -> %s", from, to).
			WithDetails(map[string]any{"session_id": sessionID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	f.mu.Lock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(sessionID, from, to); err != nil {
			return err
		}
	}

	event := &store.Event{SessionID: sessionID, Type: transitionEventType(from, to)}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeInvalidInput, "encode transition payload: %s", err.Error()).WithCause(err)
		}
		event.Payload = raw
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "journal session transition: %s", err.Error()).WithCause(err)
	}

	for _, hook := range after {
		if err := hook(sessionID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.SessionStatus) bool {
	return slices.Contains(ValidSessionTransitions[from], to)
}

func transitionEventType(from, to schema.SessionStatus) string {
	switch to {
	case schema.SessionAwaitingApproval:
		return schema.JournalSessionSuspended
	case schema.SessionRunning:
		if from == schema.SessionAwaitingApproval {
			return schema.JournalSessionResumed
		}
		return schema.JournalSessionStarted
	case schema.SessionCompleted:
		return schema.JournalSessionCompleted
	default:
		return schema.JournalSessionFailed
	}
}
