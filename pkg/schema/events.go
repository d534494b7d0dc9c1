package schema

// EventType identifies a broadcast event delivered to observers.
type EventType string

// Broadcast event types.
const (
	EventStage            EventType = "stage"
	EventApprovalRequest  EventType = "approval_request"
	EventApprovalResolved EventType = "approval_resolved"
	EventCompleted        EventType = "completed"
	EventError            EventType = "error"
)

// AllEventTypes lists every broadcast type in a stable order.
var AllEventTypes = []EventType{
	EventStage, EventApprovalRequest, EventApprovalResolved, EventCompleted, EventError,
}

// Journal event types for the per-session event log.
const (
	JournalSessionStarted   = "session_started"
	JournalSessionSuspended = "session_suspended"
	JournalSessionResumed   = "session_resumed"
	JournalSessionCompleted = "session_completed"
	JournalSessionFailed    = "session_failed"

	JournalStageStarted   = "stage_started"
	JournalStageCompleted = "stage_completed"
	JournalStageFailed    = "stage_failed"

	JournalApprovalRequested = "approval_requested"
	JournalApprovalResolved  = "approval_resolved"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionRunning          SessionStatus = "running"
	SessionAwaitingApproval SessionStatus = "awaiting_approval"
	SessionCompleted        SessionStatus = "completed"
	SessionFailed           SessionStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Stage names, in pipeline order. StageError is the key under which a
// failure is recorded in a session's stage results.
const (
	StageAnalyze  = "analyze"
	StageContext  = "context"
	StageDecide   = "decide"
	StageApproval = "approval"
	StageExecute  = "execute"
	StageFinalize = "finalize"
	StageError    = "error"
)

// StageStatus is carried by stage broadcast events.
type StageStatus string

const (
	StageStarted StageStatus = "started"
	StageDone    StageStatus = "done"
	StageFailed  StageStatus = "error"
)
