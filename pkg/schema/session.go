package schema

import "time"

// Session is one execution of the trading decision pipeline for a subject.
type Session struct {
	ID        string        `json:"session_id"`
	Subject   string        `json:"subject"`
	Status    SessionStatus `json:"status"`
	Stages    StageResults  `json:"stage_results"`
	RequestID string        `json:"request_id,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Stages = s.Stages.Clone()
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// OutcomeKind classifies what a Start or Resume call produced.
type OutcomeKind string

const (
	OutcomeInterrupted OutcomeKind = "interrupted"
	OutcomeCompleted   OutcomeKind = "completed"
	OutcomeFailed      OutcomeKind = "failed"
	OutcomeRunning     OutcomeKind = "running"
)

// Outcome is returned to hosts after Start, Resume and Status.
type Outcome struct {
	Kind      OutcomeKind      `json:"kind"`
	SessionID string           `json:"session_id"`
	Subject   string           `json:"subject"`
	Status    SessionStatus    `json:"status"`
	Approval  *ApprovalRequest `json:"approval,omitempty"`
	Result    map[string]any   `json:"result,omitempty"`
	Stages    StageResults     `json:"stage_results"`
	Error     *GateError       `json:"error,omitempty"`
}
