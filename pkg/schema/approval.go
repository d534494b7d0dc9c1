package schema

import "time"

// ApprovalState is the lifecycle state of an approval request.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalResolved ApprovalState = "resolved"
	ApprovalExpired  ApprovalState = "expired"
)

// ApprovalSource records who produced a resolution.
type ApprovalSource string

const (
	SourceOperator ApprovalSource = "operator"
	SourceTimeout  ApprovalSource = "timeout"
)

// TimeoutNotes is the note attached to decisions synthesised on expiry.
const TimeoutNotes = "timeout"

// ApprovalDecision is the verdict injected into a suspended session.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes"`
}

// ApprovalResolution is the stored result of a resolved or expired request.
type ApprovalResolution struct {
	Approved   bool           `json:"approved"`
	Notes      string         `json:"notes"`
	ResolvedAt time.Time      `json:"resolved_at"`
	Source     ApprovalSource `json:"source"`
	Token      string         `json:"token,omitempty"`
}

// Decision drops the bookkeeping fields.
func (r ApprovalResolution) Decision() ApprovalDecision {
	return ApprovalDecision{Approved: r.Approved, Notes: r.Notes}
}

// ApprovalSnapshot is the decision context frozen into an approval request.
type ApprovalSnapshot struct {
	Subject        string  `json:"subject"`
	ProposedAction Action  `json:"proposed_action"`
	Side           Side    `json:"side"`
	Rationale      string  `json:"rationale"`
	Confidence     float64 `json:"confidence"`
}

// ApprovalRequest is a human approval gate awaiting a verdict.
type ApprovalRequest struct {
	ID             string              `json:"request_id"`
	SessionID      string              `json:"session_id"`
	Subject        string              `json:"subject"`
	ProposedAction Action              `json:"proposed_action"`
	Side           Side                `json:"side"`
	Rationale      string              `json:"rationale"`
	Confidence     float64             `json:"confidence"`
	CreatedAt      time.Time           `json:"created_at"`
	Deadline       time.Time           `json:"deadline"`
	State          ApprovalState       `json:"state"`
	Resolution     *ApprovalResolution `json:"resolution,omitempty"`
}

// Snapshot returns the frozen decision context.
func (r *ApprovalRequest) Snapshot() ApprovalSnapshot {
	return ApprovalSnapshot{
		Subject:        r.Subject,
		ProposedAction: r.ProposedAction,
		Side:           r.Side,
		Rationale:      r.Rationale,
		Confidence:     r.Confidence,
	}
}

// Clone returns a copy that shares nothing with r.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	out := *r
	if r.Resolution != nil {
		res := *r.Resolution
		out.Resolution = &res
	}
	return &out
}

// Card renders the request for observers.
func (r *ApprovalRequest) Card() map[string]any {
	card := map[string]any{
		"request_id":      r.ID,
		"session_id":      r.SessionID,
		"subject":         r.Subject,
		"proposed_action": string(r.ProposedAction),
		"side":            string(r.Side),
		"rationale":       r.Rationale,
		"confidence":      r.Confidence,
		"created_at":      r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"deadline":        r.Deadline.UTC().Format(time.RFC3339Nano),
		"state":           string(r.State),
	}
	if r.Resolution != nil {
		card["approved"] = r.Resolution.Approved
		card["notes"] = r.Resolution.Notes
		card["source"] = string(r.Resolution.Source)
		card["resolved_at"] = r.Resolution.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}
	return card
}
