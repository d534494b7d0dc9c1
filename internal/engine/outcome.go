package engine

import (
	"time"

	"github.com/rendis/tradegate/pkg/schema"
)

// outcomeOf reconstructs the host-facing outcome from a session.
func outcomeOf(sess *schema.Session) *schema.Outcome {
	out := &schema.Outcome{
		SessionID: sess.ID,
		Subject:   sess.Subject,
		Status:    sess.Status,
		Stages:    sess.Stages.Clone(),
	}
	switch sess.Status {
	case schema.SessionAwaitingApproval:
		out.Kind = schema.OutcomeInterrupted
	case schema.SessionCompleted:
		out.Kind = schema.OutcomeCompleted
	case schema.SessionFailed:
		out.Kind = schema.OutcomeFailed
	default:
		out.Kind = schema.OutcomeRunning
	}

	if r, ok := sess.Stages.Get(schema.StageFinalize); ok {
		out.Result = r
	} else if r, ok := sess.Stages.Get(schema.StageExecute); ok {
		out.Result = r
	}
	if rec, ok := sess.Stages.Get(schema.StageError); ok {
		code, _ := rec["code"].(string)
		msg, _ := rec["message"].(string)
		stage, _ := rec["stage"].(string)
		out.Error = &schema.GateError{Code: code, Message: msg, Stage: stage}
	}
	return out
}

// errorRecord is the audit form of a stage failure.
func errorRecord(gerr *schema.GateError) map[string]any {
	return map[string]any{
		"stage":   gerr.Stage,
		"code":    gerr.Code,
		"message": gerr.Message,
	}
}

func approvalRecord(req *schema.ApprovalRequest) map[string]any {
	return map[string]any{
		"request_id":      req.ID,
		"state":           string(req.State),
		"proposed_action": string(req.ProposedAction),
		"side":            string(req.Side),
		"confidence":      req.Confidence,
		"created_at":      req.CreatedAt.UTC().Format(time.RFC3339Nano),
		"deadline":        req.Deadline.UTC().Format(time.RFC3339Nano),
	}
}

// stageFailure tags err with stage, keeping an existing GateError code.
func stageFailure(stage string, err error) *schema.GateError {
	if ge, ok := schema.AsGateError(err); ok {
		if ge.Stage == "" {
			ge.Stage = stage
		}
		return ge
	}
	return schema.NewError(schema.ErrCodeStageInvocation, err.Error()).WithStage(stage).WithCause(err)
}

func storeError(op string, err error) error {
	if _, ok := schema.AsGateError(err); ok {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func noGateReason(dec schema.Decision) string {
	switch {
	case dec.Side == schema.SideHold:
		return "HOLD recommendation"
	case dec.Action == schema.ActionRejectCandidate:
		return "candidate rejected: " + dec.Rationale
	default:
		return "no action required"
	}
}

func rejectionReason(d schema.ApprovalDecision) string {
	if d.Notes == schema.TimeoutNotes {
		return "approval timed out"
	}
	return "trade rejected by operator"
}
