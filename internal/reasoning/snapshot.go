package reasoning

import (
	"github.com/rendis/tradegate/internal/validation"
	"github.com/rendis/tradegate/pkg/schema"
)

// BuildSnapshot freezes the decision context shown to the approver.
func BuildSnapshot(subject string, d schema.Decision) schema.ApprovalSnapshot {
	return schema.ApprovalSnapshot{
		Subject:        subject,
		ProposedAction: d.Action,
		Side:           d.Side,
		Rationale:      d.Rationale,
		Confidence:     d.Confidence,
	}
}

// ValidateDecisionPayload checks an operator payload and converts it into
// an ApprovalDecision. approved must be a bool; notes is optional.
func ValidateDecisionPayload(v *validation.SchemaValidator, payload map[string]any) (schema.ApprovalDecision, error) {
	if err := v.ValidateApprovalDecision(payload); err != nil {
		return schema.ApprovalDecision{}, err
	}
	approved, _ := payload["approved"].(bool)
	notes, _ := payload["notes"].(string)
	return schema.ApprovalDecision{Approved: approved, Notes: notes}, nil
}
