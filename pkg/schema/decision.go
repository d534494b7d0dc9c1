package schema

import "strings"

// Action is the routing verdict of the decide stage.
type Action string

const (
	ActionProceed         Action = "proceed"
	ActionRejectCandidate Action = "reject_candidate"
	ActionNoAction        Action = "no_action"
)

// NormalizeAction maps any unrecognised value to ActionNoAction.
func NormalizeAction(raw string) Action {
	switch a := Action(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionProceed, ActionRejectCandidate, ActionNoAction:
		return a
	default:
		return ActionNoAction
	}
}

// Side is the proposed trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
	SideHold Side = "HOLD"
)

// ParseSide returns the side for raw and whether it was recognised.
func ParseSide(raw string) (Side, bool) {
	switch s := Side(strings.ToUpper(strings.TrimSpace(raw))); s {
	case SideBuy, SideSell, SideHold:
		return s, true
	default:
		return "", false
	}
}

// Tradable reports whether the side implies an order.
func (s Side) Tradable() bool {
	return s == SideBuy || s == SideSell
}

// Decision is the output of the decide stage.
type Decision struct {
	Action     Action   `json:"action"`
	Side       Side     `json:"side"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
	Sources    []string `json:"sources"`
}

// ToMap renders the decision as a stage result.
func (d Decision) ToMap() map[string]any {
	sources := make([]any, len(d.Sources))
	for i, s := range d.Sources {
		sources[i] = s
	}
	return map[string]any{
		"action":     string(d.Action),
		"side":       string(d.Side),
		"confidence": d.Confidence,
		"rationale":  d.Rationale,
		"sources":    sources,
	}
}
