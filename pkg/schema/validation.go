package schema

import "fmt"

// Violation is a single validation problem with location context.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult aggregates the violations found in one payload.
type ValidationResult struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Valid returns true if there are no violations.
func (r *ValidationResult) Valid() bool {
	return len(r.Violations) == 0
}

// Add appends a violation.
func (r *ValidationResult) Add(path, message string) {
	r.Violations = append(r.Violations, Violation{Path: path, Message: message})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// ToError converts the result to an INVALID_INPUT GateError, or nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Violations[0].Message
	if r.Violations[0].Path != "" {
		msg = r.Violations[0].Path + ": " + msg
	}
	if len(r.Violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d violations", len(r.Violations))
	}

	return NewError(ErrCodeInvalidInput, msg).
		WithDetails(map[string]any{
			"violation_count": len(r.Violations),
			"violations":      r.Violations,
		})
}
