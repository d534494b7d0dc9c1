package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/tradegate/pkg/schema"
)

// MaxNotesLength bounds operator notes on a decision.
const MaxNotesLength = 2000

// StartRequest opens a new session for Subject.
type StartRequest struct {
	Subject string `json:"subject" validate:"required,ticker"`
}

// ResumeRequest injects a decision into a suspended session.
type ResumeRequest struct {
	Approved *bool  `json:"approved" validate:"required"`
	Notes    string `json:"notes"    validate:"max=2000"`
}

// Decision returns the approval decision the request carries.
func (r ResumeRequest) Decision() schema.ApprovalDecision {
	return schema.ApprovalDecision{Approved: r.Approved != nil && *r.Approved, Notes: r.Notes}
}

// ApprovalResponseRequest answers a pending approval request.
type ApprovalResponseRequest struct {
	Approved *bool  `json:"approved" validate:"required"`
	Notes    string `json:"notes"    validate:"max=2000"`
}

// Decision returns the approval decision the request carries.
func (r ApprovalResponseRequest) Decision() schema.ApprovalDecision {
	return schema.ApprovalDecision{Approved: r.Approved != nil && *r.Approved, Notes: r.Notes}
}

// RequestValidator validates request DTOs with struct tags.
type RequestValidator struct {
	v *validator.Validate
}

// NewRequestValidator returns a validator that reports JSON field names
// and understands the ticker tag.
func NewRequestValidator() *RequestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("ticker", validTicker); err != nil {
		// Only a malformed tag name fails here.
		panic("validation: register ticker rule: " + err.Error())
	}
	return &RequestValidator{v: v}
}

// validTicker applies the subject rules to the trimmed value, so
// surrounding whitespace never counts toward the length limits.
func validTicker(fl validator.FieldLevel) bool {
	_, err := schema.NormalizeSubject(fl.Field().String())
	return err == nil
}

// Struct validates req and maps field errors to INVALID_INPUT with a
// "fields" detail keyed by JSON name.
func (r *RequestValidator) Struct(req any) error {
	err := r.v.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return schema.NewError(schema.ErrCodeInvalidInput, err.Error()).WithCause(err)
	}

	fields := make(map[string]string, len(verrs))
	result := &schema.ValidationResult{}
	for _, fe := range verrs {
		msg := fieldMessage(fe)
		fields[fe.Field()] = msg
		result.Add(fe.Field(), msg)
	}

	ge, _ := schema.AsGateError(result.ToError())
	ge.Details["fields"] = fields
	return ge
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "ticker":
		return "must be a ticker symbol such as AAPL or BRK.B"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
