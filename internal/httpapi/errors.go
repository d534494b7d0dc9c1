package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/moogar0880/problems"

	"github.com/rendis/tradegate/pkg/schema"
)

const problemContentType = "application/problem+json"

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case schema.ErrCodeUnknownSession, schema.ErrCodeUnknownRequest:
		return http.StatusNotFound
	case schema.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeProblem renders err as an RFC 7807 document. The problem type is
// the lower-cased error code.
func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	code := schema.CodeOf(err)
	if code == "" {
		code = "internal_error"
	}
	status := statusFor(code)

	problem := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(strings.ToLower(code))
	if status == http.StatusInternalServerError {
		problem = problem.WithError(err)
	} else if ge, ok := schema.AsGateError(err); ok {
		problem = problem.WithDetail(ge.Message)
	} else {
		problem = problem.WithDetail(err.Error())
	}

	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, schema.NewError(schema.ErrCodeInvalidInput, detail))
}
