package schema

import (
	"regexp"
	"strings"
)

const (
	maxSubjectLen     = 12
	maxSubjectCoreLen = 6
)

var subjectPattern = regexp.MustCompile(`^[A-Z0-9.-]+$`)

// NormalizeSubject trims and upper-cases a ticker symbol and checks its
// shape. An exchange suffix such as ".KS" does not count toward the core
// length limit.
func NormalizeSubject(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", NewError(ErrCodeInvalidInput, "subject is required")
	}
	if len(s) > maxSubjectLen || !subjectPattern.MatchString(s) {
		return "", NewErrorf(ErrCodeInvalidInput, "invalid subject %q", raw).
			WithDetails(map[string]any{"subject": raw})
	}
	core := s
	if i := strings.LastIndex(s, "."); i >= 0 {
		core = s[:i]
	}
	if core == "" || len(core) > maxSubjectCoreLen {
		return "", NewErrorf(ErrCodeInvalidInput, "invalid subject %q: symbol must be 1-%d characters", raw, maxSubjectCoreLen).
			WithDetails(map[string]any{"subject": raw})
	}
	return s, nil
}
