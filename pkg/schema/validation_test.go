package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_Add(t *testing.T) {
	r := &ValidationResult{}
	r.Add("/trend_analysis", "missing property 'recommendation'")

	assert.False(t, r.Valid())
	require.Len(t, r.Violations, 1)
	assert.Equal(t, "/trend_analysis", r.Violations[0].Path)
}

func TestValidationResult_MergeNil(t *testing.T) {
	r := &ValidationResult{}
	r.Add("", "err")
	r.Merge(nil)
	assert.Len(t, r.Violations, 1)
}

func TestValidationResult_ToError_Single(t *testing.T) {
	r := &ValidationResult{}
	r.Add("/approved", "expected boolean")

	err := r.ToError()
	require.Error(t, err)

	ge, ok := AsGateError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInvalidInput, ge.Code)
	assert.Equal(t, "/approved: expected boolean", ge.Message)
	assert.Equal(t, 1, ge.Details["violation_count"])
}

func TestValidationResult_ToError_Multiple(t *testing.T) {
	r := &ValidationResult{}
	r.Add("/a", "err1")
	other := &ValidationResult{}
	other.Add("/b", "err2")
	r.Merge(other)

	ge, ok := AsGateError(r.ToError())
	require.True(t, ok)
	assert.Contains(t, ge.Message, "2 violations")
	assert.Equal(t, 2, ge.Details["violation_count"])
}
