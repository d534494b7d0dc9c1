package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageResults_AppendOnly(t *testing.T) {
	var r StageResults
	require.NoError(t, r.Add(StageAnalyze, map[string]any{"price": 10.0}))
	require.NoError(t, r.Add(StageDecide, map[string]any{"action": "proceed"}))

	err := r.Add(StageAnalyze, map[string]any{"price": 99.0})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeConflict))

	got, ok := r.Get(StageAnalyze)
	require.True(t, ok)
	assert.Equal(t, 10.0, got["price"])
	assert.Equal(t, []string{StageAnalyze, StageDecide}, r.Names())
}

func TestStageResults_GetReturnsCopy(t *testing.T) {
	var r StageResults
	require.NoError(t, r.Add(StageAnalyze, map[string]any{"nested": map[string]any{"a": 1}}))

	got, _ := r.Get(StageAnalyze)
	got["nested"].(map[string]any)["a"] = 2

	again, _ := r.Get(StageAnalyze)
	assert.Equal(t, 1, again["nested"].(map[string]any)["a"])
}

func TestStageResults_AnnotateApprovalOnce(t *testing.T) {
	var r StageResults
	assert.True(t, IsCode(r.AnnotateApproval(map[string]any{"approved": true}), ErrCodeInvalidTransition))

	require.NoError(t, r.Add(StageApproval, map[string]any{"request_id": "apr_1"}))
	require.NoError(t, r.AnnotateApproval(map[string]any{"approved": true, "notes": "ok"}))

	err := r.AnnotateApproval(map[string]any{"approved": false})
	assert.True(t, IsCode(err, ErrCodeConflict))

	got, _ := r.Get(StageApproval)
	assert.Equal(t, "apr_1", got["request_id"])
	assert.Equal(t, true, got[DecisionKey].(map[string]any)["approved"])
}

func TestStageResults_JSONPreservesOrder(t *testing.T) {
	var r StageResults
	for _, s := range []string{StageFinalize, StageAnalyze, StageDecide} {
		require.NoError(t, r.Add(s, map[string]any{"n": s}))
	}

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, `{"finalize":{"n":"finalize"},"analyze":{"n":"analyze"},"decide":{"n":"decide"}}`, string(data))

	var back StageResults
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r.Names(), back.Names())
}

func TestStageResults_UnmarshalRejectsDuplicates(t *testing.T) {
	var r StageResults
	err := json.Unmarshal([]byte(`{"analyze":{},"analyze":{}}`), &r)
	assert.Error(t, err)
}

func TestStageResults_InSession(t *testing.T) {
	s := &Session{ID: "s1", Subject: "AAPL", Status: SessionRunning}
	require.NoError(t, s.Stages.Add(StageAnalyze, nil))

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stage_results":{"analyze":{}}`)

	clone := s.Clone()
	require.NoError(t, clone.Stages.Add(StageDecide, nil))
	assert.False(t, s.Stages.Has(StageDecide))
}
