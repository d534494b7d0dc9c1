package expressions

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradegate/pkg/schema"
)

const actionRule = `side in ["BUY", "SELL"] ? (confidence >= min_confidence ? "proceed" : "reject_candidate") : "no_action"`

func TestExpr_ActionRule(t *testing.T) {
	e := NewExprEngine()
	tests := []struct {
		side       string
		confidence any
		want       string
	}{
		{"BUY", 0.7, "proceed"},
		{"SELL", 0.55, "proceed"},
		{"BUY", 0.3, "reject_candidate"},
		{"HOLD", 0.9, "no_action"},
		{"BUY", 1, "proceed"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%v", tt.side, tt.confidence), func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), actionRule, map[string]any{
				"side":           tt.side,
				"confidence":     tt.confidence,
				"min_confidence": 0.5,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
	assert.Equal(t, 1, e.cache.size())
}

func TestExpr_NestedAccessAndNilCoalescing(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"analysis": map[string]any{"trend_analysis": map[string]any{"direction": "uptrend"}},
	}
	out, err := e.Evaluate(context.Background(), `analysis.trend_analysis.direction`, data)
	require.NoError(t, err)
	assert.Equal(t, "uptrend", out)

	out, err = e.Evaluate(context.Background(), `analysis?.missing ?? "none"`, data)
	require.NoError(t, err)
	assert.Equal(t, "none", out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	err = e.Compile("side in [")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestCEL_Guard(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	data := map[string]any{
		"analysis": map[string]any{
			"technical_indicators": map[string]any{"rsi": 55},
		},
		"decision": map[string]any{"side": "BUY", "confidence": 0.7},
	}

	ok, err := e.EvaluateBool(context.Background(),
		`decision.side == "BUY" && analysis.technical_indicators.rsi < 70.0`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `decision.confidence > 0.9`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_MissingVariablesAreEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `!("subject" in session)`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Compile(`steps.x == 1`)
	require.Error(t, err, "undeclared variable")
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	_, err = e.EvaluateBool(context.Background(), `"not a bool"`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	_, err = e.Evaluate(context.Background(), `decision.missing == 1`, map[string]any{"decision": map[string]any{}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestGoJQ_Extraction(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"trend_analysis": map[string]any{"recommendation": "BUY"},
		"volume_data":    map[string]any{"current": int64(2_000_000)},
		"sources":        []string{"market_trend", "news"},
	}

	out, err := e.Evaluate(context.Background(), ".trend_analysis.recommendation", data)
	require.NoError(t, err)
	assert.Equal(t, "BUY", out)

	out, err = e.Evaluate(context.Background(), ".volume_data.current / 2", data)
	require.NoError(t, err)
	assert.Equal(t, 1_000_000.0, out)

	out, err = e.Evaluate(context.Background(), ".sources[]", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"market_trend", "news"}, out)

	out, err = e.Evaluate(context.Background(), ".action // empty", data)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Sandboxed(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), "$ENV | length", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	err := e.Compile(".[")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	_, err = e.Evaluate(context.Background(), `error("boom")`, map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestEngines_ConcurrentCache(t *testing.T) {
	e := NewExprEngine()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "n * 2", map[string]any{"n": i})
			assert.NoError(t, err)
			assert.Equal(t, float64(i*2), out)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, e.cache.size())
}

func TestNormalize(t *testing.T) {
	in := map[string]any{
		"a": 1,
		"b": []string{"x"},
		"c": map[string]string{"k": "v"},
		"d": []map[string]any{{"n": int64(2)}},
	}
	out := Normalize(in).(map[string]any)
	assert.Equal(t, 1.0, out["a"])
	assert.Equal(t, []any{"x"}, out["b"])
	assert.Equal(t, map[string]any{"k": "v"}, out["c"])
	assert.Equal(t, []any{map[string]any{"n": 2.0}}, out["d"])
}
