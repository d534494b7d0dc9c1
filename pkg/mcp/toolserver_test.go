package mcp

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradegate/internal/approval"
	"github.com/rendis/tradegate/internal/tools"
	"github.com/rendis/tradegate/pkg/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newToolInvoker(t *testing.T, verifier tools.TokenVerifier) *tools.MCPInvoker {
	t.Helper()
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100
	}
	reg, err := tools.NewBuiltinRegistry(tools.BuiltinOptions{
		Feed: tools.NewStaticFeed(tools.Quote{
			Subject: "NVDA", Price: 106, PreviousClose: 100,
			Volume: 2_000_000, AverageVolume: 1_000_000, Closes: closes, MACD: 0.4,
		}),
		News:     tools.StaticNews{"NVDA": {{Title: "Chip demand surges", Source: "wire", PublishedAt: time.Now()}}},
		Verifier: verifier,
	})
	require.NoError(t, err)

	ts := NewToolServer(reg, discardLogger())
	inv, err := tools.ConnectInProcess(context.Background(), ts.MCPServer(), nil, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inv.Close() })
	return inv
}

func TestToolServer_AdvertisesBuiltins(t *testing.T) {
	inv := newToolInvoker(t, nil)

	names, err := inv.Tools(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		tools.ToolAnalyze, tools.ToolNews, tools.ToolExecute, tools.ToolFinalize, tools.ToolHealth,
	}, names)
}

func TestToolServer_AnalyzeOverMCP(t *testing.T) {
	inv := newToolInvoker(t, nil)

	out, err := inv.Invoke(context.Background(), schema.StageAnalyze, map[string]any{"subject": "nvda"})
	require.NoError(t, err)
	assert.Equal(t, "NVDA", out["subject"])
	trend := out["trend_analysis"].(map[string]any)
	assert.Equal(t, "BUY", trend["recommendation"])

	news, err := inv.Invoke(context.Background(), schema.StageContext, map[string]any{"subject": "NVDA"})
	require.NoError(t, err)
	assert.Equal(t, true, news["has_news"])
}

func TestToolServer_ErrorsKeepTheirCode(t *testing.T) {
	inv := newToolInvoker(t, nil)

	_, err := inv.Invoke(context.Background(), schema.StageAnalyze, map[string]any{"subject": "AMZN"})
	require.Error(t, err)
	ge, ok := schema.AsGateError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeToolUnavailable, ge.Code)
	assert.Equal(t, schema.StageAnalyze, ge.Stage)
	assert.Contains(t, ge.Message, "AMZN")

	_, err = inv.Invoke(context.Background(), schema.StageExecute, map[string]any{"subject": "NVDA", "side": "HOLD"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidInput))
}

func TestToolServer_ExecuteVerifiesToken(t *testing.T) {
	issuer, err := approval.NewTokenIssuer("test-secret", time.Minute)
	require.NoError(t, err)
	inv := newToolInvoker(t, issuer)

	req := &schema.ApprovalRequest{ID: "apr-1", SessionID: "sess-1", Subject: "NVDA", Side: schema.SideBuy}
	token, err := issuer.Issue(req)
	require.NoError(t, err)

	out, err := inv.Invoke(context.Background(), schema.StageExecute, map[string]any{
		"subject":        "NVDA",
		"side":           "BUY",
		"request_id":     "apr-1",
		"approval_token": token,
		"quantity":       10,
	})
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", out["status"])
	details := out["execution_details"].(map[string]any)
	assert.Equal(t, float64(1060), details["total_amount"])

	// A token for another request does not cover this order.
	_, err = inv.Invoke(context.Background(), schema.StageExecute, map[string]any{
		"subject":        "NVDA",
		"side":           "BUY",
		"request_id":     "apr-2",
		"approval_token": token,
	})
	require.Error(t, err)
	ge, ok := schema.AsGateError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidInput, ge.Code)
	assert.Equal(t, "apr-2", ge.Details["request_id"])
}
