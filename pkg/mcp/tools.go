package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/tradegate/internal/logging"
	"github.com/rendis/tradegate/internal/validation"
)

// handleStart opens a session for a ticker and runs it up to the gate.
func (s *TradeServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body := validation.StartRequest{Subject: req.GetString("subject", "")}
	if err := s.validator.Struct(body); err != nil {
		return toolError(err), nil
	}

	out, err := s.executor.Start(ctx, body.Subject)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(out)
}

// handleResume injects a decision into a suspended session.
func (s *TradeServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	body := validation.ResumeRequest{Approved: optionalBool(req, "approved"), Notes: req.GetString("notes", "")}
	if err := s.validator.Struct(body); err != nil {
		return toolError(err), nil
	}

	ctx = logging.WithSessionID(ctx, sessionID)
	out, err := s.executor.Resume(ctx, sessionID, body.Decision())
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(out)
}

// handleRespond answers a pending approval request. A late or duplicate
// answer is reported as ok=false rather than an error.
func (s *TradeServer) handleRespond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	body := validation.ApprovalResponseRequest{Approved: optionalBool(req, "approved"), Notes: req.GetString("notes", "")}
	if err := s.validator.Struct(body); err != nil {
		return toolError(err), nil
	}

	ctx = logging.WithRequestID(ctx, requestID)
	decision := body.Decision()
	ok := s.executor.SubmitApprovalResponse(ctx, requestID, decision.Approved, decision.Notes)
	s.logger.InfoContext(ctx, "approval response via mcp",
		slog.Bool("approved", decision.Approved),
		slog.Bool("accepted", ok))

	return marshalResult(map[string]any{
		"ok":         ok,
		"request_id": requestID,
		"approved":   decision.Approved,
	})
}

// handleStatus returns the current outcome of a session.
func (s *TradeServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	out, err := s.executor.Status(ctx, sessionID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(out)
}

// handlePending lists open approval requests as cards.
func (s *TradeServer) handlePending(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pending := s.executor.Pending()
	cards := make([]map[string]any, 0, len(pending))
	for _, r := range pending {
		cards = append(cards, r.Card())
	}
	return marshalResult(map[string]any{
		"approvals": cards,
		"count":     len(cards),
	})
}

// handleHistory replays a session's journal.
func (s *TradeServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	replay, err := s.executor.History(ctx, sessionID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(replay)
}

func (s *TradeServer) handleStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{
		"stats":   s.executor.Stats(),
		"pool":    s.executor.PoolMetrics(),
		"pending": len(s.executor.Pending()),
	})
}

// handleWatch binds the operator to the calling MCP session so approval
// events are pushed to it. The current pending requests and watchlist are
// returned so the operator starts with a full picture.
func (s *TradeServer) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	operatorID, err := req.RequireString("operator_id")
	if err != nil {
		return mcp.NewToolResultError("operator_id is required"), nil
	}

	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("trade.watch requires a client session"), nil
	}
	s.operators.Register(operatorID, session.SessionID())
	s.logger.InfoContext(ctx, "operator watching",
		slog.String("operator_id", operatorID),
		slog.String("mcp_session", session.SessionID()))

	pending := s.executor.Pending()
	cards := make([]map[string]any, 0, len(pending))
	for _, r := range pending {
		cards = append(cards, r.Card())
	}
	result := map[string]any{
		"ok":          true,
		"operator_id": operatorID,
		"pending":     cards,
	}
	if s.watchlist != nil {
		result["watchlist"] = s.watchlist.Watches()
	}
	return marshalResult(result)
}

// --- Internal helpers ---

// optionalBool returns nil when key is absent so the validator can report it.
func optionalBool(req mcp.CallToolRequest, key string) *bool {
	v, err := req.RequireBool(key)
	if err != nil {
		return nil
	}
	return &v
}

// toolError renders err as an MCP error result carrying its message.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
