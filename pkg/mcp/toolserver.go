package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/tradegate/internal/tools"
	"github.com/rendis/tradegate/pkg/schema"
)

// ToolServer exposes registry tools as MCP tools. Failures are returned as
// error results whose text is the JSON-encoded GateError, which
// tools.MCPInvoker decodes back into a typed error.
type ToolServer struct {
	registry  *tools.Registry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewToolServer registers every tool in reg on a new MCP server.
func NewToolServer(reg *tools.Registry, logger *slog.Logger) *ToolServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &ToolServer{registry: reg, logger: logger}

	mcpSrv := server.NewMCPServer(
		"tradegate-tools",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	for _, t := range reg.Tools() {
		mcpSrv.AddTool(toolDefinition(t), s.handler(t))
	}
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ToolServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer.
func (s *ToolServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ToolServer) handler(t tools.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := t.Execute(ctx, req.GetArguments())
		if err != nil {
			s.logger.WarnContext(ctx, "tool call failed",
				slog.String("tool", t.Name()),
				slog.String("error", err.Error()))
			return encodedError(err), nil
		}
		if out == nil {
			out = map[string]any{}
		}
		return marshalResult(out)
	}
}

// encodedError serialises err as a GateError. The stage is left for the
// caller to fill in.
func encodedError(err error) *mcp.CallToolResult {
	ge, ok := schema.AsGateError(err)
	if !ok {
		ge = schema.NewError(schema.ErrCodeStageInvocation, err.Error())
	}
	data, mErr := json.Marshal(schema.GateError{Code: ge.Code, Message: ge.Message, Details: ge.Details})
	if mErr != nil {
		return mcp.NewToolResultError(ge.Error())
	}
	return mcp.NewToolResultError(string(data))
}

// toolDefinition describes t's arguments. Tools outside the builtin set
// are advertised without parameters.
func toolDefinition(t tools.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(t.Description())}
	subject := mcp.WithString("subject", mcp.Required(), mcp.Description("Ticker symbol"))

	switch t.Name() {
	case tools.ToolAnalyze, tools.ToolNews:
		opts = append(opts, subject)
	case tools.ToolExecute:
		opts = append(opts, subject,
			mcp.WithString("side", mcp.Required(), mcp.Enum("BUY", "SELL"), mcp.Description("Order side")),
			mcp.WithString("rationale", mcp.Description("Why the trade was proposed")),
			mcp.WithString("request_id", mcp.Description("Approval request the order executes")),
			mcp.WithString("approval_token", mcp.Description("Signed approval token")),
			mcp.WithNumber("quantity", mcp.Description("Shares to trade")),
		)
	case tools.ToolFinalize:
		opts = append(opts, subject,
			mcp.WithObject("decision", mcp.Description("Decision stage output")),
			mcp.WithObject("approval", mcp.Description("Approval stage output")),
			mcp.WithObject("execution", mcp.Description("Execute stage output")),
			mcp.WithObject("context", mcp.Description("News context, if gathered")),
			mcp.WithString("reason", mcp.Description("Why no trade was executed")),
		)
	}
	return mcp.NewTool(t.Name(), opts...)
}
