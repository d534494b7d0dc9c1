package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/tradegate/internal/engine"
	"github.com/rendis/tradegate/internal/scheduler"
	"github.com/rendis/tradegate/internal/validation"
)

// Version is reported in the MCP handshake.
const Version = "1.0.0"

// WatchlistReporter exposes the scheduler's watch state. *scheduler.Scheduler
// satisfies it.
type WatchlistReporter interface {
	Watches() []scheduler.WatchStatus
}

// TradeServerDeps holds the dependencies for creating a TradeServer.
type TradeServerDeps struct {
	Executor  engine.Executor
	Watchlist WatchlistReporter
	Validator *validation.RequestValidator
	Logger    *slog.Logger
}

// TradeServer wraps an MCP server with the trade.* tool handlers.
type TradeServer struct {
	executor  engine.Executor
	watchlist WatchlistReporter
	validator *validation.RequestValidator
	logger    *slog.Logger
	operators *OperatorRegistry
	notifier  *ApprovalNotifier
	mcpServer *server.MCPServer
}

// NewTradeServer creates a TradeServer with every trade tool registered.
func NewTradeServer(deps TradeServerDeps) *TradeServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	validator := deps.Validator
	if validator == nil {
		validator = validation.NewRequestValidator()
	}

	s := &TradeServer{
		executor:  deps.Executor,
		watchlist: deps.Watchlist,
		validator: validator,
		logger:    logger,
		operators: NewOperatorRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"tradegate",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("tradegate runs a human-gated trading decision pipeline. Use trade.start to analyze a ticker; a BUY or SELL proposal suspends the session for approval. Operators call trade.watch to receive approval notifications, trade.pending to list open requests and trade.respond to approve or reject them. trade.resume injects a decision directly, trade.status and trade.history inspect a session, trade.stats reports counters."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewApprovalNotifier(mcpSrv, s.operators, logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *TradeServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *TradeServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns the approval notifier bound to this server's operators.
func (s *TradeServer) Notifier() *ApprovalNotifier {
	return s.notifier
}

// Operators returns the watching operator registry.
func (s *TradeServer) Operators() *OperatorRegistry {
	return s.operators
}

func (s *TradeServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: respondTool(), Handler: s.handleRespond},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: pendingTool(), Handler: s.handlePending},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: statsTool(), Handler: s.handleStats},
		{Tool: watchTool(), Handler: s.handleWatch},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("trade.start",
		mcp.WithDescription("Start a trading decision session for a ticker"),
		mcp.WithString("subject", mcp.Required(), mcp.Description("Ticker symbol, e.g. AAPL or BRK.B")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("trade.resume",
		mcp.WithDescription("Resume a session suspended at the approval gate"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the suspended session")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("Whether the proposed trade is approved")),
		mcp.WithString("notes", mcp.Description("Operator notes recorded with the decision")),
	)
}

func respondTool() mcp.Tool {
	return mcp.NewTool("trade.respond",
		mcp.WithDescription("Answer a pending approval request"),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("ID of the approval request")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("Approve (true) or reject (false)")),
		mcp.WithString("notes", mcp.Description("Operator notes recorded with the decision")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("trade.status",
		mcp.WithDescription("Get the current outcome of a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session to query")),
	)
}

func pendingTool() mcp.Tool {
	return mcp.NewTool("trade.pending",
		mcp.WithDescription("List approval requests awaiting an operator"),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("trade.history",
		mcp.WithDescription("Replay the event journal of a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session to replay")),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("trade.stats",
		mcp.WithDescription("Report execution and worker pool counters"),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("trade.watch",
		mcp.WithDescription("Register this session to receive approval notifications"),
		mcp.WithString("operator_id", mcp.Required(), mcp.Description("ID of the watching operator")),
	)
}
