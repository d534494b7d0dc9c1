package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/tradegate/pkg/schema"
)

// MCPConfig selects a remote tool server reached over stdio.
type MCPConfig struct {
	Command string            `koanf:"command"`
	Args    []string          `koanf:"args"`
	Env     []string          `koanf:"env"`
	ToolMap map[string]string `koanf:"tool_map"`
}

// mcpClient is the subset of the mcp-go client the invoker uses.
type mcpClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCPInvoker runs pipeline stages as tool calls on an MCP server.
type MCPInvoker struct {
	client  mcpClient
	toolMap map[string]string
	logger  *slog.Logger
}

// DialStdio spawns cfg.Command and performs the MCP handshake.
func DialStdio(ctx context.Context, cfg MCPConfig, logger *slog.Logger) (*MCPInvoker, error) {
	if cfg.Command == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "tools.command is required for mcp mode")
	}
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "start tool server %q: %v", cfg.Command, err).WithCause(err)
	}
	return newMCPInvoker(ctx, c, cfg.ToolMap, logger)
}

// ConnectInProcess attaches to an MCP server running in this process.
func ConnectInProcess(ctx context.Context, srv *server.MCPServer, toolMap map[string]string, logger *slog.Logger) (*MCPInvoker, error) {
	c, err := client.NewInProcessClient(srv)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "in-process client: %v", err).WithCause(err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "start in-process client: %v", err).WithCause(err)
	}
	return newMCPInvoker(ctx, c, toolMap, logger)
}

func newMCPInvoker(ctx context.Context, c mcpClient, toolMap map[string]string, logger *slog.Logger) (*MCPInvoker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := DefaultBindings()
	for stage, name := range toolMap {
		m[stage] = name
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "tradegate", Version: "1.0.0"}
	res, err := c.Initialize(ctx, initReq)
	if err != nil {
		_ = c.Close()
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "initialize tool server: %v", err).WithCause(err)
	}
	logger.Info("connected to tool server",
		slog.String("server", res.ServerInfo.Name),
		slog.String("protocol", res.ProtocolVersion),
	)
	return &MCPInvoker{client: c, toolMap: m, logger: logger}, nil
}

// Tools lists the tool names the server advertises.
func (m *MCPInvoker) Tools(ctx context.Context) ([]string, error) {
	res, err := m.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "list tools: %v", err).WithCause(err)
	}
	names := make([]string, len(res.Tools))
	for i, t := range res.Tools {
		names[i] = t.Name
	}
	return names, nil
}

// Invoke calls the tool mapped to stage and decodes its JSON text result.
func (m *MCPInvoker) Invoke(ctx context.Context, stage string, input map[string]any) (map[string]any, error) {
	name, ok := m.toolMap[stage]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "no tool mapped to stage %q", stage).WithStage(stage)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = input

	res, err := m.client.CallTool(ctx, req)
	if err != nil {
		return nil, stageError(stage, fmt.Errorf("call %s: %w", name, err))
	}

	text := resultText(res)
	if res.IsError {
		return nil, remoteError(stage, name, text)
	}
	if strings.TrimSpace(text) == "" {
		return map[string]any{}, nil
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStageInvocation, "tool %s returned non-JSON output", name).
			WithStage(stage).WithCause(err)
	}
	return out, nil
}

// Close shuts the client down.
func (m *MCPInvoker) Close() error {
	return m.client.Close()
}

func resultText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if text := mcp.GetTextFromContent(c); text != "" {
			return text
		}
	}
	return ""
}

// remoteError restores a GateError encoded by the tool server, or wraps the raw text.
func remoteError(stage, tool, text string) error {
	var encoded schema.GateError
	if err := json.Unmarshal([]byte(text), &encoded); err == nil && encoded.Code != "" {
		encoded.Stage = stage
		return &encoded
	}
	return schema.NewErrorf(schema.ErrCodeStageInvocation, "tool %s: %s", tool, text).WithStage(stage)
}
