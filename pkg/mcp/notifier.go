package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/tradegate/internal/streaming"
	"github.com/rendis/tradegate/pkg/schema"
)

// NotificationMethod is the MCP method used for pushed approval events.
const NotificationMethod = "notifications/message"

// notificationSender is the part of *server.MCPServer the notifier uses.
type notificationSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// ApprovalNotifier pushes approval lifecycle events to watching operators.
type ApprovalNotifier struct {
	sender    notificationSender
	operators *OperatorRegistry
	logger    *slog.Logger
}

// NewApprovalNotifier creates a notifier that pushes through sender.
func NewApprovalNotifier(sender notificationSender, operators *OperatorRegistry, logger *slog.Logger) *ApprovalNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalNotifier{sender: sender, operators: operators, logger: logger}
}

// notifiedEvents are the event types operators care about.
var notifiedEvents = []schema.EventType{
	schema.EventApprovalRequest,
	schema.EventApprovalResolved,
	schema.EventCompleted,
	schema.EventError,
}

// Run forwards hub events until ctx is cancelled or the hub closes.
func (n *ApprovalNotifier) Run(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{Types: notifiedEvents})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			n.Forward(ev)
		}
	}
}

// Forward sends ev to every watching session. Best-effort: sessions that
// have gone away are dropped from the registry. Returns the number of
// sessions notified.
func (n *ApprovalNotifier) Forward(ev streaming.Event) int {
	params := map[string]any{
		"level":  "info",
		"logger": "tradegate",
		"data": map[string]any{
			"type":       string(ev.Type),
			"session_id": ev.SessionID,
			"stage":      ev.Stage,
			"timestamp":  ev.Timestamp.UTC().Format(time.RFC3339Nano),
			"payload":    ev.Payload,
		},
	}
	if ev.Type == schema.EventError {
		params["level"] = "error"
	}

	sent := 0
	for _, sid := range n.operators.Sessions() {
		err := n.sender.SendNotificationToSpecificClient(sid, NotificationMethod, params)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, server.ErrSessionNotFound):
			n.operators.Remove(sid)
		default:
			n.logger.Warn("operator notification failed",
				slog.String("mcp_session", sid),
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()))
		}
	}
	return sent
}
