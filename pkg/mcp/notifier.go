package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// UserNotifier pushes notifications to connected users.
type UserNotifier interface {
	Notify(ctx context.Context, userID string, payload map[string]any) error
}

// MCPNotifier implements UserNotifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to MCP sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the user's session. A user without a
// session is skipped.
func (n *MCPNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// WatchForms notifies the designated user whenever a run starts waiting for
// their form. It consumes run_waiting events from hub until ctx is done.
func WatchForms(ctx context.Context, hub streaming.EventHub, notifier UserNotifier, logger *slog.Logger) error {
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{schema.EventRunWaiting}})
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				userID, pending := formRecipient(ev)
				if !pending {
					continue
				}
				err := notifier.Notify(ctx, userID, map[string]any{
					"type":        "form_pending",
					"workflow_id": ev.WorkflowID,
					"run_id":      ev.RunID,
					"step":        ev.Step,
				})
				if err != nil {
					logger.Warn("form notification failed", slog.String("run_id", ev.RunID), slog.String("error", err.Error()))
				}
			}
		}
	}()
	return nil
}

func formRecipient(ev streaming.StreamEvent) (string, bool) {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return "", false
	}
	form, _ := payload["form"].(bool)
	userID, _ := payload["user_id"].(string)
	return userID, form && userID != ""
}
