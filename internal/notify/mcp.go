package notify

import (
	"log/slog"
)

// MCPSender abstracts the mcp-go server notification methods.
// Defined consumer-side per Go convention.
type MCPSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
	SendNotificationToAllClients(method string, params map[string]any)
}

// MCPNotifier pushes task lifecycle changes to MCP clients as
// notifications/message.
type MCPNotifier struct {
	sender MCPSender
}

// NewMCPNotifier creates an MCPNotifier.
func NewMCPNotifier(sender MCPSender) *MCPNotifier {
	return &MCPNotifier{sender: sender}
}

// Notify sends an MCP notification for the given event.
func (n *MCPNotifier) Notify(event Event) {
	switch event.Type {
	case "task.started", "task.stopping":
		n.sendMessage(event, "info")
	case "task.exited":
		level := "info"
		if event.ExitCode != 0 {
			level = "warning"
		}
		n.sendMessage(event, level)
	case "task.failed":
		n.sendMessage(event, "error")
	default:
		slog.Debug("mcp notifier: unknown event type", "type", event.Type)
	}
}

func (n *MCPNotifier) sendMessage(event Event, level string) {
	data := map[string]any{
		"type":     event.Type,
		"task_id":  event.TaskID,
		"task_key": event.Key,
		"message":  event.Message,
	}
	if event.PID != 0 {
		data["pid"] = event.PID
	}
	if event.Type == "task.exited" || event.Type == "task.failed" {
		data["exit_code"] = event.ExitCode
	}

	params := map[string]any{
		"level":  level,
		"logger": "quantrun",
		"data":   data,
	}

	n.send(event.MCPSessionID, "notifications/message", params)
}

// send dispatches to a specific client or broadcasts.
func (n *MCPNotifier) send(mcpSessionID, method string, params map[string]any) {
	if mcpSessionID != "" {
		if err := n.sender.SendNotificationToSpecificClient(mcpSessionID, method, params); err != nil {
			slog.Debug("mcp notification failed, falling back to broadcast",
				"session_id", mcpSessionID,
				"method", method,
				"error", err)
			n.sender.SendNotificationToAllClients(method, params)
		}
		return
	}
	n.sender.SendNotificationToAllClients(method, params)
}
