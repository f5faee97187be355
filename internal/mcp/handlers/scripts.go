package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/quantrun/internal/config"
	"github.com/btouchard/quantrun/internal/orchestrator"
	"github.com/btouchard/quantrun/internal/task"
)

// ListScripts returns a handler that lists the configured scripts.
func ListScripts(o *orchestrator.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		scripts := o.Scripts()
		if len(scripts) == 0 {
			return mcp.NewToolResultText("No scripts configured."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "📜 Scripts (%d)\n\n", len(scripts))
		for _, s := range scripts {
			fmt.Fprintf(&sb, "**%s** (%s)\n", s.Name, s.Mode)
			if s.Description != "" {
				fmt.Fprintf(&sb, "  %s\n", s.Description)
			}
			fmt.Fprintf(&sb, "  Command: %s\n", s.Command)
			if len(s.Running) > 0 {
				fmt.Fprintf(&sb, "  Running: %s\n", strings.Join(s.Running, ", "))
			}
			sb.WriteString("\n")
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

// StartScript returns a handler that launches a script in the background.
// The payload argument, an object or a JSON string, is written to stdin.
func StartScript(o *orchestrator.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		name, _ := args["name"].(string)
		if name == "" {
			return mcp.NewToolResultError("name is required"), nil
		}
		sessionID, _ := args["session_id"].(string)

		t, err := o.Start(ctx, name, sessionID, args["payload"])
		if err != nil {
			return mcp.NewToolResultError(startError(err)), nil
		}

		snap := t.Snapshot()
		var sb strings.Builder
		fmt.Fprintf(&sb, "🚀 Started %s\n\n", snap.Key)
		fmt.Fprintf(&sb, "  Task ID: %s\n", snap.ID)
		fmt.Fprintf(&sb, "  PID: %d\n", snap.PID)
		fmt.Fprintf(&sb, "  Command: %s\n", snap.Command)
		fmt.Fprintf(&sb, "\nUse check_task with key %q to monitor it.", snap.Key)
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func startError(err error) string {
	switch {
	case errors.Is(err, task.ErrConflict):
		return fmt.Sprintf("Already running: %s. Use stop_task first.", err)
	case errors.Is(err, orchestrator.ErrUnknownScript):
		return fmt.Sprintf("%s. Use list_scripts to see available scripts.", err)
	case errors.Is(err, orchestrator.ErrWrongMode):
		return fmt.Sprintf("%s (session scripts need a session_id)", err)
	default:
		return fmt.Sprintf("Start failed: %s", err)
	}
}

// StopTask returns a handler that stops a live task by key.
func StopTask(o *orchestrator.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, _ := req.GetArguments()["key"].(string)
		if key == "" {
			return mcp.NewToolResultError("key is required"), nil
		}

		if err := o.Stop(key); err != nil {
			if errors.Is(err, task.ErrNotRunning) {
				return mcp.NewToolResultError(fmt.Sprintf("Not running: %s", key)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Stop failed: %s", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("🛑 Stopping %s. The process is terminated after the grace period.", key)), nil
	}
}

// scriptMode reports the mode of the script a key belongs to.
func scriptMode(o *orchestrator.Orchestrator, key string) string {
	name, _, _ := strings.Cut(key, ":")
	s, err := o.Script(name)
	if err != nil {
		return ""
	}
	if s.Mode == "" {
		return config.ModeShared
	}
	return s.Mode
}
