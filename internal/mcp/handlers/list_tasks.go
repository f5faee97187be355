package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/quantrun/internal/orchestrator"
	"github.com/btouchard/quantrun/internal/store"
)

// ListTasks returns a handler that lists live tasks, optionally by state.
func ListTasks(o *orchestrator.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		state, _ := req.GetArguments()["state"].(string)
		if state == "all" {
			state = ""
		}

		var sb strings.Builder
		count := 0
		for _, snap := range o.Tasks() {
			if state != "" && string(snap.State) != state {
				continue
			}
			count++
			fmt.Fprintf(&sb, "%s **%s** — %s\n", stateIcon(string(snap.State)), snap.Key, snap.State)
			fmt.Fprintf(&sb, "  PID: %d | Duration: %s | Subscribers: %d\n", snap.PID, snap.FormatDuration(), snap.Subscribers)
			sb.WriteString("\n")
		}

		if count == 0 {
			return mcp.NewToolResultText("No tasks running."), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("📋 Tasks (%d)\n\n%s", count, sb.String())), nil
	}
}

// ListRuns returns a handler that lists past runs from history.
func ListRuns(runs RunLister) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		filter := store.RunFilter{Limit: 20}
		if key, ok := args["key"].(string); ok {
			filter.Key = key
		}
		if state, ok := args["state"].(string); ok && state != "all" {
			filter.State = state
		}
		if limit, ok := args["limit"].(float64); ok && limit > 0 {
			filter.Limit = min(int(limit), 200)
		}
		if since, ok := args["since"].(string); ok && since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return mcp.NewToolResultError("since must be an RFC 3339 datetime"), nil
			}
			filter.Since = t
		}

		recs, err := runs.ListRuns(filter)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Reading run history: %s", err)), nil
		}
		if len(recs) == 0 {
			return mcp.NewToolResultText("No runs found matching the given filters."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "🗂 Runs (%d found)\n\n", len(recs))
		for _, r := range recs {
			fmt.Fprintf(&sb, "%s **%s** — %s\n", stateIcon(r.State), r.Key, r.State)
			fmt.Fprintf(&sb, "  Started: %s", r.StartedAt.Format(time.RFC3339))
			if !r.ExitedAt.IsZero() {
				fmt.Fprintf(&sb, " | Duration: %s | Exit code: %d", r.Duration().Round(time.Second), r.ExitCode)
			}
			sb.WriteString("\n")
			if r.Message != "" {
				fmt.Fprintf(&sb, "  %s\n", r.Message)
			}
			sb.WriteString("\n")
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}
