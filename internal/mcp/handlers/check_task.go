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
	"github.com/btouchard/quantrun/internal/task"
)

const (
	longPollInterval = 250 * time.Millisecond
	longPollMaxWait  = 30
)

// RunLister reads the run history. Defined at the consumer side.
type RunLister interface {
	ListRuns(f store.RunFilter) ([]store.RunRecord, error)
}

// CheckTask returns a handler that reports the state of a task. Live tasks
// are read from the registry; finished ones from the run history.
// When wait_seconds > 0 and the task is live, it long-polls until the
// state changes or the timeout expires.
func CheckTask(o *orchestrator.Orchestrator, runs RunLister) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		key, _ := args["key"].(string)
		if key == "" {
			return mcp.NewToolResultError("key is required"), nil
		}

		waitSeconds := 0
		if w, ok := args["wait_seconds"].(float64); ok && w > 0 {
			waitSeconds = min(int(w), longPollMaxWait)
		}

		snap, live := o.Task(key)
		if live && waitSeconds > 0 {
			snap, live = waitForChange(ctx, o, snap, time.Duration(waitSeconds)*time.Second)
		}
		if live {
			return mcp.NewToolResultText(formatLive(snap, scriptMode(o, key))), nil
		}

		if runs != nil {
			recs, err := runs.ListRuns(store.RunFilter{Key: key, Limit: 1})
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Reading run history: %s", err)), nil
			}
			if len(recs) > 0 {
				return mcp.NewToolResultText(formatRun(recs[0])), nil
			}
		}

		return mcp.NewToolResultError(fmt.Sprintf("No task found for %s", key)), nil
	}
}

// waitForChange polls until the task leaves its initial state, disappears
// from the registry or the timeout expires.
func waitForChange(ctx context.Context, o *orchestrator.Orchestrator, initial task.Snapshot, timeout time.Duration) (task.Snapshot, bool) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(longPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return o.Task(initial.Key)
		case <-deadline:
			return o.Task(initial.Key)
		case <-ticker.C:
			snap, ok := o.Task(initial.Key)
			if !ok || snap.ID != initial.ID || snap.State != initial.State {
				return snap, ok
			}
		}
	}
}

func formatLive(snap task.Snapshot, mode string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", stateIcon(string(snap.State)), snap.Key)
	fmt.Fprintf(&b, "Status: %s\n", snap.State)
	if mode != "" {
		fmt.Fprintf(&b, "Mode: %s\n", mode)
	}
	fmt.Fprintf(&b, "Task ID: %s\n", snap.ID)
	if snap.PID > 0 {
		fmt.Fprintf(&b, "PID: %d\n", snap.PID)
	}
	fmt.Fprintf(&b, "Duration: %s\n", snap.FormatDuration())
	fmt.Fprintf(&b, "Subscribers: %d\n", snap.Subscribers)
	fmt.Fprintf(&b, "Command: %s\n", snap.Command)
	return b.String()
}

func formatRun(r store.RunRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", stateIcon(r.State), r.Key)
	fmt.Fprintf(&b, "Status: %s\n", r.State)
	fmt.Fprintf(&b, "Task ID: %s\n", r.TaskID)
	if r.State != store.RunRunning {
		fmt.Fprintf(&b, "Exit code: %d\n", r.ExitCode)
	}
	if r.Message != "" {
		fmt.Fprintf(&b, "Message: %s\n", r.Message)
	}
	fmt.Fprintf(&b, "Started: %s\n", r.StartedAt.Format(time.RFC3339))
	if !r.ExitedAt.IsZero() {
		fmt.Fprintf(&b, "Exited: %s (%s)\n", r.ExitedAt.Format(time.RFC3339), r.Duration().Round(time.Second))
	}
	return b.String()
}

func stateIcon(state string) string {
	switch state {
	case string(task.StateStarting):
		return "⏳"
	case string(task.StateRunning):
		return "🔄"
	case string(task.StateStopping):
		return "🛑"
	case store.RunExited:
		return "✅"
	case store.RunFailed:
		return "❌"
	default:
		return "❓"
	}
}
