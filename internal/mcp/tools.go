package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/quantrun/internal/mcp/handlers"
)

func registerTools(s *server.MCPServer, deps *Deps) {
	s.AddTool(
		mcp.NewTool("list_scripts",
			mcp.WithDescription("List the configured strategy scripts with their mode and the keys of their live runs."),
		),
		handlers.ListScripts(deps.Orchestrator),
	)

	s.AddTool(
		mcp.NewTool("start_script",
			mcp.WithDescription("Start a script in the background. Returns immediately with the task key; use check_task to monitor it. Shared scripts run once under their name, session scripts once per session_id."),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Script name from configuration"),
			),
			mcp.WithObject("payload",
				mcp.Description("JSON document written to the script's stdin"),
			),
			mcp.WithString("session_id",
				mcp.Description("Session id, required for session-mode scripts"),
			),
		),
		handlers.StartScript(deps.Orchestrator),
	)

	s.AddTool(
		mcp.NewTool("stop_task",
			mcp.WithDescription("Stop a running task. The process gets a termination signal, then is killed after the grace period."),
			mcp.WithString("key",
				mcp.Required(),
				mcp.Description("Task key: the script name, or script:session_id for session scripts"),
			),
		),
		handlers.StopTask(deps.Orchestrator),
	)

	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List live tasks."),
			mcp.WithString("state",
				mcp.Description("Filter by state"),
				mcp.Enum("all", "starting", "running", "stopping"),
			),
		),
		handlers.ListTasks(deps.Orchestrator),
	)

	s.AddTool(
		mcp.NewTool("check_task",
			mcp.WithDescription("Check the state of a task. Finished tasks are reported from run history. Supports long-polling with wait_seconds."),
			mcp.WithString("key",
				mcp.Required(),
				mcp.Description("Task key returned by start_script"),
			),
			mcp.WithNumber("wait_seconds",
				mcp.Description("Wait up to N seconds for a state change before responding (long-poll). 0 for immediate response."),
			),
		),
		handlers.CheckTask(deps.Orchestrator, deps.Runs),
	)

	if deps.Runs != nil {
		s.AddTool(
			mcp.NewTool("list_runs",
				mcp.WithDescription("List past runs from history, newest first."),
				mcp.WithString("key",
					mcp.Description("Filter by task key"),
				),
				mcp.WithString("state",
					mcp.Description("Filter by run state"),
					mcp.Enum("all", "running", "exited", "failed"),
				),
				mcp.WithNumber("limit",
					mcp.Description("Maximum number of runs to return (default: 20)"),
				),
				mcp.WithString("since",
					mcp.Description("RFC 3339 datetime, only runs started after this time"),
				),
			),
			handlers.ListRuns(deps.Runs),
		)
	}
}
