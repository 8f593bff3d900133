// Package mcp implements the broker's MCP server surface: the tool registry
// exposed over tools/list and the JSON-RPC dispatcher behind both transports.
package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// ProtocolVersion is the MCP protocol revision reported by initialize.
const ProtocolVersion = "2024-11-05"

// ServerName identifies this server in the initialize handshake.
const ServerName = "meddler"

// Tools returns the definitions of the five orchestrator tools. The list is
// rebuilt per call; callers treat it as immutable.
func Tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool("list_agents",
			mcp.WithDescription("List all registered agents and their descriptions."),
		),
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to a specific agent by name. Returns the message ID. The response will arrive via SSE notification."),
			mcp.WithString("to",
				mcp.Required(),
				mcp.Description("Name of the recipient agent"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("Message content to send"),
			),
			mcp.WithString("task_id",
				mcp.Description("Optional task ID to group related messages"),
			),
		),
		mcp.NewTool("get_messages",
			mcp.WithDescription("Retrieve message history with optional filters."),
			mcp.WithString("task_id",
				mcp.Description("Filter by task ID"),
			),
			mcp.WithString("sender",
				mcp.Description("Filter by sender agent name"),
			),
			mcp.WithString("recipient",
				mcp.Description("Filter by recipient agent name"),
			),
		),
		mcp.NewTool("create_task",
			mcp.WithDescription("Create a new task to group related messages. Optionally set a time budget in seconds."),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("Title of the task"),
			),
			mcp.WithNumber("time_budget_secs",
				mcp.Description("Optional time budget in seconds (e.g., 28800 for 8 hours)"),
			),
		),
		mcp.NewTool("get_task_status",
			mcp.WithDescription("Get the status of a task, including elapsed and remaining time."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to check"),
			),
		),
	}
}
