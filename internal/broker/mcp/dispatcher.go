package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/meddler/meddler/internal/broker/jsonrpc"
	"github.com/meddler/meddler/internal/broker/models"
	"github.com/meddler/meddler/internal/broker/session"
	"github.com/meddler/meddler/internal/broker/store"
	"github.com/meddler/meddler/internal/common/logger"
	"github.com/meddler/meddler/internal/version"
)

// argError marks a tool failure caused by the caller's arguments rather than
// by execution. It maps to JSON-RPC invalid params instead of internal error.
type argError struct {
	msg string
}

func (e *argError) Error() string {
	return e.msg
}

func invalidArg(format string, a ...any) error {
	return &argError{msg: fmt.Sprintf(format, a...)}
}

// Dispatcher routes MCP JSON-RPC requests to their handlers. It is shared by
// both transports: the legacy SSE POST endpoint and the streamable HTTP one.
type Dispatcher struct {
	store    store.Store
	sessions *session.Manager
	logger   *logger.Logger
}

// NewDispatcher creates a dispatcher over the given store and session manager.
func NewDispatcher(st store.Store, sessions *session.Manager, log *logger.Logger) *Dispatcher {
	return &Dispatcher{store: st, sessions: sessions, logger: log}
}

// Dispatch handles a single non-notification JSON-RPC request and always
// produces a response. Notifications are filtered out by the HTTP layer and
// never reach this point.
func (d *Dispatcher) Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)
	case "tools/list":
		return d.handleToolsList(req)
	case "tools/call":
		return d.handleToolsCall(ctx, req)
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "Method not found")
	}
}

func (d *Dispatcher) handleInitialize(req *jsonrpc.Request) *jsonrpc.Response {
	return jsonrpc.NewResult(req.ID, map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": version.Version,
		},
	})
}

func (d *Dispatcher) handleToolsList(req *jsonrpc.Request) *jsonrpc.Response {
	return jsonrpc.NewResult(req.ID, map[string]any{"tools": Tools()})
}

// toolCallParams is the params shape of a tools/call request.
type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if len(req.Params) == 0 {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Missing params")
	}

	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid params: "+err.Error())
	}
	args := params.Arguments
	if args == nil {
		args = map[string]any{}
	}

	var result any
	var err error
	switch params.Name {
	case "list_agents":
		result, err = d.toolListAgents(ctx)
	case "send_message":
		result, err = d.toolSendMessage(ctx, args)
	case "get_messages":
		result, err = d.toolGetMessages(ctx, args)
	case "create_task":
		result, err = d.toolCreateTask(ctx, args)
	case "get_task_status":
		result, err = d.toolGetTaskStatus(ctx, args)
	default:
		err = fmt.Errorf("Unknown tool: %s", params.Name)
	}

	if err != nil {
		d.logger.Warn("tool call failed",
			zap.String("tool", params.Name),
			zap.Error(err))
		var bad *argError
		if errors.As(err, &bad) {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, bad.msg)
		}
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error())
	}

	pretty, merr := json.MarshalIndent(result, "", "  ")
	if merr != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, merr.Error())
	}
	return jsonrpc.NewResult(req.ID, mcp.NewToolResultText(string(pretty)))
}

func (d *Dispatcher) toolListAgents(ctx context.Context) (any, error) {
	agents, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}

	listed := make([]map[string]any, 0, len(agents))
	for _, agent := range agents {
		if agent.Name == models.OrchestratorName {
			continue
		}
		listed = append(listed, map[string]any{
			"name":        agent.Name,
			"description": agent.Description,
			"connected":   d.sessions.IsConnected(agent.Name),
		})
	}
	return map[string]any{"agents": listed}, nil
}

func (d *Dispatcher) toolSendMessage(ctx context.Context, args map[string]any) (any, error) {
	to, ok := stringArg(args, "to")
	if !ok {
		return nil, invalidArg("Missing 'to' parameter")
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return nil, invalidArg("Missing 'content' parameter")
	}
	taskID, err := optionalUUIDArg(args, "task_id")
	if err != nil {
		return nil, err
	}

	sender, err := d.orchestrator(ctx)
	if err != nil {
		return nil, err
	}
	recipient, err := d.store.GetByName(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("Recipient agent '%s' not found: %w", to, err)
	}

	if taskID != nil {
		if err := d.store.MarkTaskStarted(ctx, *taskID); err != nil {
			d.logger.Warn("failed to mark task started",
				zap.String("task_id", taskID.String()),
				zap.Error(err))
		}
	}

	message, err := d.store.CreateMessage(ctx, models.CreateMessage{
		SenderID:    sender.ID,
		RecipientID: recipient.ID,
		TaskID:      taskID,
		Content:     content,
	})
	if err != nil {
		return nil, err
	}

	// Persist first, publish second: a failed publish means undelivered, not
	// lost.
	delivered := d.sessions.Notify(to, message)

	return map[string]any{
		"message_id": message.ID,
		"delivered":  delivered,
	}, nil
}

func (d *Dispatcher) toolGetMessages(ctx context.Context, args map[string]any) (any, error) {
	taskID, err := optionalUUIDArg(args, "task_id")
	if err != nil {
		return nil, err
	}

	var senderID, recipientID *uuid.UUID
	if name, ok := stringArg(args, "sender"); ok {
		agent, err := d.store.GetByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("Sender '%s' not found: %w", name, err)
		}
		senderID = &agent.ID
	}
	if name, ok := stringArg(args, "recipient"); ok {
		agent, err := d.store.GetByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("Recipient '%s' not found: %w", name, err)
		}
		recipientID = &agent.ID
	}

	messages, err := d.store.QueryMessages(ctx, models.MessageFilter{
		TaskID:      taskID,
		SenderID:    senderID,
		RecipientID: recipientID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": messages}, nil
}

func (d *Dispatcher) toolCreateTask(ctx context.Context, args map[string]any) (any, error) {
	title, ok := stringArg(args, "title")
	if !ok {
		return nil, invalidArg("Missing 'title' parameter")
	}

	var budget *int64
	if raw, ok := args["time_budget_secs"]; ok {
		num, ok := raw.(float64)
		if !ok {
			return nil, invalidArg("Invalid time_budget_secs: expected integer")
		}
		secs := int64(num)
		budget = &secs
	}

	creator, err := d.orchestrator(ctx)
	if err != nil {
		return nil, err
	}

	task, err := d.store.CreateTask(ctx, models.CreateTask{
		Title:          title,
		CreatedBy:      creator.ID,
		TimeBudgetSecs: budget,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"task_id": task.ID,
		"title":   task.Title,
	}, nil
}

func (d *Dispatcher) toolGetTaskStatus(ctx context.Context, args map[string]any) (any, error) {
	raw, ok := stringArg(args, "task_id")
	if !ok {
		return nil, invalidArg("Missing 'task_id' parameter")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, invalidArg("Invalid task_id: %v", err)
	}

	status, err := d.store.GetTaskStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return status, nil
}

// orchestrator resolves the reserved orchestrator pseudo-agent, registering
// it on first use so that a POST-only client works without ever opening the
// SSE stream.
func (d *Dispatcher) orchestrator(ctx context.Context) (*models.Agent, error) {
	return d.store.Register(ctx, models.RegisterAgent{
		Name:        models.OrchestratorName,
		Description: "MCP orchestrator (Cursor/Claude Desktop)",
	})
}

func stringArg(args map[string]any, key string) (string, bool) {
	value, ok := args[key].(string)
	return value, ok && value != ""
}

func optionalUUIDArg(args map[string]any, key string) (*uuid.UUID, error) {
	raw, ok := stringArg(args, key)
	if !ok {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, invalidArg("Invalid %s: %v", key, err)
	}
	return &id, nil
}
