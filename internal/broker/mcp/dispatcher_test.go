package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meddler/meddler/internal/broker/jsonrpc"
	"github.com/meddler/meddler/internal/broker/models"
	"github.com/meddler/meddler/internal/broker/session"
	"github.com/meddler/meddler/internal/broker/store"
	"github.com/meddler/meddler/internal/common/logger"
)

type dispatcherFixture struct {
	store      store.Store
	sessions   *session.Manager
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	st := store.NewMemoryStore()
	sessions := session.NewManager(logger.Default())
	return &dispatcherFixture{
		store:      st,
		sessions:   sessions,
		dispatcher: NewDispatcher(st, sessions, logger.Default()),
	}
}

func (f *dispatcherFixture) dispatch(t *testing.T, id int, method string, params any) *jsonrpc.Response {
	t.Helper()
	req := &jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		req.Params = raw
	}
	return f.dispatcher.Dispatch(context.Background(), req)
}

func (f *dispatcherFixture) callTool(t *testing.T, tool string, args map[string]any) *jsonrpc.Response {
	t.Helper()
	return f.dispatch(t, 1, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	})
}

// toolResultJSON unwraps the text content of a successful tool call and
// decodes it.
func toolResultJSON(t *testing.T, resp *jsonrpc.Response) map[string]any {
	t.Helper()
	require.Nil(t, resp.Error, "expected success, got error: %+v", resp.Error)

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)

	var envelope struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	require.Len(t, envelope.Content, 1)
	require.Equal(t, "text", envelope.Content[0].Type)

	var inner map[string]any
	require.NoError(t, json.Unmarshal([]byte(envelope.Content[0].Text), &inner))
	return inner
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, 1, "initialize", map[string]any{})

	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, ProtocolVersion, result["protocolVersion"])

	info, ok := result["serverInfo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, ServerName, info["name"])
	assert.NotEmpty(t, info["version"])
}

func TestToolsListHasFiveTools(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, 2, "tools/list", map[string]any{})
	require.Nil(t, resp.Error)

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)

	var result struct {
		Tools []struct {
			Name        string          `json:"name"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Tools, 5)

	names := make([]string, 0, 5)
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.InputSchema, "every tool carries an inputSchema")
	}
	assert.ElementsMatch(t, names,
		[]string{"list_agents", "send_message", "get_messages", "create_task", "get_task_status"})
}

func TestUnknownMethod(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, 3, "foo/bar", nil)

	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestToolsCallMissingParams(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, 4, "tools/call", nil)

	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestToolsCallUnknownTool(t *testing.T) {
	f := newFixture(t)

	resp := f.callTool(t, "explode", nil)

	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "Unknown tool")
}

func TestListAgentsExcludesOrchestrator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Register(ctx, models.RegisterAgent{Name: models.OrchestratorName})
	require.NoError(t, err)
	_, err = f.store.Register(ctx, models.RegisterAgent{Name: "worker", Description: "does work"})
	require.NoError(t, err)

	sub := f.sessions.Subscribe("worker")
	defer sub.Close()

	result := toolResultJSON(t, f.callTool(t, "list_agents", nil))
	agents, ok := result["agents"].([]any)
	require.True(t, ok)
	require.Len(t, agents, 1)

	entry := agents[0].(map[string]any)
	assert.Equal(t, "worker", entry["name"])
	assert.Equal(t, "does work", entry["description"])
	assert.Equal(t, true, entry["connected"])
}

func TestSendMessageMissingArgs(t *testing.T) {
	f := newFixture(t)

	resp := f.callTool(t, "send_message", map[string]any{"content": "hi"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "'to'")

	resp = f.callTool(t, "send_message", map[string]any{"to": "worker"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "'content'")
}

func TestSendMessageUnknownRecipient(t *testing.T) {
	f := newFixture(t)

	resp := f.callTool(t, "send_message", map[string]any{"to": "ghost", "content": "hi"})

	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "ghost")
}

func TestSendMessageInvalidTaskID(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Register(context.Background(), models.RegisterAgent{Name: "worker"})
	require.NoError(t, err)

	resp := f.callTool(t, "send_message", map[string]any{
		"to": "worker", "content": "hi", "task_id": "not-a-uuid",
	})

	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestSendMessagePersistsThenPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.Register(ctx, models.RegisterAgent{Name: "worker"})
	require.NoError(t, err)

	// No stream open: persisted but undelivered.
	result := toolResultJSON(t, f.callTool(t, "send_message", map[string]any{
		"to": "worker", "content": "offline",
	}))
	assert.Equal(t, false, result["delivered"])
	assert.NotEmpty(t, result["message_id"])

	sub := f.sessions.Subscribe("worker")
	defer sub.Close()

	result = toolResultJSON(t, f.callTool(t, "send_message", map[string]any{
		"to": "worker", "content": "online",
	}))
	assert.Equal(t, true, result["delivered"])

	evt := <-sub.Events()
	require.NotNil(t, evt.Message)
	assert.Equal(t, "online", evt.Message.Content)

	// Both sends are in history regardless of delivery.
	history := toolResultJSON(t, f.callTool(t, "get_messages", map[string]any{"recipient": "worker"}))
	messages, ok := history["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2)
}

func TestGetMessagesUnknownSender(t *testing.T) {
	f := newFixture(t)

	resp := f.callTool(t, "get_messages", map[string]any{"sender": "ghost"})

	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
}

func TestCreateTaskAndStatus(t *testing.T) {
	f := newFixture(t)

	created := toolResultJSON(t, f.callTool(t, "create_task", map[string]any{
		"title":            "ship it",
		"time_budget_secs": 28800,
	}))
	assert.Equal(t, "ship it", created["title"])
	taskID, ok := created["task_id"].(string)
	require.True(t, ok)

	status := toolResultJSON(t, f.callTool(t, "get_task_status", map[string]any{"task_id": taskID}))
	task, ok := status["task"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ship it", task["title"])
	assert.Equal(t, float64(28800), task["time_budget_secs"])
	assert.Nil(t, status["elapsed_secs"], "not started yet")

	// A send that references the task starts its clock.
	_, err := f.store.Register(context.Background(), models.RegisterAgent{Name: "worker"})
	require.NoError(t, err)
	toolResultJSON(t, f.callTool(t, "send_message", map[string]any{
		"to": "worker", "content": "go", "task_id": taskID,
	}))

	status = toolResultJSON(t, f.callTool(t, "get_task_status", map[string]any{"task_id": taskID}))
	assert.NotNil(t, status["elapsed_secs"])
	assert.NotNil(t, status["remaining_secs"])
}

func TestCreateTaskMissingTitle(t *testing.T) {
	f := newFixture(t)

	resp := f.callTool(t, "create_task", map[string]any{"time_budget_secs": 60})

	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestGetTaskStatusBadArgs(t *testing.T) {
	f := newFixture(t)

	resp := f.callTool(t, "get_task_status", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)

	resp = f.callTool(t, "get_task_status", map[string]any{"task_id": "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}
