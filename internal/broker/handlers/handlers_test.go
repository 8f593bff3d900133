package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meddler/meddler/internal/broker/models"
	"github.com/meddler/meddler/internal/broker/session"
	"github.com/meddler/meddler/internal/broker/store"
	"github.com/meddler/meddler/internal/common/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	store    store.Store
	sessions *session.Manager
	router   *gin.Engine
}

func newTestRouter(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	sessions := session.NewManager(logger.Default())
	h := New(st, sessions, logger.Default())
	return &fixture{store: st, sessions: sessions, router: h.Router()}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	return decoded
}

func TestHealth(t *testing.T) {
	f := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "meddler", body["service"])
	assert.NotEmpty(t, body["version"])
}

func TestRegisterIdempotent(t *testing.T) {
	f := newTestRouter(t)

	first := f.postJSON(t, "/agent/register", map[string]string{"name": "a", "description": "x"})
	require.Equal(t, http.StatusOK, first.Code)
	firstBody := decodeJSON(t, first)
	assert.Equal(t, "a", firstBody["name"])
	require.NotEmpty(t, firstBody["agent_id"])

	second := f.postJSON(t, "/agent/register", map[string]string{"name": "a", "description": "y"})
	require.Equal(t, http.StatusOK, second.Code)
	secondBody := decodeJSON(t, second)
	assert.Equal(t, firstBody["agent_id"], secondBody["agent_id"])
}

func TestRegisterRejectsMissingName(t *testing.T) {
	f := newTestRouter(t)

	rec := f.postJSON(t, "/agent/register", map[string]string{"description": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentMessageUnknownAgents(t *testing.T) {
	f := newTestRouter(t)
	f.postJSON(t, "/agent/register", map[string]string{"name": "known", "description": ""})

	rec := f.postJSON(t, "/agent/message", map[string]string{
		"from": "ghost", "to": "known", "content": "hi",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.postJSON(t, "/agent/message", map[string]string{
		"from": "known", "to": "ghost", "content": "hi",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentMessageInvalidTaskID(t *testing.T) {
	f := newTestRouter(t)
	f.postJSON(t, "/agent/register", map[string]string{"name": "a", "description": ""})
	f.postJSON(t, "/agent/register", map[string]string{"name": "b", "description": ""})

	rec := f.postJSON(t, "/agent/message", map[string]string{
		"from": "a", "to": "b", "content": "hi", "task_id": "not-a-uuid",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentMessageUndeliveredWithoutStream(t *testing.T) {
	f := newTestRouter(t)
	f.postJSON(t, "/agent/register", map[string]string{"name": "sender", "description": ""})
	f.postJSON(t, "/agent/register", map[string]string{"name": "recipient", "description": ""})

	rec := f.postJSON(t, "/agent/message", map[string]string{
		"from": "sender", "to": "recipient", "content": "hi",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, false, body["delivered"])
	assert.NotEmpty(t, body["message_id"])
}

func TestAgentSSEUnknownAgent(t *testing.T) {
	f := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/agent/sse/ghost", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// sseSession is a live event-stream connection against an httptest server.
type sseSession struct {
	resp   *http.Response
	reader *bufio.Reader
	events chan sseEvent
}

type sseEvent struct {
	name string
	data string
}

func openSSE(t *testing.T, url string) *sseSession {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	s := &sseSession{
		resp:   resp,
		reader: bufio.NewReader(resp.Body),
		events: make(chan sseEvent, 16),
	}
	go s.readLoop()
	t.Cleanup(func() { _ = resp.Body.Close() })
	return s
}

func (s *sseSession) readLoop() {
	var current sseEvent
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			close(s.events)
			return
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "" && current.name != "":
			s.events <- current
			current = sseEvent{}
		}
	}
}

func (s *sseSession) next(t *testing.T) sseEvent {
	t.Helper()
	select {
	case evt, ok := <-s.events:
		require.True(t, ok, "stream closed")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

func TestRelayDeliveryOverSSE(t *testing.T) {
	f := newTestRouter(t)
	server := httptest.NewServer(f.router)
	t.Cleanup(server.Close)

	f.postJSON(t, "/agent/register", map[string]string{"name": "sender", "description": ""})
	f.postJSON(t, "/agent/register", map[string]string{"name": "recipient", "description": ""})

	stream := openSSE(t, server.URL+"/agent/sse/recipient")

	// The stream attaches asynchronously; wait for the session to show up.
	require.Eventually(t, func() bool {
		return f.sessions.IsConnected("recipient")
	}, 2*time.Second, 10*time.Millisecond)

	rec := f.postJSON(t, "/agent/message", map[string]string{
		"from": "sender", "to": "recipient", "content": "hi",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeJSON(t, rec)["delivered"])

	evt := stream.next(t)
	assert.Equal(t, "message", evt.name)

	var msg models.Message
	require.NoError(t, json.Unmarshal([]byte(evt.data), &msg))
	assert.Equal(t, "hi", msg.Content)
}

func TestMCPStreamHandshakeAndNotification(t *testing.T) {
	f := newTestRouter(t)
	server := httptest.NewServer(f.router)
	t.Cleanup(server.Close)

	stream := openSSE(t, server.URL+"/mcp/sse")

	handshake := stream.next(t)
	assert.Equal(t, "endpoint", handshake.name)
	assert.Equal(t, "/mcp/sse", handshake.data)

	require.Eventually(t, func() bool {
		return f.sessions.IsConnected(models.OrchestratorName)
	}, 2*time.Second, 10*time.Millisecond)

	// A worker message relayed to the orchestrator arrives wrapped as a
	// JSON-RPC notification.
	f.postJSON(t, "/agent/register", map[string]string{"name": "worker", "description": ""})
	rec := f.postJSON(t, "/agent/message", map[string]string{
		"from": "worker", "to": models.OrchestratorName, "content": "done",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	evt := stream.next(t)
	assert.Equal(t, "message", evt.name)

	var notification struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  struct {
			Message models.Message `json:"message"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal([]byte(evt.data), &notification))
	assert.Equal(t, "2.0", notification.JSONRPC)
	assert.Equal(t, "notifications/message", notification.Method)
	assert.Equal(t, "done", notification.Params.Message.Content)
}

func TestMCPInitializeInline(t *testing.T) {
	f := newTestRouter(t)

	for _, path := range []string{"/mcp", "/mcp/sse"} {
		t.Run(path, func(t *testing.T) {
			rec := f.postJSON(t, path, map[string]any{
				"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
			})

			require.Equal(t, http.StatusOK, rec.Code)
			body := decodeJSON(t, rec)
			assert.Equal(t, float64(1), body["id"])

			result, ok := body["result"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "2024-11-05", result["protocolVersion"])
			info := result["serverInfo"].(map[string]any)
			assert.Equal(t, "meddler", info["name"])
		})
	}
}

func TestMCPToolsListInline(t *testing.T) {
	f := newTestRouter(t)

	rec := f.postJSON(t, "/mcp", map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/list", "params": map[string]any{},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	for _, name := range []string{"list_agents", "send_message", "get_messages", "create_task", "get_task_status"} {
		assert.Contains(t, rec.Body.String(), fmt.Sprintf("%q", name))
	}
}

func TestMCPUnknownMethodInline(t *testing.T) {
	f := newTestRouter(t)

	rec := f.postJSON(t, "/mcp", map[string]any{
		"jsonrpc": "2.0", "id": 3, "method": "foo/bar",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(-32601), errObj["code"])
}

func TestMCPNotificationReturns202(t *testing.T) {
	f := newTestRouter(t)

	// Absent id.
	rec := f.postJSON(t, "/mcp/sse", map[string]any{
		"jsonrpc": "2.0", "method": "notifications/initialized",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())

	// Explicit null id.
	rec = f.postJSON(t, "/mcp", map[string]any{
		"jsonrpc": "2.0", "id": nil, "method": "anything",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestMCPRequestRegistersOrchestrator(t *testing.T) {
	f := newTestRouter(t)

	// A POST-only (streamable HTTP) client never opens GET /mcp/sse; its
	// first request must still create the orchestrator pseudo-agent.
	rec := f.postJSON(t, "/mcp", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	agent, err := f.store.GetByName(context.Background(), models.OrchestratorName)
	require.NoError(t, err)
	assert.Equal(t, models.OrchestratorName, agent.Name)

	// A worker can now relay to the orchestrator even though no stream is
	// open: persisted, undelivered, not a 404.
	f.postJSON(t, "/agent/register", map[string]string{"name": "worker", "description": ""})
	rec = f.postJSON(t, "/agent/message", map[string]string{
		"from": "worker", "to": models.OrchestratorName, "content": "report",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeJSON(t, rec)["delivered"])
}

func TestMCPParseError(t *testing.T) {
	f := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeJSON(t, rec)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(-32700), errObj["code"])
}

func TestAgentMessageWithUnknownTaskIDStillSucceeds(t *testing.T) {
	f := newTestRouter(t)
	f.postJSON(t, "/agent/register", map[string]string{"name": "a", "description": ""})
	f.postJSON(t, "/agent/register", map[string]string{"name": "b", "description": ""})

	rec := f.postJSON(t, "/agent/message", map[string]string{
		"from": "a", "to": "b", "content": "hi",
		"task_id": "01234567-89ab-cdef-0123-456789abcdef",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflights(t *testing.T) {
	f := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/mcp", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
