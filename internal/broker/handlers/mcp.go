package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meddler/meddler/internal/broker/jsonrpc"
	"github.com/meddler/meddler/internal/broker/models"
)

// mcpEndpointPath is the POST URL advertised in the SSE handshake event.
const mcpEndpointPath = "/mcp/sse"

// messageNotification is the JSON-RPC notification that wraps an agent
// message on the orchestrator stream.
type messageNotification struct {
	JSONRPC string                    `json:"jsonrpc"`
	Method  string                    `json:"method"`
	Params  messageNotificationParam `json:"params"`
}

type messageNotificationParam struct {
	Message *models.Message `json:"message"`
}

// MCPStream serves the legacy MCP SSE transport: an `endpoint` handshake
// event first, then `message` events for everything published to the
// orchestrator session.
func (h *Handlers) MCPStream(c *gin.Context) {
	_, err := h.store.Register(c.Request.Context(), models.RegisterAgent{
		Name:        models.OrchestratorName,
		Description: "MCP orchestrator (Cursor/Claude Desktop)",
	})
	if err != nil {
		h.logger.Error("failed to register orchestrator", zap.Error(err))
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	sub := h.sessions.Subscribe(models.OrchestratorName)
	defer sub.Close()

	writer, ok := newSSEWriter(c)
	if !ok {
		return
	}

	h.logger.Info("Orchestrator connected via MCP SSE")

	// MCP SSE handshake: tell the client where to POST requests.
	writer.Event("endpoint", []byte(mcpEndpointPath))

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writer.Comment("keep-alive")
		case evt, open := <-sub.Events():
			if !open {
				return
			}
			switch {
			case evt.JSONRPC != nil:
				writer.Event("message", evt.JSONRPC)
			case evt.Message != nil:
				notification := messageNotification{
					JSONRPC: jsonrpc.Version,
					Method:  "notifications/message",
					Params:  messageNotificationParam{Message: evt.Message},
				}
				data, err := json.Marshal(notification)
				if err != nil {
					writer.Event("message", []byte("error serializing response"))
					continue
				}
				writer.Event("message", data)
			}
		}
	}
}

// MCPRequest serves the streamable HTTP transport on POST /mcp and
// POST /mcp/sse: the JSON-RPC response is written inline into the HTTP body.
// Notifications get 202 with an empty body.
func (h *Handlers) MCPRequest(c *gin.Context) {
	var req jsonrpc.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "Parse error: "+err.Error()))
		return
	}

	if req.IsNotification() {
		h.logger.Info("Received MCP notification", zap.String("method", req.Method))
		c.Status(http.StatusAccepted)
		return
	}
	if req.Method == "notifications/initialized" {
		c.Status(http.StatusAccepted)
		return
	}

	// Any POSTed request counts as orchestrator contact, so the pseudo-agent
	// must exist before dispatch; workers may already be relaying to it.
	if _, err := h.store.Register(c.Request.Context(), models.RegisterAgent{
		Name:        models.OrchestratorName,
		Description: "MCP orchestrator (Cursor/Claude Desktop)",
	}); err != nil {
		h.logger.Warn("failed to register orchestrator", zap.Error(err))
	}

	response := h.dispatcher.Dispatch(c.Request.Context(), &req)
	c.JSON(http.StatusOK, response)
}
