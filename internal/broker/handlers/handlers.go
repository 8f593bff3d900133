// Package handlers implements the broker's HTTP surface: health, the
// dual-transport MCP endpoint, and the worker agent routes.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meddler/meddler/internal/broker/mcp"
	"github.com/meddler/meddler/internal/broker/session"
	"github.com/meddler/meddler/internal/broker/store"
	"github.com/meddler/meddler/internal/common/httpmw"
	"github.com/meddler/meddler/internal/common/logger"
	"github.com/meddler/meddler/internal/version"
)

// keepAliveInterval is how often SSE streams emit comment pings so that idle
// connections are not reaped by intermediaries.
const keepAliveInterval = 15 * time.Second

// Handlers carries the shared dependencies of all HTTP handlers.
type Handlers struct {
	store      store.Store
	sessions   *session.Manager
	dispatcher *mcp.Dispatcher
	logger     *logger.Logger
}

// New creates the handler set over the given store and session manager.
func New(st store.Store, sessions *session.Manager, log *logger.Logger) *Handlers {
	return &Handlers{
		store:      st,
		sessions:   sessions,
		dispatcher: mcp.NewDispatcher(st, sessions, log),
		logger:     log,
	}
}

// Router assembles the gin engine with middleware and all broker routes.
func (h *Handlers) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.CORS())
	router.Use(httpmw.RequestLogger(h.logger, "meddler"))
	router.Use(httpmw.OtelTracing("meddler"))

	router.GET("/health", h.Health)

	router.GET("/mcp/sse", h.MCPStream)
	router.POST("/mcp/sse", h.MCPRequest)
	router.POST("/mcp", h.MCPRequest)

	router.POST("/agent/register", h.AgentRegister)
	router.GET("/agent/sse/:name", h.AgentStream)
	router.POST("/agent/message", h.AgentMessage)

	return router
}

// Health reports liveness and the build version.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "meddler",
		"version": version.Version,
	})
}
