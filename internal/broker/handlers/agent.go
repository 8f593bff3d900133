package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meddler/meddler/internal/broker/models"
)

// registerRequest is the body of POST /agent/register.
type registerRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// agentMessageRequest is the body of POST /agent/message.
type agentMessageRequest struct {
	From    string  `json:"from" binding:"required"`
	To      string  `json:"to" binding:"required"`
	Content string  `json:"content" binding:"required"`
	TaskID  *string `json:"task_id"`
}

// AgentRegister registers a worker agent, idempotent by name.
func (h *Handlers) AgentRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	agent, err := h.store.Register(c.Request.Context(), models.RegisterAgent{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		h.logger.Error("failed to register agent",
			zap.String("name", req.Name),
			zap.Error(err))
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agent_id": agent.ID,
		"name":     agent.Name,
	})
}

// AgentStream serves the worker push stream: `message` events carrying the
// serialized Message for everything relayed to this agent. MCP protocol
// frames never appear on worker streams.
func (h *Handlers) AgentStream(c *gin.Context) {
	name := c.Param("name")

	agent, err := h.store.GetByName(c.Request.Context(), name)
	if err != nil {
		c.String(http.StatusNotFound, err.Error())
		return
	}

	connLog := h.logger.WithFields(zap.String("agent", name))
	if err := h.store.Touch(c.Request.Context(), agent.ID); err != nil {
		connLog.Warn("failed to touch agent", zap.Error(err))
	}

	sub := h.sessions.Subscribe(name)
	defer sub.Close()

	writer, ok := newSSEWriter(c)
	if !ok {
		return
	}

	connLog.Info("Agent connected via SSE")

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
			if evt.Message == nil {
				continue
			}
			data, err := json.Marshal(evt.Message)
			if err != nil {
				writer.Event("message", []byte("error serializing message"))
				continue
			}
			writer.Event("message", data)
		}
	}
}

// AgentMessage relays a message from one worker agent to another:
// persist-then-publish, reporting whether the recipient had a live stream.
func (h *Handlers) AgentMessage(c *gin.Context) {
	var req agentMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	sender, err := h.store.GetByName(c.Request.Context(), req.From)
	if err != nil {
		c.String(http.StatusNotFound, "Sender not found: "+err.Error())
		return
	}
	recipient, err := h.store.GetByName(c.Request.Context(), req.To)
	if err != nil {
		c.String(http.StatusNotFound, "Recipient not found: "+err.Error())
		return
	}

	var taskID *uuid.UUID
	if req.TaskID != nil {
		id, err := uuid.Parse(*req.TaskID)
		if err != nil {
			c.String(http.StatusBadRequest, "Invalid task_id: "+err.Error())
			return
		}
		taskID = &id
	}

	if taskID != nil {
		if err := h.store.MarkTaskStarted(c.Request.Context(), *taskID); err != nil {
			h.logger.Warn("failed to mark task started",
				zap.String("task_id", taskID.String()),
				zap.Error(err))
		}
	}

	message, err := h.store.CreateMessage(c.Request.Context(), models.CreateMessage{
		SenderID:    sender.ID,
		RecipientID: recipient.ID,
		TaskID:      taskID,
		Content:     req.Content,
	})
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	delivered := h.sessions.Notify(req.To, message)

	c.JSON(http.StatusOK, gin.H{
		"message_id": message.ID,
		"delivered":  delivered,
	})
}
