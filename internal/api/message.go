package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/partyhub/internal/gateway"
	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/participation"
)

type MessageHandler struct {
	gw     gateway.Gateway
	engine *participation.Engine
	logger *zap.Logger
}

func NewMessageHandler(gw gateway.Gateway, engine *participation.Engine, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{gw: gw, engine: engine, logger: logger}
}

// community resolves :id to an existing community.
func (h *MessageHandler) community(c *gin.Context) (uuid.UUID, bool) {
	communityID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid community ID"})
		return uuid.Nil, false
	}
	e, err := h.gw.FetchEntity(c.Request.Context(), communityID)
	if err != nil {
		respondError(c, h.logger, err, "failed to load community")
		return uuid.Nil, false
	}
	if e.Kind != models.KindCommunity {
		c.JSON(http.StatusNotFound, gin.H{"error": "community not found"})
		return uuid.Nil, false
	}
	return communityID, true
}

// List handles GET /v1/communities/:id/messages
//
// Messages come back oldest first, ordered by (created_at, id).
func (h *MessageHandler) List(c *gin.Context) {
	communityID, ok := h.community(c)
	if !ok {
		return
	}

	chat := participation.NewChat(communityID)
	defer chat.Close()
	if err := h.engine.LoadChat(c.Request.Context(), chat); err != nil {
		respondError(c, h.logger, err, "failed to list messages")
		return
	}
	messages := chat.Messages()
	if messages == nil {
		messages = []models.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

// createMessageRequest needs content, a shared event, or both.
type createMessageRequest struct {
	Content *string    `json:"content"`
	EventID *uuid.UUID `json:"event_id"`
}

// Create handles POST /v1/communities/:id/messages
func (h *MessageHandler) Create(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	communityID, ok := h.community(c)
	if !ok {
		return
	}

	chat := participation.NewChat(communityID)
	defer chat.Close()
	msg, err := h.engine.Send(c.Request.Context(), chat, req.Content, req.EventID)
	if err != nil {
		respondError(c, h.logger, err, "failed to send message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}
