package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/middleware"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

// ConversationHandler manages one-to-one conversations.
type ConversationHandler struct {
	conversations repositories.ConversationRepository
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(conversations repositories.ConversationRepository) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

// StartConversation creates or returns the conversation with recipientId.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		RecipientID int64 `json:"recipientId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := middleware.UserID(c)
	conv, created, err := h.conversations.CreateOrGetConversation(c.Request.Context(), userID, req.RecipientID)
	if errors.Is(err, repositories.ErrSelfConversation) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create conversation"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"conversationId": conv.ID})
}

// ListConversations returns the conversations of the authenticated user.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := middleware.UserID(c)
	convs, err := h.conversations.ListConversations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}
	if convs == nil {
		convs = []models.ConversationSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// PresenceReader reports the current presence of a user.
type PresenceReader interface {
	Status(userID int64) models.Presence
}

// PresenceHandler serves presence lookups.
type PresenceHandler struct {
	presence PresenceReader
}

func NewPresenceHandler(presence PresenceReader) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

func (h *PresenceHandler) GetPresence(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	c.JSON(http.StatusOK, h.presence.Status(userID))
}
