package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"messaging-service/internal/middleware"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/ws"
)

// Deliverer persists and fans out a message. *ws.Dispatcher satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, senderID int64, in models.SendPayload, origin *ws.Session, transport string, ack ws.AckFunc) (models.Message, bool, error)
}

// MessageHandler serves the REST fallback send and the history endpoint.
type MessageHandler struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	deliverer     Deliverer
	audit         *telemetry.AuditEmitter
	logger        *zap.Logger
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(conversations repositories.ConversationRepository, messages repositories.MessageRepository, deliverer Deliverer, audit *telemetry.AuditEmitter, logger *zap.Logger) *MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageHandler{
		conversations: conversations,
		messages:      messages,
		deliverer:     deliverer,
		audit:         audit,
		logger:        logger.Named("messages"),
	}
}

type postMessageRequest struct {
	ConversationID int64  `json:"conversationId"`
	RecipientID    int64  `json:"recipientId"`
	SenderID       int64  `json:"senderId"`
	Content        string `json:"content" binding:"required"`
	Type           string `json:"type"`
	TempID         string `json:"tempId" binding:"required"`
}

// PostMessage stores a message sent over REST. A repeated tempId returns the
// stored message with 200 instead of 201.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := middleware.UserID(c)
	if req.SenderID != 0 && req.SenderID != userID {
		h.audit.Emit(c.Request.Context(), auditEvent(c, telemetry.LevelWarn, "message.sender_mismatch", "sender id mismatch on message post",
			map[string]any{"claimed_sender_id": req.SenderID, "conversation_id": req.ConversationID}))
		c.JSON(http.StatusForbidden, gin.H{"error": "sender does not match token"})
		return
	}

	msg, created, err := h.deliverer.Deliver(c.Request.Context(), userID, models.SendPayload{
		ConversationID: req.ConversationID,
		RecipientID:    req.RecipientID,
		Content:        req.Content,
		Type:           req.Type,
		TempID:         req.TempID,
	}, nil, "rest", nil)
	switch {
	case errors.Is(err, ws.ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, ws.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
		return
	case err != nil:
		h.logger.Error("rest send failed", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"message": msg})
}

// ListMessages returns a conversation's history, oldest first.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	userID := middleware.UserID(c)
	if raw := c.Query("userId"); raw != "" {
		requested, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid userId"})
			return
		}
		if requested != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "user does not match token"})
			return
		}
	}

	conversationID, err := strconv.ParseInt(c.Query("conversationId"), 10, 64)
	if err != nil || conversationID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversationId"})
		return
	}

	member, err := h.conversations.IsParticipant(c.Request.Context(), conversationID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
		return
	}

	msgs, err := h.messages.ListMessages(c.Request.Context(), conversationID)
	if err != nil {
		h.logger.Error("list messages failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
