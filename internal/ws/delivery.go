package ws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/repositories"
)

const maxContentLength = 4000

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrForbidden      = errors.New("not a conversation member")
)

// AckFunc is called with the persisted message before any fan-out, so the
// sender sees its ack ahead of delivery notifications.
type AckFunc func(msg models.Message, created bool)

// Deliver persists a message and fans it out to the conversation. origin is
// the sending session, excluded from the push; it is nil for REST sends.
// Persisting the same (sender, tempId) twice returns the stored message with
// created=false and skips the fan-out.
func (d *Dispatcher) Deliver(ctx context.Context, senderID int64, in models.SendPayload, origin *Session, transport string, ack AckFunc) (models.Message, bool, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return models.Message{}, false, fmt.Errorf("%w: content required", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return models.Message{}, false, fmt.Errorf("%w: content too long", ErrInvalidMessage)
	}
	msgType := in.Type
	if msgType == "" {
		msgType = models.TypeText
	}

	conv, byRecipient, opened, err := d.resolveConversation(ctx, senderID, in)
	if err != nil {
		return models.Message{}, false, err
	}

	unlock := d.hub.LockConversation(conv.ID)
	start := time.Now()
	msg, created, err := d.messages.CreateMessage(ctx, models.NewMessage{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		Type:           msgType,
		TempID:         in.TempID,
	})
	unlock()
	observability.ObservePersist(time.Since(start))
	if err != nil {
		d.logger.Error("persist message failed", zap.Int64("conversation_id", conv.ID), zap.Int64("sender_id", senderID), zap.Error(err))
		return models.Message{}, false, err
	}
	if msg.Status == "" {
		msg.Status = models.StatusSent
	}

	if created {
		observability.IncSendOutcome(transport, "acked")
	} else {
		observability.IncSendOutcome(transport, "duplicate")
	}

	if origin != nil && byRecipient {
		d.hub.Join(conv.ID, origin)
	}
	if ack != nil {
		ack(msg, created)
	}
	if !created {
		return msg, false, nil
	}

	recipientID := conv.Counterpart(senderID)
	if opened {
		d.hub.SendToUser(recipientID, envelope(models.EventConversationNew, "", models.ConversationNewPayload{
			ConversationID: conv.ID,
			SenderID:       senderID,
		}), nil)
	}

	received := d.hub.Broadcast(conv.ID, envelope(models.EventMessagePush, "", msg), origin)
	if reachedRecipient(received, recipientID) {
		d.markDelivered(ctx, msg)
	}

	d.publish(ctx, rabbitmq.RoutingKeyMessageCreated, rabbitmq.MessageCreatedEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Type:           msg.Type,
		CreatedAt:      msg.CreatedAt,
		Transport:      transport,
	})
	return msg, true, nil
}

// resolveConversation finds the target conversation. byRecipient is set when
// it was addressed by recipientId; opened when this send created it.
func (d *Dispatcher) resolveConversation(ctx context.Context, senderID int64, in models.SendPayload) (conv models.Conversation, byRecipient, opened bool, err error) {
	if in.ConversationID == 0 {
		if in.RecipientID == 0 {
			return conv, false, false, fmt.Errorf("%w: conversationId or recipientId required", ErrInvalidMessage)
		}
		conv, opened, err = d.conversations.CreateOrGetConversation(ctx, senderID, in.RecipientID)
		if errors.Is(err, repositories.ErrSelfConversation) {
			return models.Conversation{}, false, false, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return conv, true, opened, err
	}

	conv, err = d.conversations.GetConversation(ctx, in.ConversationID)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return models.Conversation{}, false, false, ErrForbidden
	}
	if err != nil {
		return models.Conversation{}, false, false, err
	}
	if !conv.HasParticipant(senderID) {
		return models.Conversation{}, false, false, ErrForbidden
	}
	return conv, false, false, nil
}

func (d *Dispatcher) markDelivered(ctx context.Context, msg models.Message) {
	advanced, err := d.messages.MarkDelivered(ctx, msg.ID)
	if err != nil {
		d.logger.Warn("mark delivered failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		return
	}
	if !advanced {
		return
	}
	d.hub.SendToUser(msg.SenderID, envelope(models.EventMessageDelivered, "", models.DeliveredPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
	}), nil)
}

func reachedRecipient(sessions []*Session, recipientID int64) bool {
	for _, s := range sessions {
		if s.UserID() == recipientID {
			return true
		}
	}
	return false
}
