package ws

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"messaging-service/internal/auth"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/presence"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
)

const maxPresenceWatch = 200

// Dispatcher routes inbound channel events for every session.
type Dispatcher struct {
	hub           *Hub
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	validator     auth.TokenValidator
	presence      *presence.Tracker
	publisher     rabbitmq.Publisher
	audit         *telemetry.AuditEmitter
	logger        *zap.Logger
}

// DispatcherConfig gathers the dispatcher collaborators.
type DispatcherConfig struct {
	Hub           *Hub
	Conversations repositories.ConversationRepository
	Messages      repositories.MessageRepository
	Validator     auth.TokenValidator
	Presence      *presence.Tracker
	Publisher     rabbitmq.Publisher
	Audit         *telemetry.AuditEmitter
	Logger        *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}
	tracker := cfg.Presence
	if tracker == nil {
		tracker = presence.NewTracker(0, logger)
	}
	return &Dispatcher{
		hub:           hub,
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		validator:     cfg.Validator,
		presence:      tracker,
		publisher:     cfg.Publisher,
		audit:         cfg.Audit,
		logger:        logger.Named("dispatcher"),
	}
}

// Hub returns the room registry the dispatcher fans out through.
func (d *Dispatcher) Hub() *Hub {
	return d.hub
}

// Handle processes one inbound event. Events of a session are handled in
// arrival order on that session's read goroutine.
func (d *Dispatcher) Handle(ctx context.Context, s *Session, env models.Envelope) {
	observability.IncWSEvent(env.Type)

	if env.Type == models.EventAuth {
		d.handleAuth(ctx, s, env)
		return
	}
	if !s.Authenticated() {
		s.Send(errorEnvelope(env.Ref, models.CodeNotAuthenticated, "authenticate first"))
		return
	}

	switch env.Type {
	case models.EventJoin:
		d.handleJoin(ctx, s, env)
	case models.EventLeave:
		d.handleLeave(s, env)
	case models.EventMessageSend:
		d.handleSend(ctx, s, env)
	case models.EventTypingStart, models.EventTypingStop:
		d.handleTyping(s, env)
	case models.EventPresenceSub:
		d.handlePresenceSubscribe(s, env)
	case models.EventReadReceipt:
		d.handleReadReceipt(ctx, s, env)
	default:
		s.Send(errorEnvelope(env.Ref, models.CodeUnknownEvent, "unknown event "+env.Type))
	}
}

func (d *Dispatcher) handleAuth(ctx context.Context, s *Session, env models.Envelope) {
	if userID := s.UserID(); userID != 0 {
		s.Send(envelope(models.EventAuthOK, env.Ref, models.AuthOKPayload{UserID: userID}))
		return
	}

	var in models.AuthPayload
	if err := env.Decode(&in); err != nil || in.Token == "" {
		s.Send(envelope(models.EventAuthError, env.Ref, models.ErrorPayload{Code: models.CodeInvalidPayload, Message: "token required"}))
		return
	}

	userID, err := d.validator.ValidateToken(ctx, in.Token)
	if err != nil {
		d.logger.Info("session authentication failed", zap.String("conn_id", s.info.ConnID), zap.Error(err))
		d.audit.Emit(ctx, telemetry.AuditEvent{
			Level:     telemetry.LevelWarn,
			Action:    "ws.auth_failed",
			Text:      "websocket authentication failed",
			RequestID: s.info.RequestID,
			Attrs:     map[string]any{"conn_id": s.info.ConnID, "ip": s.info.IP},
		})
		s.Send(envelope(models.EventAuthError, env.Ref, models.ErrorPayload{Code: models.CodeNotAuthenticated, Message: "invalid token"}))
		return
	}

	s.setUser(userID)
	d.hub.AddUserSession(userID, s)
	d.presence.Connect(userID)
	s.Send(envelope(models.EventAuthOK, env.Ref, models.AuthOKPayload{UserID: userID}))

	observability.PublishSessionEvent(ctx, s.info.sessionEvent("ws_auth", userID, ""))
}

func (d *Dispatcher) handleJoin(ctx context.Context, s *Session, env models.Envelope) {
	var in models.ConversationRef
	if err := env.Decode(&in); err != nil || in.ConversationID <= 0 {
		s.Send(errorEnvelope(env.Ref, models.CodeInvalidPayload, "conversationId required"))
		return
	}

	if !s.IsJoined(in.ConversationID) {
		member, err := d.conversations.IsParticipant(ctx, in.ConversationID, s.UserID())
		if err != nil {
			d.logger.Error("participant check failed", zap.Int64("conversation_id", in.ConversationID), zap.Error(err))
			s.Send(errorEnvelope(env.Ref, models.CodeInternal, "failed to verify membership"))
			return
		}
		if !member {
			s.Send(errorEnvelope(env.Ref, models.CodeForbidden, "not a conversation member"))
			return
		}
		d.hub.Join(in.ConversationID, s)
		defer d.deliverBacklog(ctx, in.ConversationID, s.UserID())
	}

	s.Send(envelope(models.EventJoinOK, env.Ref, in))
}

// deliverBacklog marks messages that reached no recipient session at send
// time as delivered once the recipient joins, and tells their senders.
func (d *Dispatcher) deliverBacklog(ctx context.Context, conversationID, recipientID int64) {
	msgs, err := d.messages.MarkDeliveredTo(ctx, conversationID, recipientID)
	if err != nil {
		d.logger.Warn("mark backlog delivered failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
		return
	}
	for _, msg := range msgs {
		d.hub.SendToUser(msg.SenderID, envelope(models.EventMessageDelivered, "", models.DeliveredPayload{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
		}), nil)
	}
}

func (d *Dispatcher) handleLeave(s *Session, env models.Envelope) {
	var in models.ConversationRef
	if err := env.Decode(&in); err != nil {
		return
	}
	d.hub.Leave(in.ConversationID, s)
}

func (d *Dispatcher) handleSend(ctx context.Context, s *Session, env models.Envelope) {
	var in models.SendPayload
	if err := env.Decode(&in); err != nil {
		s.Send(envelope(models.EventMessageAck, env.Ref, models.AckPayload{TempID: env.Ref, Error: "invalid payload"}))
		return
	}
	if in.TempID == "" {
		in.TempID = env.Ref
	}
	ref := in.TempID

	if in.TempID == "" {
		s.Send(envelope(models.EventMessageAck, ref, models.AckPayload{Error: "tempId required"}))
		return
	}
	if in.ConversationID != 0 && !s.IsJoined(in.ConversationID) {
		observability.IncSendOutcome("ws", "rejected")
		s.Send(envelope(models.EventMessageAck, ref, models.AckPayload{TempID: in.TempID, ConversationID: in.ConversationID, Error: "conversation not joined"}))
		return
	}

	_, _, err := d.Deliver(ctx, s.UserID(), in, s, "ws", func(msg models.Message, _ bool) {
		s.Send(envelope(models.EventMessageAck, ref, models.AckPayload{
			TempID:         in.TempID,
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			CreatedAt:      msg.CreatedAt,
		}))
	})
	if err != nil {
		reason := "failed to store message"
		if errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrForbidden) {
			reason = err.Error()
		}
		s.Send(envelope(models.EventMessageAck, ref, models.AckPayload{TempID: in.TempID, ConversationID: in.ConversationID, Error: reason}))
	}
}

func (d *Dispatcher) handleTyping(s *Session, env models.Envelope) {
	var in models.TypingPayload
	if err := env.Decode(&in); err != nil || !s.IsJoined(in.ConversationID) {
		return
	}
	in.UserID = s.UserID()
	d.hub.Broadcast(in.ConversationID, envelope(env.Type, "", in), s)
}

func (d *Dispatcher) handlePresenceSubscribe(s *Session, env models.Envelope) {
	var in models.PresenceSubscribePayload
	if err := env.Decode(&in); err != nil {
		s.Send(errorEnvelope(env.Ref, models.CodeInvalidPayload, "userIds required"))
		return
	}
	if len(in.UserIDs) > maxPresenceWatch {
		in.UserIDs = in.UserIDs[:maxPresenceWatch]
	}
	for _, p := range d.presence.Subscribe(s, in.UserIDs) {
		s.Send(envelope(models.EventPresenceUpdate, env.Ref, p))
	}
}

func (d *Dispatcher) handleReadReceipt(ctx context.Context, s *Session, env models.Envelope) {
	var in models.ReadReceiptPayload
	if err := env.Decode(&in); err != nil || in.MessageID <= 0 {
		s.Send(errorEnvelope(env.Ref, models.CodeInvalidPayload, "messageId required"))
		return
	}

	msg, err := d.messages.GetMessage(ctx, in.MessageID)
	if err != nil {
		if !errors.Is(err, repositories.ErrMessageNotFound) {
			d.logger.Error("load message for receipt failed", zap.Int64("message_id", in.MessageID), zap.Error(err))
		}
		s.Send(errorEnvelope(env.Ref, models.CodeInvalidPayload, "unknown message"))
		return
	}
	if !s.IsJoined(msg.ConversationID) {
		s.Send(errorEnvelope(env.Ref, models.CodeNotJoined, "conversation not joined"))
		return
	}
	readerID := s.UserID()
	if msg.SenderID == readerID {
		return
	}

	unlock := d.hub.LockConversation(msg.ConversationID)
	receipt, marked, err := d.messages.MarkRead(ctx, msg.ID, readerID)
	unlock()
	if err != nil {
		d.logger.Error("mark read failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		return
	}
	if !marked {
		return
	}

	readAt := receipt.ReadAt
	d.hub.Broadcast(msg.ConversationID, envelope(models.EventReadReceipt, "", models.ReadReceiptPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		ReaderID:       readerID,
		ReadAt:         &readAt,
	}), s)
	d.publish(ctx, rabbitmq.RoutingKeyMessageRead, rabbitmq.MessageReadEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		ReaderID:       readerID,
		ReadAt:         readAt,
	})
}

// Disconnect unregisters a session from rooms and presence.
func (d *Dispatcher) Disconnect(s *Session, reason string) {
	userID := s.UserID()
	d.hub.RemoveSession(userID, s)
	d.presence.Unsubscribe(s)
	if userID != 0 {
		d.presence.Disconnect(userID)
	}
	s.Close()
	observability.PublishSessionEvent(context.Background(), s.info.sessionEvent("ws_disconnect", userID, reason))
}

func (d *Dispatcher) publish(ctx context.Context, routingKey string, event any) {
	if d.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := d.publisher.Publish(pubCtx, routingKey, event, nil); err != nil {
		observability.IncAMQPPublishError()
	}
}
