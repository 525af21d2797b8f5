package models

import (
	"encoding/json"
	"time"
)

// Event types exchanged over the websocket channel.
const (
	EventAuth             = "auth"
	EventAuthOK           = "auth:ok"
	EventAuthError        = "auth:error"
	EventJoin             = "join"
	EventJoinOK           = "join:ok"
	EventLeave            = "leave"
	EventMessageSend      = "message:send"
	EventMessageAck       = "message:ack"
	EventMessagePush      = "message:push"
	EventMessageDelivered = "message:delivered"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
	EventPresenceSub      = "presence:subscribe"
	EventPresenceUpdate   = "presence:update"
	EventReadReceipt      = "read:receipt"
	EventConversationNew  = "conversation:new"
	EventError            = "error"
)

// Error codes carried by EventError.
const (
	CodeNotAuthenticated = "not_authenticated"
	CodeInvalidPayload   = "invalid_payload"
	CodeForbidden        = "forbidden"
	CodeNotJoined        = "not_joined"
	CodeInternal         = "internal"
	CodeUnknownEvent     = "unknown_event"
)

// Envelope is the frame every websocket message is wrapped in. Ref correlates
// a request with its reply.
type Envelope struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope.
func NewEnvelope(eventType, ref string, data any) (Envelope, error) {
	env := Envelope{Type: eventType, Ref: ref}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Data, v)
}

type AuthPayload struct {
	Token string `json:"token"`
}

type AuthOKPayload struct {
	UserID int64 `json:"userId"`
}

type ConversationRef struct {
	ConversationID int64 `json:"conversationId"`
}

// SendPayload is the body of message:send and of the REST fallback POST.
type SendPayload struct {
	ConversationID int64  `json:"conversationId"`
	RecipientID    int64  `json:"recipientId,omitempty"`
	SenderID       int64  `json:"senderId,omitempty"`
	Content        string `json:"content"`
	Type           string `json:"type,omitempty"`
	TempID         string `json:"tempId"`
}

// AckPayload correlates a temp id with the durable id. Error is set when the
// server rejected the send.
type AckPayload struct {
	TempID         string    `json:"tempId"`
	MessageID      int64     `json:"messageId,omitempty"`
	ConversationID int64     `json:"conversationId,omitempty"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`
	Error          string    `json:"error,omitempty"`
}

type DeliveredPayload struct {
	MessageID      int64 `json:"messageId"`
	ConversationID int64 `json:"conversationId"`
}

type TypingPayload struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId,omitempty"`
}

type PresenceSubscribePayload struct {
	UserIDs []int64 `json:"userIds"`
}

type ReadReceiptPayload struct {
	MessageID      int64      `json:"messageId"`
	ConversationID int64      `json:"conversationId,omitempty"`
	ReaderID       int64      `json:"readerId,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

type ConversationNewPayload struct {
	ConversationID int64 `json:"conversationId"`
	SenderID       int64 `json:"senderId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
