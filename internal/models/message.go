package models

import "time"

// Status is the delivery state of a message. Persisted messages only carry
// sent, delivered or read; sending and failed exist on clients only.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Rank orders statuses along the delivery path. Failed ranks below sending so
// a late ack can still recover the entry.
func (s Status) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// Advance returns the later of the two statuses.
func (s Status) Advance(next Status) Status {
	if next.Rank() > s.Rank() {
		return next
	}
	return s
}

// TypeText is the default message type.
const TypeText = "text"

// Message represents a persisted chat message.
type Message struct {
	ID             int64     `db:"id" json:"id"`
	ConversationID int64     `db:"conversation_id" json:"conversationId"`
	SenderID       int64     `db:"sender_id" json:"senderId"`
	Content        string    `db:"content" json:"content"`
	Type           string    `db:"type" json:"type"`
	TempID         string    `db:"client_temp_id" json:"tempId,omitempty"`
	Status         Status    `db:"status" json:"status"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// NewMessage holds the fields a sender supplies.
type NewMessage struct {
	ConversationID int64
	SenderID       int64
	Content        string
	Type           string
	TempID         string
}

// ReadReceipt records the first time a reader saw a message.
type ReadReceipt struct {
	MessageID int64     `db:"message_id" json:"messageId"`
	ReaderID  int64     `db:"reader_id" json:"readerId"`
	ReadAt    time.Time `db:"read_at" json:"readAt"`
}
