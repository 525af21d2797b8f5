package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, conversation_id, sender_id, content, type, COALESCE(client_temp_id, '') AS client_temp_id, status, created_at`

// MessageRepository defines interactions for messages and read receipts.
type MessageRepository interface {
	// CreateMessage is idempotent on (sender, temp id); created is false when
	// the temp id was already persisted and the existing row is returned.
	CreateMessage(ctx context.Context, msg models.NewMessage) (stored models.Message, created bool, err error)
	ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	MarkDelivered(ctx context.Context, messageID int64) (bool, error)
	// MarkDeliveredTo advances every sent message addressed to recipientID in
	// the conversation and returns the messages it moved.
	MarkDeliveredTo(ctx context.Context, conversationID int64, recipientID int64) ([]models.Message, error)
	// MarkRead records a receipt once per reader; marked is false on repeats.
	MarkRead(ctx context.Context, messageID int64, readerID int64) (receipt models.ReadReceipt, marked bool, err error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage stores a message in a conversation.
func (r *MessageRepo) CreateMessage(ctx context.Context, in models.NewMessage) (models.Message, bool, error) {
	if in.Type == "" {
		in.Type = models.TypeText
	}

	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (conversation_id, sender_id, content, type, client_temp_id, created_at)
        VALUES ($1, $2, $3, $4, NULLIF($5, ''), clock_timestamp())
        ON CONFLICT (sender_id, client_temp_id) DO NOTHING
        RETURNING `+messageColumns, in.ConversationID, in.SenderID, in.Content, in.Type, in.TempID).StructScan(&msg)
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, false, err
	}

	err = r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE sender_id=$1 AND client_temp_id=$2`, in.SenderID, in.TempID)
	return msg, false, err
}

// ListMessages returns the conversation history in persistence order.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1
        ORDER BY created_at ASC, id ASC`, conversationID)
	return msgs, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// MarkDelivered moves a sent message to delivered. Read messages are left alone.
func (r *MessageRepo) MarkDelivered(ctx context.Context, messageID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET status='delivered' WHERE id=$1 AND status='sent'`, messageID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// MarkDeliveredTo moves the recipient's undelivered messages to delivered.
func (r *MessageRepo) MarkDeliveredTo(ctx context.Context, conversationID int64, recipientID int64) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `UPDATE messages SET status='delivered'
        WHERE conversation_id=$1 AND sender_id<>$2 AND status='sent'
        RETURNING `+messageColumns, conversationID, recipientID)
	return msgs, err
}

// MarkRead inserts the receipt and advances the message status in one transaction.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID int64, readerID int64) (models.ReadReceipt, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.ReadReceipt{}, false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var receipt models.ReadReceipt
	err = tx.QueryRowxContext(ctx, `INSERT INTO message_reads (message_id, reader_id) VALUES ($1, $2)
        ON CONFLICT (message_id, reader_id) DO NOTHING
        RETURNING message_id, reader_id, read_at`, messageID, readerID).StructScan(&receipt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReadReceipt{}, false, nil
	}
	if err != nil {
		return models.ReadReceipt{}, false, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET status='read' WHERE id=$1`, messageID); err != nil {
		return models.ReadReceipt{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return models.ReadReceipt{}, false, err
	}
	return receipt, true, nil
}
