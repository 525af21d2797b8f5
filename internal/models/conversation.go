package models

import "time"

// Conversation is a pairwise channel between two users. User1ID is always the
// smaller id.
type Conversation struct {
	ID        int64     `db:"id" json:"id"`
	User1ID   int64     `db:"user1_id" json:"user1Id"`
	User2ID   int64     `db:"user2_id" json:"user2Id"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID int64) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// Counterpart returns the other participant.
func (c Conversation) Counterpart(userID int64) int64 {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// ConversationSummary provides API-friendly view of a conversation for a user.
type ConversationSummary struct {
	ConversationID int64     `json:"conversationId"`
	CounterpartID  int64     `json:"counterpartId"`
	CreatedAt      time.Time `json:"createdAt"`
}
