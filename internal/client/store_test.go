package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

// memStore is an in-memory conversation and message repository with the same
// idempotency rules as the SQL one.
type memStore struct {
	mu       sync.Mutex
	convs    map[int64]models.Conversation
	messages []models.Message
	reads    map[[2]int64]time.Time
	last     time.Time
}

func newMemStore() *memStore {
	return &memStore{
		convs: make(map[int64]models.Conversation),
		reads: make(map[[2]int64]time.Time),
	}
}

func (s *memStore) CreateOrGetConversation(_ context.Context, userID, otherID int64) (models.Conversation, bool, error) {
	if userID == otherID {
		return models.Conversation{}, false, repositories.ErrSelfConversation
	}
	u1, u2 := userID, otherID
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.User1ID == u1 && c.User2ID == u2 {
			return c, false, nil
		}
	}
	conv := models.Conversation{ID: int64(len(s.convs) + 1), User1ID: u1, User2ID: u2, CreatedAt: s.nowLocked()}
	s.convs[conv.ID] = conv
	return conv, true, nil
}

func (s *memStore) IsParticipant(_ context.Context, conversationID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	return ok && conv.HasParticipant(userID), nil
}

func (s *memStore) GetConversation(_ context.Context, conversationID int64) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	return conv, nil
}

func (s *memStore) ListConversations(_ context.Context, userID int64) ([]models.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ConversationSummary
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			out = append(out, models.ConversationSummary{ConversationID: c.ID, CounterpartID: c.Counterpart(userID), CreatedAt: c.CreatedAt})
		}
	}
	return out, nil
}

func (s *memStore) CreateMessage(_ context.Context, in models.NewMessage) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if in.TempID != "" && m.SenderID == in.SenderID && m.TempID == in.TempID {
			return m, false, nil
		}
	}
	msg := models.Message{
		ID:             int64(len(s.messages) + 1),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Type:           in.Type,
		TempID:         in.TempID,
		Status:         models.StatusSent,
		CreatedAt:      s.nowLocked(),
	}
	s.messages = append(s.messages, msg)
	return msg, true, nil
}

func (s *memStore) ListMessages(_ context.Context, conversationID int64) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) GetMessage(_ context.Context, messageID int64) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageID <= 0 || int(messageID) > len(s.messages) {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return s.messages[messageID-1], nil
}

func (s *memStore) MarkDelivered(_ context.Context, messageID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &s.messages[messageID-1]
	if m.Status != models.StatusSent {
		return false, nil
	}
	m.Status = models.StatusDelivered
	return true, nil
}

func (s *memStore) MarkDeliveredTo(_ context.Context, conversationID, recipientID int64) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for i := range s.messages {
		m := &s.messages[i]
		if m.ConversationID == conversationID && m.SenderID != recipientID && m.Status == models.StatusSent {
			m.Status = models.StatusDelivered
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *memStore) MarkRead(_ context.Context, messageID, readerID int64) (models.ReadReceipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{messageID, readerID}
	if at, ok := s.reads[key]; ok {
		return models.ReadReceipt{MessageID: messageID, ReaderID: readerID, ReadAt: at}, false, nil
	}
	at := s.nowLocked()
	s.reads[key] = at
	s.messages[messageID-1].Status = models.StatusRead
	return models.ReadReceipt{MessageID: messageID, ReaderID: readerID, ReadAt: at}, true, nil
}

func (s *memStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reads)
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// nowLocked returns strictly increasing UTC timestamps.
func (s *memStore) nowLocked() time.Time {
	now := time.Now().UTC().Round(time.Microsecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

var (
	_ repositories.ConversationRepository = (*memStore)(nil)
	_ repositories.MessageRepository      = (*memStore)(nil)
)
