package ws

import (
	"sync"

	"messaging-service/internal/models"
)

const shardCount = 64

// Hub maintains conversation rooms and the sessions of each user.
type Hub struct {
	rooms map[int64]map[*Session]struct{}
	users map[int64]map[*Session]struct{}
	mu    sync.RWMutex
	locks [shardCount]sync.Mutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[int64]map[*Session]struct{}),
		users: make(map[int64]map[*Session]struct{}),
	}
}

// AddUserSession indexes an authenticated session under its user.
func (h *Hub) AddUserSession(userID int64, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.users[userID]; !ok {
		h.users[userID] = make(map[*Session]struct{})
	}
	h.users[userID][s] = struct{}{}
}

// RemoveSession drops a session from its user index and from every room.
func (h *Hub) RemoveSession(userID int64, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sessions, ok := h.users[userID]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.users, userID)
		}
	}
	for _, conversationID := range s.joinedConversations() {
		h.leaveLocked(conversationID, s)
	}
}

// Join adds the session to a conversation room. It reports false when the
// session was already in the room.
func (h *Hub) Join(conversationID int64, s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*Session]struct{})
	}
	if _, ok := h.rooms[conversationID][s]; ok {
		return false
	}
	h.rooms[conversationID][s] = struct{}{}
	s.markJoined(conversationID, true)
	return true
}

// Leave removes the session from a conversation room.
func (h *Hub) Leave(conversationID int64, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conversationID, s)
}

func (h *Hub) leaveLocked(conversationID int64, s *Session) {
	if sessions, ok := h.rooms[conversationID]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	s.markJoined(conversationID, false)
}

// Broadcast enqueues env for every session in the room except one and
// returns the sessions that accepted it.
func (h *Hub) Broadcast(conversationID int64, env models.Envelope, except *Session) []*Session {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.rooms[conversationID]))
	for s := range h.rooms[conversationID] {
		if s != except {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	return sendAll(targets, env)
}

// SendToUser enqueues env for every authenticated session of userID.
func (h *Hub) SendToUser(userID int64, env models.Envelope, except *Session) []*Session {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.users[userID]))
	for s := range h.users[userID] {
		if s != except {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	return sendAll(targets, env)
}

// LockConversation serializes persistence for one conversation. The returned
// function releases the lock.
func (h *Hub) LockConversation(conversationID int64) func() {
	mu := &h.locks[uint64(conversationID)%shardCount]
	mu.Lock()
	return mu.Unlock
}

func sendAll(targets []*Session, env models.Envelope) []*Session {
	delivered := targets[:0]
	for _, s := range targets {
		if s.Send(env) {
			delivered = append(delivered, s)
		}
	}
	return delivered
}

// HubStats is a point-in-time size of the hub.
type HubStats struct {
	Rooms    int `json:"rooms"`
	Users    int `json:"users"`
	Sessions int `json:"sessions"`
}

// Stats counts rooms, connected users and their authenticated sessions.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := HubStats{Rooms: len(h.rooms), Users: len(h.users)}
	for _, sessions := range h.users {
		stats.Sessions += len(sessions)
	}
	return stats
}
