package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"messaging-service/internal/models"
)

var (
	// tuning parameters
	writeWait      = 10 * time.Second    // time allowed to write a message to the peer
	pongWait       = 60 * time.Second    // time allowed to read the next pong message from the peer
	pingInterval   = (pongWait * 9) / 10 // send pings to peer with this period
	maxMessageSize = int64(64 * 1024)    // max inbound message size (64KB)
	sendBufSize    = 256                 // per-session outbound buffer size
)

// Session is one websocket connection. It starts unauthenticated; userID is
// set once by a successful auth event.
type Session struct {
	info   ConnInfo
	conn   *websocket.Conn
	egress chan models.Envelope
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu     sync.RWMutex
	userID int64
	joined map[int64]struct{}
}

func newSession(conn *websocket.Conn, info ConnInfo, logger *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	if info.ConnID == "" {
		info.ConnID = uuid.NewString()
	}
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	return &Session{
		info:   info,
		conn:   conn,
		egress: make(chan models.Envelope, sendBufSize),
		logger: logger.With(info.logFields()...),
		ctx:    ctx,
		cancel: cancel,
		joined: make(map[int64]struct{}),
	}
}

// UserID returns the authenticated user, or 0 before authentication.
func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Authenticated reports whether the auth handshake completed.
func (s *Session) Authenticated() bool {
	return s.UserID() != 0
}

func (s *Session) setUser(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}

// IsJoined reports whether the session subscribed to the conversation.
func (s *Session) IsJoined(conversationID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.joined[conversationID]
	return ok
}

func (s *Session) markJoined(conversationID int64, joined bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if joined {
		s.joined[conversationID] = struct{}{}
		return
	}
	delete(s.joined, conversationID)
}

func (s *Session) joinedConversations() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.joined))
	for id := range s.joined {
		ids = append(ids, id)
	}
	return ids
}

// Send enqueues an envelope without blocking. A full queue means the peer is
// not keeping up; the session is closed and Send reports false.
func (s *Session) Send(env models.Envelope) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}

	select {
	case s.egress <- env:
		return true
	default:
		s.logger.Warn("egress full, disconnecting session")
		s.Close()
		return false
	}
}

// SubscriberID identifies the session to the presence tracker.
func (s *Session) SubscriberID() string {
	return s.info.ConnID
}

// NotifyPresence forwards a presence change to the peer.
func (s *Session) NotifyPresence(p models.Presence) {
	s.Send(envelope(models.EventPresenceUpdate, "", p))
}

// Close stops both pumps. It is safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel()
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Session) readPump(handle func(models.Envelope)) (reason string) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.logger.Debug("session closed by peer")
			case errors.As(err, &ne) && ne.Timeout():
				s.logger.Info("session timed out")
			default:
				s.logger.Debug("session read ended", zap.Error(err))
			}
			return err.Error()
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			s.Send(errorEnvelope("", models.CodeInvalidPayload, "malformed frame"))
			continue
		}
		handle(env)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case env := <-s.egress:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				s.logger.Debug("session write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("session ping failed", zap.Error(err))
				return
			}
		}
	}
}
