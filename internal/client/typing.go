package client

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"messaging-service/internal/models"
)

const (
	DefaultTypingIdle   = 3 * time.Second
	DefaultTypingExpiry = 5 * time.Second
)

type typingKey struct {
	conversationID int64
	userID         int64
}

type typingTimer struct {
	timer *time.Timer
	gen   uint64
}

// TypingCoordinator owns the typing timers of a client: the local debounce
// that closes a keystroke burst and the expiry of remote indicators.
type TypingCoordinator struct {
	emit     func(eventType string, data any) error
	onChange func(conversationID, userID int64, typing bool)
	idle     time.Duration
	expiry   time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	bursts map[int64]*typingTimer
	remote map[typingKey]*typingTimer
}

// NewTypingCoordinator builds a coordinator. emit sends a typing event; its
// errors are dropped. onChange reports remote indicator changes.
func NewTypingCoordinator(emit func(eventType string, data any) error, onChange func(conversationID, userID int64, typing bool), idle, expiry time.Duration, logger *zap.Logger) *TypingCoordinator {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypingCoordinator{
		emit:     emit,
		onChange: onChange,
		idle:     idle,
		expiry:   expiry,
		logger:   logger.Named("typing"),
		bursts:   make(map[int64]*typingTimer),
		remote:   make(map[typingKey]*typingTimer),
	}
}

// InputChanged is called on every edit of the compose field.
func (t *TypingCoordinator) InputChanged(conversationID int64, text string) {
	t.mu.Lock()
	b, open := t.bursts[conversationID]
	if text == "" {
		if open {
			b.timer.Stop()
			delete(t.bursts, conversationID)
		}
		t.mu.Unlock()
		if open {
			t.send(models.EventTypingStop, conversationID)
		}
		return
	}

	if !open {
		b = &typingTimer{}
		t.bursts[conversationID] = b
	} else {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = time.AfterFunc(t.idle, func() { t.burstIdle(conversationID, gen) })
	t.mu.Unlock()

	if !open {
		t.send(models.EventTypingStart, conversationID)
	}
}

func (t *TypingCoordinator) burstIdle(conversationID int64, gen uint64) {
	t.mu.Lock()
	b, ok := t.bursts[conversationID]
	if !ok || b.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.bursts, conversationID)
	t.mu.Unlock()

	t.send(models.EventTypingStop, conversationID)
}

// Received applies a remote typing signal. A true signal (re)arms the expiry.
func (t *TypingCoordinator) Received(conversationID, userID int64, typing bool) {
	key := typingKey{conversationID: conversationID, userID: userID}

	t.mu.Lock()
	r, shown := t.remote[key]
	if !typing {
		if shown {
			r.timer.Stop()
			delete(t.remote, key)
		}
		t.mu.Unlock()
		if shown {
			t.changed(conversationID, userID, false)
		}
		return
	}

	if !shown {
		r = &typingTimer{}
		t.remote[key] = r
	} else {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.timer = time.AfterFunc(t.expiry, func() { t.remoteExpired(key, gen) })
	t.mu.Unlock()

	if !shown {
		t.changed(conversationID, userID, true)
	}
}

func (t *TypingCoordinator) remoteExpired(key typingKey, gen uint64) {
	t.mu.Lock()
	r, ok := t.remote[key]
	if !ok || r.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.remote, key)
	t.mu.Unlock()

	t.changed(key.conversationID, key.userID, false)
}

// Typing lists the users currently shown as typing in a conversation.
func (t *TypingCoordinator) Typing(conversationID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []int64
	for key := range t.remote {
		if key.conversationID == conversationID {
			ids = append(ids, key.userID)
		}
	}
	return ids
}

// Cancel stops every timer of a conversation without emitting anything.
func (t *TypingCoordinator) Cancel(conversationID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.bursts[conversationID]; ok {
		b.timer.Stop()
		delete(t.bursts, conversationID)
	}
	for key, r := range t.remote {
		if key.conversationID == conversationID {
			r.timer.Stop()
			delete(t.remote, key)
		}
	}
}

// Stop cancels all timers.
func (t *TypingCoordinator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, b := range t.bursts {
		b.timer.Stop()
		delete(t.bursts, id)
	}
	for key, r := range t.remote {
		r.timer.Stop()
		delete(t.remote, key)
	}
}

func (t *TypingCoordinator) send(eventType string, conversationID int64) {
	if t.emit == nil {
		return
	}
	if err := t.emit(eventType, models.TypingPayload{ConversationID: conversationID}); err != nil {
		t.logger.Debug("typing emission dropped", zap.String("event", eventType), zap.Error(err))
	}
}

func (t *TypingCoordinator) changed(conversationID, userID int64, typing bool) {
	if t.onChange != nil {
		t.onChange(conversationID, userID, typing)
	}
}
