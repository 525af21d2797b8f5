// Package presence tracks which users have at least one authenticated session
// and notifies the sessions watching them.
package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"messaging-service/internal/models"
)

// Subscriber receives presence updates for the users it watches.
type Subscriber interface {
	SubscriberID() string
	NotifyPresence(models.Presence)
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	sessions map[int64]int
	lastSeen map[int64]time.Time
	offline  map[int64]*time.Timer
	gen      map[int64]uint64
	watchers map[int64]map[string]Subscriber
	grace    time.Duration
	onChange func(online int)
	logger   *zap.Logger
}

// NewTracker creates a tracker that delays offline broadcasts by grace.
func NewTracker(grace time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		sessions: make(map[int64]int),
		lastSeen: make(map[int64]time.Time),
		offline:  make(map[int64]*time.Timer),
		gen:      make(map[int64]uint64),
		watchers: make(map[int64]map[string]Subscriber),
		grace:    grace,
		logger:   logger.Named("presence"),
	}
}

// OnOnlineCountChange registers a hook called with the number of online users.
func (t *Tracker) OnOnlineCountChange(fn func(online int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Connect records a new authenticated session for userID.
func (t *Tracker) Connect(userID int64) {
	t.mu.Lock()
	t.sessions[userID]++
	first := t.sessions[userID] == 1
	suppressed := false
	if first {
		if timer, ok := t.offline[userID]; ok {
			timer.Stop()
			delete(t.offline, userID)
			t.gen[userID]++
			suppressed = true
		}
	}
	online := len(t.sessions)
	onChange := t.onChange
	var subs []Subscriber
	if first && !suppressed {
		subs = t.watchersLocked(userID)
	}
	t.mu.Unlock()

	if onChange != nil && first {
		onChange(online)
	}
	if first && suppressed {
		t.logger.Debug("reconnected within grace window", zap.Int64("user_id", userID))
	}
	notify(subs, models.Presence{UserID: userID, IsOnline: true})
}

// Disconnect records that one of userID's sessions ended.
func (t *Tracker) Disconnect(userID int64) {
	t.mu.Lock()
	count, ok := t.sessions[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if count > 1 {
		t.sessions[userID] = count - 1
		t.mu.Unlock()
		return
	}

	delete(t.sessions, userID)
	now := time.Now().UTC()
	t.lastSeen[userID] = now
	t.gen[userID]++
	gen := t.gen[userID]
	online := len(t.sessions)
	onChange := t.onChange

	var subs []Subscriber
	if t.grace <= 0 {
		subs = t.watchersLocked(userID)
	} else {
		t.offline[userID] = time.AfterFunc(t.grace, func() { t.expire(userID, gen) })
	}
	t.mu.Unlock()

	if onChange != nil {
		onChange(online)
	}
	notify(subs, models.Presence{UserID: userID, IsOnline: false, LastSeenAt: &now})
}

func (t *Tracker) expire(userID int64, gen uint64) {
	t.mu.Lock()
	if t.gen[userID] != gen || t.sessions[userID] > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.offline, userID)
	seen := t.lastSeen[userID]
	subs := t.watchersLocked(userID)
	t.mu.Unlock()

	t.logger.Debug("user offline", zap.Int64("user_id", userID))
	notify(subs, models.Presence{UserID: userID, IsOnline: false, LastSeenAt: &seen})
}

// Status returns the current presence of userID.
func (t *Tracker) Status(userID int64) models.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(userID)
}

func (t *Tracker) statusLocked(userID int64) models.Presence {
	p := models.Presence{UserID: userID, IsOnline: t.sessions[userID] > 0}
	if seen, ok := t.lastSeen[userID]; ok && !p.IsOnline {
		p.LastSeenAt = &seen
	}
	return p
}

// Subscribe adds sub as a watcher of userIDs and returns their current state.
func (t *Tracker) Subscribe(sub Subscriber, userIDs []int64) []models.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]models.Presence, 0, len(userIDs))
	for _, userID := range userIDs {
		if _, ok := t.watchers[userID]; !ok {
			t.watchers[userID] = make(map[string]Subscriber)
		}
		t.watchers[userID][sub.SubscriberID()] = sub
		result = append(result, t.statusLocked(userID))
	}
	return result
}

// Unsubscribe removes sub from every watch list.
func (t *Tracker) Unsubscribe(sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := sub.SubscriberID()
	for userID, subs := range t.watchers {
		delete(subs, id)
		if len(subs) == 0 {
			delete(t.watchers, userID)
		}
	}
}

func (t *Tracker) watchersLocked(userID int64) []Subscriber {
	subs := make([]Subscriber, 0, len(t.watchers[userID]))
	for _, s := range t.watchers[userID] {
		subs = append(subs, s)
	}
	return subs
}

func notify(subs []Subscriber, p models.Presence) {
	for _, s := range subs {
		s.NotifyPresence(p)
	}
}
