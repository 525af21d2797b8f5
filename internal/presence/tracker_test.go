package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/models"
)

type recorder struct {
	id      string
	mu      sync.Mutex
	updates []models.Presence
}

func (r *recorder) SubscriberID() string { return r.id }

func (r *recorder) NotifyPresence(p models.Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, p)
}

func (r *recorder) snapshot() []models.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Presence(nil), r.updates...)
}

func TestSubscribeReturnsCurrentState(t *testing.T) {
	tr := NewTracker(time.Second, nil)
	tr.Connect(1)

	states := tr.Subscribe(&recorder{id: "w"}, []int64{1, 2})
	require.Len(t, states, 2)
	assert.True(t, states[0].IsOnline)
	assert.False(t, states[1].IsOnline)
}

func TestOnlineWhileAnySessionConnected(t *testing.T) {
	tr := NewTracker(0, nil)
	w := &recorder{id: "w"}
	tr.Subscribe(w, []int64{1})

	tr.Connect(1)
	tr.Connect(1)
	tr.Disconnect(1)
	assert.True(t, tr.Status(1).IsOnline)

	tr.Disconnect(1)
	status := tr.Status(1)
	assert.False(t, status.IsOnline)
	require.NotNil(t, status.LastSeenAt)

	updates := w.snapshot()
	require.Len(t, updates, 2)
	assert.True(t, updates[0].IsOnline)
	assert.False(t, updates[1].IsOnline)
}

func TestReconnectWithinGraceSuppressesFlicker(t *testing.T) {
	tr := NewTracker(100*time.Millisecond, nil)
	w := &recorder{id: "w"}
	tr.Subscribe(w, []int64{1})

	tr.Connect(1)
	tr.Disconnect(1)
	assert.False(t, tr.Status(1).IsOnline)
	tr.Connect(1)

	time.Sleep(200 * time.Millisecond)
	updates := w.snapshot()
	require.Len(t, updates, 1)
	assert.True(t, updates[0].IsOnline)
}

func TestOfflineBroadcastAfterGrace(t *testing.T) {
	tr := NewTracker(30*time.Millisecond, nil)
	w := &recorder{id: "w"}
	tr.Subscribe(w, []int64{1})

	tr.Connect(1)
	tr.Disconnect(1)

	require.Eventually(t, func() bool {
		updates := w.snapshot()
		return len(updates) == 2 && !updates[1].IsOnline
	}, time.Second, 5*time.Millisecond)
}

func TestOnlyWatchersAreNotified(t *testing.T) {
	tr := NewTracker(0, nil)
	watcher := &recorder{id: "a"}
	other := &recorder{id: "b"}
	tr.Subscribe(watcher, []int64{1})
	tr.Subscribe(other, []int64{2})

	tr.Connect(1)

	assert.Len(t, watcher.snapshot(), 1)
	assert.Empty(t, other.snapshot())

	tr.Unsubscribe(watcher)
	tr.Disconnect(1)
	assert.Len(t, watcher.snapshot(), 1)
}

func TestDisconnectUnknownUserIsNoop(t *testing.T) {
	tr := NewTracker(0, nil)
	tr.Disconnect(9)
	assert.False(t, tr.Status(9).IsOnline)
	assert.Nil(t, tr.Status(9).LastSeenAt)
}
