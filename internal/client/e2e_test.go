package client

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/auth"
	"messaging-service/internal/handlers"
	"messaging-service/internal/middleware"
	"messaging-service/internal/models"
	"messaging-service/internal/ws"
)

// testServer runs the real websocket dispatcher and REST handlers over an
// in-memory store.
type testServer struct {
	store *memStore
	jwt   *auth.JWTAuth
	srv   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := newMemStore()
	jwt := auth.NewJWTAuth("test-secret", "")
	dispatcher := ws.NewDispatcher(ws.DispatcherConfig{
		Conversations: store,
		Messages:      store,
		Validator:     jwt,
	})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", ws.NewWebSocketHandler(dispatcher, 5*time.Second, nil, nil).Handle)
	messages := handlers.NewMessageHandler(store, store, dispatcher, nil, nil)
	authMiddleware := middleware.AuthMiddleware(jwt)
	r.POST("/messages", authMiddleware, messages.PostMessage)
	r.GET("/messages", authMiddleware, messages.ListMessages)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{store: store, jwt: jwt, srv: srv}
}

func (ts *testServer) token(t *testing.T, userID int64) string {
	t.Helper()
	token, err := ts.jwt.Issue(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (ts *testServer) conversation(t *testing.T, a, b int64) int64 {
	t.Helper()
	conv, _, err := ts.store.CreateOrGetConversation(context.Background(), a, b)
	require.NoError(t, err)
	return conv.ID
}

func (ts *testServer) connect(t *testing.T, userID int64, cb Callbacks) *Client {
	t.Helper()
	c := New(Config{
		URL:        wsURL(ts.srv.URL),
		BaseURL:    ts.srv.URL,
		Token:      ts.token(t, userID),
		AckTimeout: 2 * time.Second,
		Backoff:    fastBackoff,
		Callbacks:  cb,
	})
	t.Cleanup(c.Close)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func (ts *testServer) serverIDs(t *testing.T, conversationID int64) []int64 {
	t.Helper()
	msgs, err := ts.store.ListMessages(context.Background(), conversationID)
	require.NoError(t, err)
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func confirmedIDs(entries []Entry) []int64 {
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		if e.Confirmed() {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

type statusLog struct {
	mu       sync.Mutex
	statuses []models.Status
}

func (l *statusLog) record(_ int64, entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		if n := len(l.statuses); n == 0 || l.statuses[n-1] != e.Status {
			l.statuses = append(l.statuses, e.Status)
		}
	}
}

func (l *statusLog) snapshot() []models.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Status(nil), l.statuses...)
}

func TestSendAckThenDelivered(t *testing.T) {
	ts := newTestServer(t)
	convID := ts.conversation(t, 1, 2)
	log := &statusLog{}
	alice := ts.connect(t, 1, Callbacks{OnMessages: log.record})
	bob := ts.connect(t, 2, Callbacks{})

	aliceCh, err := alice.Join(context.Background(), convID)
	require.NoError(t, err)
	bobCh, err := bob.Join(context.Background(), convID)
	require.NoError(t, err)

	id, err := aliceCh.Send(context.Background(), "hi")
	require.NoError(t, err)
	require.NotZero(t, id)

	require.Eventually(t, func() bool {
		entries := aliceCh.Entries()
		return len(entries) == 1 && entries[0].Status == models.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
	seen := log.snapshot()
	assert.Contains(t, seen, models.StatusSending)
	assert.Contains(t, seen, models.StatusSent)
	assert.Equal(t, models.StatusSending, seen[0])

	require.Eventually(t, func() bool { return len(bobCh.Entries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, id, bobCh.Entries()[0].ID)
	assert.Equal(t, "hi", bobCh.Entries()[0].Content)
}

func TestTwoDevicesConvergeOnServerOrder(t *testing.T) {
	ts := newTestServer(t)
	convID := ts.conversation(t, 1, 2)
	phone := ts.connect(t, 1, Callbacks{})
	laptop := ts.connect(t, 1, Callbacks{})
	bob := ts.connect(t, 2, Callbacks{})

	var channels []*Channel
	for _, c := range []*Client{phone, laptop, bob} {
		ch, err := c.Join(context.Background(), convID)
		require.NoError(t, err)
		channels = append(channels, ch)
	}

	var wg sync.WaitGroup
	for i, ch := range channels[:2] {
		wg.Add(1)
		go func(ch *Channel, text string) {
			defer wg.Done()
			_, err := ch.Send(context.Background(), text)
			assert.NoError(t, err)
		}(ch, []string{"from phone", "from laptop"}[i])
	}
	wg.Wait()

	want := ts.serverIDs(t, convID)
	require.Len(t, want, 2)
	for _, ch := range channels {
		ch := ch
		require.Eventually(t, func() bool {
			entries := ch.Entries()
			return len(entries) == 2 && assert.ObjectsAreEqual(want, confirmedIDs(entries))
		}, 2*time.Second, 10*time.Millisecond)
	}
}

func TestResyncAfterReconnectFillsGap(t *testing.T) {
	ts := newTestServer(t)
	convID := ts.conversation(t, 1, 2)
	alice := ts.connect(t, 1, Callbacks{})
	bob := ts.connect(t, 2, Callbacks{})

	aliceCh, err := alice.Join(context.Background(), convID)
	require.NoError(t, err)
	bobCh, err := bob.Join(context.Background(), convID)
	require.NoError(t, err)

	first, err := aliceCh.Send(context.Background(), "before")
	require.NoError(t, err)

	alice.Disconnect()
	require.Eventually(t, func() bool { return alice.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	for _, text := range []string{"one", "two", "three"} {
		_, err := bobCh.Send(context.Background(), text)
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{first}, confirmedIDs(aliceCh.Entries()))

	require.NoError(t, alice.Connect(context.Background()))

	want := ts.serverIDs(t, convID)
	require.Len(t, want, 4)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, confirmedIDs(aliceCh.Entries()))
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "before", aliceCh.Entries()[0].Content)

	// the rejoined channel receives live pushes again
	_, err = bobCh.Send(context.Background(), "live")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(aliceCh.Entries()) == 5 }, 2*time.Second, 10*time.Millisecond)
}

func TestForegroundChannelSendsReadReceiptsOnce(t *testing.T) {
	ts := newTestServer(t)
	convID := ts.conversation(t, 1, 2)
	alice := ts.connect(t, 1, Callbacks{})
	bob := ts.connect(t, 2, Callbacks{})

	aliceCh, err := alice.Join(context.Background(), convID)
	require.NoError(t, err)
	bobCh, err := bob.Join(context.Background(), convID)
	require.NoError(t, err)
	bobCh.SetForeground(true)

	id, err := aliceCh.Send(context.Background(), "read me")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e, ok := findEntry(aliceCh.Entries(), id)
		return ok && e.Status == models.StatusRead
	}, 2*time.Second, 10*time.Millisecond)

	bobCh.SetForeground(false)
	bobCh.SetForeground(true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ts.store.readCount())

	e, _ := findEntry(bobCh.Entries(), id)
	assert.Equal(t, models.StatusRead, e.Status)
}

func TestTypingRelayedBetweenClients(t *testing.T) {
	ts := newTestServer(t)
	convID := ts.conversation(t, 1, 2)

	var mu sync.Mutex
	var seen []bool
	alice := ts.connect(t, 1, Callbacks{})
	bob := ts.connect(t, 2, Callbacks{OnTyping: func(conversationID, userID int64, typing bool) {
		mu.Lock()
		defer mu.Unlock()
		if conversationID == convID && userID == 1 {
			seen = append(seen, typing)
		}
	}})

	aliceCh, err := alice.Join(context.Background(), convID)
	require.NoError(t, err)
	_, err = bob.Join(context.Background(), convID)
	require.NoError(t, err)

	aliceCh.InputChanged("h")
	aliceCh.InputChanged("he")
	aliceCh.InputChanged("")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []bool{true, false}, seen)
	mu.Unlock()
}

func TestPresenceWatchSurvivesReconnect(t *testing.T) {
	ts := newTestServer(t)
	updates := make(chan models.Presence, 16)
	alice := ts.connect(t, 1, Callbacks{OnPresence: func(p models.Presence) { updates <- p }})
	require.NoError(t, alice.WatchPresence(2))

	var p models.Presence
	select {
	case p = <-updates:
		assert.Equal(t, int64(2), p.UserID)
		assert.False(t, p.IsOnline)
	case <-time.After(2 * time.Second):
		t.Fatal("no presence state on subscribe")
	}

	alice.Disconnect()
	require.Eventually(t, func() bool { return alice.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
	require.NoError(t, alice.Connect(context.Background()))

	// resubscription after auth replays the current state
	select {
	case p = <-updates:
		assert.Equal(t, int64(2), p.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no presence update after reconnect")
	}

	ts.connect(t, 2, Callbacks{})
	require.Eventually(t, func() bool {
		select {
		case p = <-updates:
			return p.UserID == 2 && p.IsOnline
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendToCreatesConversation(t *testing.T) {
	ts := newTestServer(t)
	conversations := make(chan int64, 1)
	alice := ts.connect(t, 1, Callbacks{})
	bob := ts.connect(t, 2, Callbacks{OnConversation: func(conversationID, _ int64) { conversations <- conversationID }})

	ch, id, err := alice.SendTo(context.Background(), 2, "hello")
	require.NoError(t, err)
	require.NotZero(t, id)
	require.Len(t, ch.Entries(), 1)

	var convID int64
	select {
	case convID = <-conversations:
	case <-time.After(2 * time.Second):
		t.Fatal("recipient was not told about the conversation")
	}
	assert.Equal(t, ch.ID(), convID)

	bobCh, err := bob.Join(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, confirmedIDs(bobCh.Entries()))
}

func TestSendToExistingPartnerLoadsHistory(t *testing.T) {
	ts := newTestServer(t)
	convID := ts.conversation(t, 1, 2)
	alice := ts.connect(t, 1, Callbacks{})

	ch, err := alice.Join(context.Background(), convID)
	require.NoError(t, err)
	for _, text := range []string{"one", "two"} {
		_, err := ch.Send(context.Background(), text)
		require.NoError(t, err)
	}
	ch.Leave()

	again, id, err := alice.SendTo(context.Background(), 2, "three")
	require.NoError(t, err)
	assert.Equal(t, convID, again.ID())

	entries := again.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, ts.serverIDs(t, convID), confirmedIDs(entries))
	assert.Equal(t, id, entries[2].ID)
	assert.Empty(t, alice.Drafts(2))
}

func TestRecipientJoinMarksBacklogDelivered(t *testing.T) {
	ts := newTestServer(t)
	convID := ts.conversation(t, 1, 2)
	alice := ts.connect(t, 1, Callbacks{})
	bob := ts.connect(t, 2, Callbacks{})

	ch, err := alice.Join(context.Background(), convID)
	require.NoError(t, err)
	_, err = ch.Send(context.Background(), "while you were away")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, ch.Entries()[0].Status)

	_, err = bob.Join(context.Background(), convID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries := ch.Entries()
		return len(entries) == 1 && entries[0].Status == models.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJoinRequiresSession(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:0/ws"})
	t.Cleanup(c.Close)
	_, err := c.Join(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTransportDown)

	_, err = c.Send(context.Background(), 1, "hi")
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestJoinForbiddenConversation(t *testing.T) {
	ts := newTestServer(t)
	convID := ts.conversation(t, 2, 3)
	alice := ts.connect(t, 1, Callbacks{})

	_, err := alice.Join(context.Background(), convID)
	assert.ErrorIs(t, err, ErrRejected)
	_, live := alice.Channel(convID)
	assert.False(t, live)
}

func findEntry(entries []Entry, id int64) (Entry, bool) {
	for _, e := range entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}
