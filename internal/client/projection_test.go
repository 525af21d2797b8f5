package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/models"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func confirmed(id int64, sender int64, at time.Duration) models.Message {
	return models.Message{ID: id, ConversationID: 1, SenderID: sender, Content: "m", Status: models.StatusSent, CreatedAt: t0.Add(at)}
}

func TestAckUpgradesPendingInPlace(t *testing.T) {
	p := NewProjection(1)
	require.Equal(t, OutcomeInserted, p.AddPending(Entry{TempID: "t1", SenderID: 7, Content: "hi"}))

	out := p.Apply(models.Message{ID: 11, TempID: "t1", SenderID: 7, Status: models.StatusSent, CreatedAt: t0})
	assert.Equal(t, OutcomeUpdated, out)

	entries := p.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(11), entries[0].ID)
	assert.Equal(t, "hi", entries[0].Content)
	assert.Equal(t, models.StatusSent, entries[0].Status)
}

func TestAckAndPushMergeIntoOneEntry(t *testing.T) {
	msg := models.Message{ID: 11, TempID: "t1", SenderID: 7, Content: "hi", Status: models.StatusSent, CreatedAt: t0}

	t.Run("ack first", func(t *testing.T) {
		p := NewProjection(1)
		p.AddPending(Entry{TempID: "t1", SenderID: 7, Content: "hi"})
		assert.Equal(t, OutcomeUpdated, p.Apply(msg))
		assert.Equal(t, OutcomeDuplicate, p.Apply(msg))
		assert.Equal(t, 1, p.Len())
	})

	t.Run("push first", func(t *testing.T) {
		p := NewProjection(1)
		p.AddPending(Entry{TempID: "t1", SenderID: 7, Content: "hi"})
		pushed := msg
		pushed.Status = models.StatusDelivered
		assert.Equal(t, OutcomeUpdated, p.Apply(pushed))
		assert.Equal(t, OutcomeDuplicate, p.Apply(msg))
		require.Equal(t, 1, p.Len())
		assert.Equal(t, models.StatusDelivered, p.Entries()[0].Status)
	})

	t.Run("push by id without temp id", func(t *testing.T) {
		p := NewProjection(1)
		p.Apply(msg)
		anon := msg
		anon.TempID = ""
		assert.Equal(t, OutcomeDuplicate, p.Apply(anon))
		assert.Equal(t, 1, p.Len())
	})
}

func TestStatusIsMonotonic(t *testing.T) {
	p := NewProjection(1)
	p.Apply(confirmed(1, 7, 0))

	assert.Equal(t, OutcomeUpdated, p.SetStatus(1, models.StatusRead))
	assert.Equal(t, OutcomeDuplicate, p.SetStatus(1, models.StatusDelivered))
	assert.Equal(t, OutcomeDuplicate, p.SetStatus(1, models.StatusSent))

	late := confirmed(1, 7, 0)
	late.Status = models.StatusDelivered
	assert.Equal(t, OutcomeDuplicate, p.Apply(late))
	assert.Equal(t, models.StatusRead, p.Entries()[0].Status)

	assert.Equal(t, OutcomeIgnored, p.SetStatus(99, models.StatusRead))
}

func TestOrderingFollowsServerTimestamps(t *testing.T) {
	p := NewProjection(1)
	p.AddPending(Entry{TempID: "p1", LocalAt: t0.Add(-time.Hour)})
	p.Apply(confirmed(2, 8, 2*time.Second))
	p.Apply(confirmed(1, 8, time.Second))
	p.Apply(confirmed(3, 8, time.Second))

	entries := p.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, int64(1), entries[0].ID)
	assert.Equal(t, int64(3), entries[1].ID)
	assert.Equal(t, int64(2), entries[2].ID)
	assert.Equal(t, "p1", entries[3].TempID)
}

func TestFailedEntryRecoversOnLateAck(t *testing.T) {
	p := NewProjection(1)
	p.AddPending(Entry{TempID: "t1", Content: "hi"})
	assert.Equal(t, OutcomeUpdated, p.MarkFailed("t1"))
	assert.Equal(t, OutcomeDuplicate, p.MarkFailed("t1"))

	assert.Equal(t, OutcomeUpdated, p.Apply(models.Message{ID: 5, TempID: "t1", CreatedAt: t0}))
	e, ok := p.Find(5, "")
	require.True(t, ok)
	assert.Equal(t, models.StatusSent, e.Status)
	assert.Equal(t, OutcomeIgnored, p.MarkFailed("t1"))
}

func TestRetryOnlyFromFailed(t *testing.T) {
	p := NewProjection(1)
	p.AddPending(Entry{TempID: "t1", Content: "hi"})
	_, ok := p.MarkRetrying("t1")
	assert.False(t, ok)

	p.MarkFailed("t1")
	e, ok := p.MarkRetrying("t1")
	require.True(t, ok)
	assert.Equal(t, "t1", e.TempID)
	assert.Equal(t, models.StatusSending, e.Status)
}

func TestMergeHistoryInsertsGapsInPlace(t *testing.T) {
	p := NewProjection(1)
	p.Apply(confirmed(1, 7, 0))
	p.Apply(confirmed(5, 7, 10*time.Second))
	p.AddPending(Entry{TempID: "pending", SenderID: 7})

	history := []models.Message{
		confirmed(1, 7, 0),
		confirmed(2, 8, 2*time.Second),
		confirmed(3, 8, 3*time.Second),
		confirmed(4, 8, 4*time.Second),
	}
	require.True(t, p.MergeHistory(history))

	entries := p.Entries()
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	// 5 is newer than the newest history entry and survives; the pending
	// entry stays last
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 0}, ids)
	assert.Equal(t, "pending", entries[5].TempID)
}

func TestMergeHistoryDropsStaleConfirmedEntries(t *testing.T) {
	p := NewProjection(1)
	p.Apply(confirmed(1, 7, 0))
	p.Apply(confirmed(2, 7, time.Second))
	p.AddPending(Entry{TempID: "f", SenderID: 7})
	p.MarkFailed("f")

	p.MergeHistory([]models.Message{confirmed(1, 7, 0), confirmed(3, 7, 5*time.Second)})

	entries := p.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, int64(1), entries[0].ID)
	assert.Equal(t, int64(3), entries[1].ID)
	assert.Equal(t, models.StatusFailed, entries[2].Status)
}

func TestMergeHistoryMatchesPendingByTempID(t *testing.T) {
	p := NewProjection(1)
	p.AddPending(Entry{TempID: "t1", SenderID: 7, Content: "hi"})

	msg := confirmed(9, 7, 0)
	msg.TempID = "t1"
	p.MergeHistory([]models.Message{msg})

	entries := p.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(9), entries[0].ID)
	assert.Equal(t, "t1", entries[0].TempID)
}

func TestMergeHistoryKeepsLocalReadStatus(t *testing.T) {
	p := NewProjection(1)
	p.Apply(confirmed(1, 8, 0))
	p.SetStatus(1, models.StatusRead)

	assert.False(t, p.MergeHistory([]models.Message{confirmed(1, 8, 0)}))
	assert.Equal(t, models.StatusRead, p.Entries()[0].Status)
}

func TestUnreadSkipsOwnAndPending(t *testing.T) {
	p := NewProjection(1)
	p.Apply(confirmed(1, 7, 0))
	p.Apply(confirmed(2, 8, time.Second))
	read := confirmed(3, 8, 2*time.Second)
	read.Status = models.StatusRead
	p.Apply(read)
	p.AddPending(Entry{TempID: "x", SenderID: 8})

	unread := p.Unread(7)
	require.Len(t, unread, 1)
	assert.Equal(t, int64(2), unread[0].ID)
}

func TestRemoveDropsOnlyUnconfirmed(t *testing.T) {
	p := NewProjection(1)
	p.AddPending(Entry{TempID: "t1", SenderID: 7, Content: "a"})
	p.AddPending(Entry{TempID: "t2", SenderID: 7, Content: "b"})
	p.Apply(models.Message{ID: 11, TempID: "t2", SenderID: 7, CreatedAt: t0})

	assert.False(t, p.Remove("t2"))
	assert.True(t, p.Remove("t1"))
	assert.False(t, p.Remove("t1"))

	entries := p.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(11), entries[0].ID)
}
