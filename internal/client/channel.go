package client

import (
	"context"

	"messaging-service/internal/models"
)

// Channel is the live handle of a joined conversation.
type Channel struct {
	client *Client
	id     int64

	// guarded by client.mu
	proj       *Projection
	foreground bool
	emitted    map[int64]struct{}
}

func newChannel(c *Client, conversationID int64) *Channel {
	return &Channel{
		client:  c,
		id:      conversationID,
		proj:    NewProjection(conversationID),
		emitted: make(map[int64]struct{}),
	}
}

func (ch *Channel) ID() int64 {
	return ch.id
}

// Entries returns the rendered message list.
func (ch *Channel) Entries() []Entry {
	ch.client.mu.Lock()
	defer ch.client.mu.Unlock()
	return ch.proj.Entries()
}

func (ch *Channel) Send(ctx context.Context, content string) (int64, error) {
	return ch.client.Send(ctx, ch.id, content)
}

func (ch *Channel) Retry(ctx context.Context, tempID string) (int64, error) {
	return ch.client.Retry(ctx, ch.id, tempID)
}

// InputChanged feeds the compose field into the typing debounce.
func (ch *Channel) InputChanged(text string) {
	ch.client.typing.InputChanged(ch.id, text)
}

// SetForeground marks the conversation view active. While active, counterpart
// messages are acknowledged as read as soon as they are rendered.
func (ch *Channel) SetForeground(active bool) {
	ch.client.mu.Lock()
	ch.foreground = active
	ch.client.mu.Unlock()
	if active {
		ch.client.flushReceipts(ch)
	}
}

// Leave drops the handle and its projection. Server-side state is untouched.
func (ch *Channel) Leave() {
	c := ch.client
	c.typing.Cancel(ch.id)

	c.mu.Lock()
	if c.channels[ch.id] == ch {
		delete(c.channels, ch.id)
	}
	c.mu.Unlock()

	_ = c.transport.Emit(models.EventLeave, models.ConversationRef{ConversationID: ch.id})
}
