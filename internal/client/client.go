package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"messaging-service/internal/models"
)

const (
	DefaultAckTimeout     = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// Transport is the session channel a Client runs over. *Gateway implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Close()
	State() State
	UserID() int64
	Request(ctx context.Context, eventType, ref string, data any, timeout time.Duration) (models.Envelope, error)
	Emit(eventType string, data any) error
}

// History is the REST side of the client. *RESTClient implements it.
type History interface {
	FetchHistory(ctx context.Context, userID, conversationID int64) ([]models.Message, error)
	PostMessage(ctx context.Context, in models.SendPayload) (models.Message, bool, error)
}

// Callbacks receive client updates. They run outside the client lock, on
// whichever goroutine produced the update. OnDraft renders first messages to
// a user with no conversation yet, until their ack moves them into a channel.
type Callbacks struct {
	OnState        func(State)
	OnMessages     func(conversationID int64, entries []Entry)
	OnDraft        func(recipientID int64, entries []Entry)
	OnTyping       func(conversationID, userID int64, typing bool)
	OnPresence     func(models.Presence)
	OnConversation func(conversationID, senderID int64)
}

// Config configures a Client.
type Config struct {
	URL            string
	BaseURL        string
	Token          string
	AckTimeout     time.Duration
	RequestTimeout time.Duration
	TypingIdle     time.Duration
	TypingExpiry   time.Duration
	Backoff        func() backoff.BackOff
	HTTPClient     *http.Client
	Logger         *zap.Logger
	Callbacks      Callbacks
}

// Client keeps the local projections of the conversations a user has open and
// drives the delivery, typing, receipt and resync protocols over a Transport.
type Client struct {
	cfg       Config
	transport Transport
	rest      History
	typing    *TypingCoordinator
	logger    *zap.Logger

	// mu guards the channels, their projections, the drafts and the presence
	// watch list.
	mu       sync.Mutex
	channels map[int64]*Channel
	drafts   map[int64]*Projection
	watched  map[int64]struct{}
}

// New builds a Client over a websocket Gateway. REST history and the send
// fallback are enabled when BaseURL is set.
func New(cfg Config) *Client {
	var rest History
	if cfg.BaseURL != "" {
		rest = NewRESTClient(cfg.BaseURL, cfg.Token, cfg.HTTPClient)
	}
	c := newClient(cfg, nil, rest)
	c.transport = NewGateway(GatewayConfig{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Backoff: cfg.Backoff,
		Logger:  cfg.Logger,
		OnState: c.handleState,
		OnEvent: c.handleEvent,
	})
	return c
}

func newClient(cfg Config, transport Transport, rest History) *Client {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:       cfg,
		transport: transport,
		rest:      rest,
		logger:    logger.Named("client"),
		channels:  make(map[int64]*Channel),
		drafts:    make(map[int64]*Projection),
		watched:   make(map[int64]struct{}),
	}
	c.typing = NewTypingCoordinator(c.emit, cfg.Callbacks.OnTyping, cfg.TypingIdle, cfg.TypingExpiry, logger)
	return c
}

// NewTempID returns a client temp id: unix millis and a random suffix.
func NewTempID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString())
}

func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Disconnect drops the session and suppresses reconnection.
func (c *Client) Disconnect() {
	c.transport.Disconnect()
}

func (c *Client) Close() {
	c.typing.Stop()
	c.transport.Close()
}

func (c *Client) State() State {
	return c.transport.State()
}

func (c *Client) UserID() int64 {
	return c.transport.UserID()
}

func (c *Client) Typing() *TypingCoordinator {
	return c.typing
}

// Channel returns the live handle of a conversation.
func (c *Client) Channel(conversationID int64) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[conversationID]
	return ch, ok
}

// Join subscribes to a conversation and loads its history. Joining a
// conversation that already has a live handle returns that handle.
func (c *Client) Join(ctx context.Context, conversationID int64) (*Channel, error) {
	if conversationID <= 0 {
		return nil, fmt.Errorf("%w: invalid conversation id", ErrRejected)
	}
	if ch, ok := c.Channel(conversationID); ok {
		return ch, nil
	}

	if err := c.join(ctx, conversationID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	ch, ok := c.channels[conversationID]
	if !ok {
		ch = newChannel(c, conversationID)
		c.channels[conversationID] = ch
	}
	c.mu.Unlock()

	if err := c.resync(ctx, ch); err != nil {
		c.logger.Warn("initial history fetch failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
	return ch, nil
}

func (c *Client) join(ctx context.Context, conversationID int64) error {
	reply, err := c.transport.Request(ctx, models.EventJoin, "", models.ConversationRef{ConversationID: conversationID}, c.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	if reply.Type != models.EventJoinOK {
		var payload models.ErrorPayload
		_ = reply.Decode(&payload)
		return fmt.Errorf("%w: %s", ErrRejected, payload.Message)
	}
	return nil
}

// Send delivers a message into a joined conversation and returns its durable
// id. The pending entry is rendered before the network round trip. An ack
// timeout or transport failure falls back to REST with the same temp id. A
// failed send stays in the projection as failed until Retry.
func (c *Client) Send(ctx context.Context, conversationID int64, content string) (int64, error) {
	if strings.TrimSpace(content) == "" {
		return 0, fmt.Errorf("%w: empty message", ErrRejected)
	}

	c.mu.Lock()
	ch, ok := c.channels[conversationID]
	if !ok {
		c.mu.Unlock()
		return 0, ErrNotJoined
	}
	entry := Entry{
		TempID:   NewTempID(),
		SenderID: c.transport.UserID(),
		Content:  content,
		Type:     models.TypeText,
		LocalAt:  time.Now(),
		Status:   models.StatusSending,
	}
	ch.proj.AddPending(entry)
	entries := ch.proj.Entries()
	c.mu.Unlock()

	c.notify(conversationID, entries)
	return c.deliver(ctx, ch, entry)
}

// Retry resends a failed message with its original temp id.
func (c *Client) Retry(ctx context.Context, conversationID int64, tempID string) (int64, error) {
	c.mu.Lock()
	ch, ok := c.channels[conversationID]
	if !ok {
		c.mu.Unlock()
		return 0, ErrNotJoined
	}
	entry, ok := ch.proj.MarkRetrying(tempID)
	if !ok {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: no failed message %s", ErrRejected, tempID)
	}
	entries := ch.proj.Entries()
	c.mu.Unlock()

	c.notify(conversationID, entries)
	return c.deliver(ctx, ch, entry)
}

// SendTo sends the first message to a user without a conversation yet. The
// pending entry is rendered through OnDraft until the ack names the
// conversation the server created or found; it then moves into that channel,
// which loads its history on first mount like Join. A failed send stays as a
// failed draft until RetryTo. There is no conversation id to fall back on, so
// REST is never tried.
func (c *Client) SendTo(ctx context.Context, recipientID int64, content string) (*Channel, int64, error) {
	if strings.TrimSpace(content) == "" {
		return nil, 0, fmt.Errorf("%w: empty message", ErrRejected)
	}
	if recipientID <= 0 {
		return nil, 0, fmt.Errorf("%w: invalid recipient", ErrRejected)
	}

	entry := Entry{
		TempID:   NewTempID(),
		SenderID: c.transport.UserID(),
		Content:  content,
		Type:     models.TypeText,
		LocalAt:  time.Now(),
		Status:   models.StatusSending,
	}
	c.mu.Lock()
	draft, ok := c.drafts[recipientID]
	if !ok {
		draft = NewProjection(0)
		c.drafts[recipientID] = draft
	}
	draft.AddPending(entry)
	entries := draft.Entries()
	c.mu.Unlock()

	c.notifyDraft(recipientID, entries)
	return c.deliverTo(ctx, recipientID, entry)
}

// RetryTo resends a failed first message with its original temp id.
func (c *Client) RetryTo(ctx context.Context, recipientID int64, tempID string) (*Channel, int64, error) {
	c.mu.Lock()
	var entry Entry
	draft, ok := c.drafts[recipientID]
	if ok {
		entry, ok = draft.MarkRetrying(tempID)
	}
	if !ok {
		c.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: no failed message %s", ErrRejected, tempID)
	}
	entries := draft.Entries()
	c.mu.Unlock()

	c.notifyDraft(recipientID, entries)
	return c.deliverTo(ctx, recipientID, entry)
}

// Drafts returns the unconfirmed first messages to recipientID.
func (c *Client) Drafts(recipientID int64) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if draft, ok := c.drafts[recipientID]; ok {
		return draft.Entries()
	}
	return nil
}

func (c *Client) deliverTo(ctx context.Context, recipientID int64, entry Entry) (*Channel, int64, error) {
	reply, err := c.transport.Request(ctx, models.EventMessageSend, entry.TempID, models.SendPayload{
		RecipientID: recipientID,
		Content:     entry.Content,
		Type:        entry.Type,
		TempID:      entry.TempID,
	}, c.cfg.AckTimeout)
	var ack models.AckPayload
	if err == nil {
		ack, err = decodeAck(reply)
	}
	if err != nil {
		c.mu.Lock()
		var entries []Entry
		changed := false
		if draft, ok := c.drafts[recipientID]; ok {
			changed = draft.MarkFailed(entry.TempID).Changed()
			entries = draft.Entries()
		}
		c.mu.Unlock()
		if changed {
			c.notifyDraft(recipientID, entries)
		}
		return nil, 0, err
	}

	c.mu.Lock()
	var drafts []Entry
	if draft, ok := c.drafts[recipientID]; ok {
		draft.Remove(entry.TempID)
		drafts = draft.Entries()
		if draft.Len() == 0 {
			delete(c.drafts, recipientID)
		}
	}
	ch, mounted := c.channels[ack.ConversationID]
	if !mounted {
		ch = newChannel(c, ack.ConversationID)
		c.channels[ack.ConversationID] = ch
	}
	ch.proj.AddPending(entry)
	ch.proj.Apply(models.Message{
		ID:             ack.MessageID,
		ConversationID: ack.ConversationID,
		SenderID:       entry.SenderID,
		Content:        entry.Content,
		Type:           entry.Type,
		TempID:         entry.TempID,
		Status:         models.StatusSent,
		CreatedAt:      ack.CreatedAt,
	})
	entries := ch.proj.Entries()
	c.mu.Unlock()

	c.notifyDraft(recipientID, drafts)
	c.notify(ack.ConversationID, entries)
	if !mounted {
		if err := c.resync(ctx, ch); err != nil {
			c.logger.Warn("initial history fetch failed", zap.Int64("conversation_id", ack.ConversationID), zap.Error(err))
		}
	}
	return ch, ack.MessageID, nil
}

func (c *Client) deliver(ctx context.Context, ch *Channel, entry Entry) (int64, error) {
	payload := models.SendPayload{
		ConversationID: ch.id,
		Content:        entry.Content,
		Type:           entry.Type,
		TempID:         entry.TempID,
	}

	reply, err := c.transport.Request(ctx, models.EventMessageSend, entry.TempID, payload, c.cfg.AckTimeout)
	if err == nil {
		ack, ackErr := decodeAck(reply)
		if ackErr != nil {
			c.fail(ch, entry.TempID)
			return 0, ackErr
		}
		c.confirm(ch, models.Message{
			ID:             ack.MessageID,
			ConversationID: ch.id,
			SenderID:       entry.SenderID,
			Content:        entry.Content,
			Type:           entry.Type,
			TempID:         entry.TempID,
			Status:         models.StatusSent,
			CreatedAt:      ack.CreatedAt,
		})
		return ack.MessageID, nil
	}

	if fallbackEligible(err) && c.rest != nil {
		payload.SenderID = entry.SenderID
		msg, _, restErr := c.rest.PostMessage(ctx, payload)
		if restErr == nil {
			c.confirm(ch, msg)
			return msg.ID, nil
		}
		c.logger.Warn("rest fallback failed", zap.Int64("conversation_id", ch.id), zap.String("temp_id", entry.TempID), zap.Error(restErr))
	}

	c.fail(ch, entry.TempID)
	return 0, err
}

func decodeAck(reply models.Envelope) (models.AckPayload, error) {
	var ack models.AckPayload
	if reply.Type != models.EventMessageAck {
		return ack, fmt.Errorf("%w: unexpected reply %s", ErrRejected, reply.Type)
	}
	if err := reply.Decode(&ack); err != nil {
		return ack, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if ack.Error != "" {
		return ack, fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}
	return ack, nil
}

// confirm and fail drop results for channels left in the meantime.
func (c *Client) confirm(ch *Channel, msg models.Message) {
	c.update(ch, func(p *Projection) Outcome { return p.Apply(msg) })
}

func (c *Client) fail(ch *Channel, tempID string) {
	c.update(ch, func(p *Projection) Outcome { return p.MarkFailed(tempID) })
}

func (c *Client) update(ch *Channel, fn func(*Projection) Outcome) Outcome {
	c.mu.Lock()
	if c.channels[ch.id] != ch {
		c.mu.Unlock()
		return OutcomeIgnored
	}
	outcome := fn(ch.proj)
	entries := ch.proj.Entries()
	c.mu.Unlock()

	if outcome.Changed() {
		c.notify(ch.id, entries)
		c.flushReceipts(ch)
	}
	return outcome
}

// WatchPresence subscribes to presence updates of users. The watch list is
// re-sent after every re-authentication, so an offline call is not an error.
func (c *Client) WatchPresence(userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, id := range userIDs {
		c.watched[id] = struct{}{}
	}
	c.mu.Unlock()

	err := c.transport.Emit(models.EventPresenceSub, models.PresenceSubscribePayload{UserIDs: userIDs})
	if errors.Is(err, ErrTransportDown) || errors.Is(err, ErrNotAuthenticated) {
		return nil
	}
	return err
}

func (c *Client) handleState(state State) {
	if cb := c.cfg.Callbacks.OnState; cb != nil {
		cb(state)
	}
	if state == StateAuthenticated {
		go c.resume()
	}
}

// resume restores a fresh session: rejoin every live channel, resync its
// history and re-send the presence watch list.
func (c *Client) resume() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*c.cfg.RequestTimeout)
	defer cancel()

	c.mu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	watched := make([]int64, 0, len(c.watched))
	for id := range c.watched {
		watched = append(watched, id)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		if err := c.join(ctx, ch.id); err != nil {
			c.logger.Warn("rejoin failed", zap.Int64("conversation_id", ch.id), zap.Error(err))
			continue
		}
		if err := c.resync(ctx, ch); err != nil {
			c.logger.Warn("resync failed", zap.Int64("conversation_id", ch.id), zap.Error(err))
		}
	}
	if len(watched) > 0 {
		if err := c.transport.Emit(models.EventPresenceSub, models.PresenceSubscribePayload{UserIDs: watched}); err != nil {
			c.logger.Debug("presence resubscribe dropped", zap.Error(err))
		}
	}
}

// resync merges the authoritative history into the channel projection.
func (c *Client) resync(ctx context.Context, ch *Channel) error {
	if c.rest == nil {
		return nil
	}
	history, err := c.rest.FetchHistory(ctx, c.transport.UserID(), ch.id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.channels[ch.id] != ch {
		c.mu.Unlock()
		return nil
	}
	ch.emitted = make(map[int64]struct{})
	changed := ch.proj.MergeHistory(history)
	entries := ch.proj.Entries()
	c.mu.Unlock()

	if changed {
		c.notify(ch.id, entries)
	}
	c.flushReceipts(ch)
	return nil
}

func (c *Client) handleEvent(env models.Envelope) {
	switch env.Type {
	case models.EventMessagePush:
		var msg models.Message
		if err := env.Decode(&msg); err != nil {
			c.logger.Debug("bad push payload", zap.Error(err))
			return
		}
		c.inbound(msg.ConversationID, func(p *Projection) Outcome { return p.Apply(msg) })

	case models.EventMessageAck:
		// an ack that outlived its request still confirms the pending entry
		var ack models.AckPayload
		if err := env.Decode(&ack); err != nil || ack.Error != "" || ack.MessageID == 0 {
			return
		}
		c.inbound(ack.ConversationID, func(p *Projection) Outcome {
			e, ok := p.Find(0, ack.TempID)
			if !ok {
				return OutcomeIgnored
			}
			return p.Apply(models.Message{
				ID:             ack.MessageID,
				ConversationID: ack.ConversationID,
				SenderID:       e.SenderID,
				TempID:         ack.TempID,
				Status:         models.StatusSent,
				CreatedAt:      ack.CreatedAt,
			})
		})

	case models.EventMessageDelivered:
		var in models.DeliveredPayload
		if err := env.Decode(&in); err != nil {
			return
		}
		c.inbound(in.ConversationID, func(p *Projection) Outcome { return p.SetStatus(in.MessageID, models.StatusDelivered) })

	case models.EventReadReceipt:
		var in models.ReadReceiptPayload
		if err := env.Decode(&in); err != nil {
			return
		}
		c.inbound(in.ConversationID, func(p *Projection) Outcome { return p.SetStatus(in.MessageID, models.StatusRead) })

	case models.EventTypingStart, models.EventTypingStop:
		var in models.TypingPayload
		if err := env.Decode(&in); err != nil || in.UserID == c.transport.UserID() {
			return
		}
		if _, live := c.Channel(in.ConversationID); !live {
			c.logger.Debug("typing for unjoined conversation dropped", zap.Int64("conversation_id", in.ConversationID))
			return
		}
		c.typing.Received(in.ConversationID, in.UserID, env.Type == models.EventTypingStart)

	case models.EventPresenceUpdate:
		var p models.Presence
		if err := env.Decode(&p); err != nil {
			return
		}
		if cb := c.cfg.Callbacks.OnPresence; cb != nil {
			cb(p)
		}

	case models.EventConversationNew:
		var in models.ConversationNewPayload
		if err := env.Decode(&in); err != nil {
			return
		}
		if cb := c.cfg.Callbacks.OnConversation; cb != nil {
			cb(in.ConversationID, in.SenderID)
		}

	case models.EventError:
		var payload models.ErrorPayload
		_ = env.Decode(&payload)
		c.logger.Debug("server error", zap.String("code", payload.Code), zap.String("message", payload.Message))

	default:
		c.logger.Debug("unhandled event", zap.String("type", env.Type))
	}
}

func (c *Client) inbound(conversationID int64, fn func(*Projection) Outcome) {
	ch, live := c.Channel(conversationID)
	if !live {
		c.logger.Debug("event for unjoined conversation dropped", zap.Int64("conversation_id", conversationID))
		return
	}
	c.update(ch, fn)
}

// flushReceipts emits read receipts for counterpart messages when the channel
// is in the foreground. A failed emission is forgotten so a later resync
// retries it.
func (c *Client) flushReceipts(ch *Channel) {
	self := c.transport.UserID()

	c.mu.Lock()
	if c.channels[ch.id] != ch || !ch.foreground {
		c.mu.Unlock()
		return
	}
	var todo []int64
	for _, e := range ch.proj.Unread(self) {
		if _, done := ch.emitted[e.ID]; done {
			continue
		}
		ch.emitted[e.ID] = struct{}{}
		todo = append(todo, e.ID)
	}
	c.mu.Unlock()

	var sent []int64
	for _, id := range todo {
		if err := c.transport.Emit(models.EventReadReceipt, models.ReadReceiptPayload{MessageID: id}); err != nil {
			c.logger.Debug("read receipt dropped", zap.Int64("message_id", id), zap.Error(err))
			c.mu.Lock()
			delete(ch.emitted, id)
			c.mu.Unlock()
			continue
		}
		sent = append(sent, id)
	}
	if len(sent) == 0 {
		return
	}

	c.mu.Lock()
	if c.channels[ch.id] != ch {
		c.mu.Unlock()
		return
	}
	for _, id := range sent {
		ch.proj.SetStatus(id, models.StatusRead)
	}
	entries := ch.proj.Entries()
	c.mu.Unlock()
	c.notify(ch.id, entries)
}

func (c *Client) emit(eventType string, data any) error {
	if c.transport == nil {
		return ErrTransportDown
	}
	return c.transport.Emit(eventType, data)
}

func (c *Client) notify(conversationID int64, entries []Entry) {
	if cb := c.cfg.Callbacks.OnMessages; cb != nil {
		cb(conversationID, entries)
	}
}

func (c *Client) notifyDraft(recipientID int64, entries []Entry) {
	if cb := c.cfg.Callbacks.OnDraft; cb != nil {
		cb(recipientID, entries)
	}
}
