package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"messaging-service/internal/models"
)

// State is the session gateway state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

const writeWait = 10 * time.Second

// DefaultBackoff is the reconnection policy: exponential from 500ms doubling
// up to 30s with 50% jitter, retried forever.
func DefaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	URL     string
	Token   string
	Header  http.Header
	Dialer  *websocket.Dialer
	Backoff func() backoff.BackOff
	Logger  *zap.Logger

	// OnState is called after every transition. OnEvent receives every
	// inbound envelope that is not a reply to a pending request; it runs on
	// the read goroutine and must not block on gateway requests.
	OnState func(State)
	OnEvent func(models.Envelope)
}

// Gateway owns one logical session over successive websocket connections.
type Gateway struct {
	cfg    GatewayConfig
	logger *zap.Logger

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	userID       int64
	pending      map[string]chan models.Envelope
	suppressed   bool
	closed       bool
	reconnecting bool
	runCtx       context.Context
	runCancel    context.CancelFunc

	writeMu sync.Mutex
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		cfg:     cfg,
		logger:  logger.Named("gateway"),
		pending: make(map[string]chan models.Envelope),
	}
}

func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// UserID returns the user bound by the last successful authentication.
func (g *Gateway) UserID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.userID
}

// Connect dials and authenticates. A transport failure starts the
// reconnection policy in the background and is returned wrapped in
// ErrTransportDown; a refused token is returned as ErrNotAuthenticated and
// is not retried.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.suppressed = false
	if g.runCtx == nil || g.runCtx.Err() != nil {
		g.runCtx, g.runCancel = context.WithCancel(context.Background())
	}
	if g.state != StateDisconnected || g.reconnecting {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	err := g.dialAndAuth(ctx)
	if errors.Is(err, ErrTransportDown) {
		g.startReconnect()
	}
	return err
}

// Disconnect closes the connection and suppresses reconnection until the
// next Connect.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	g.suppressed = true
	if g.runCancel != nil {
		g.runCancel()
	}
	conn := g.conn
	g.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Close disconnects for good.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.Disconnect()
}

// Request sends an event and waits for the envelope carrying the same ref.
// It requires an authenticated session.
func (g *Gateway) Request(ctx context.Context, eventType, ref string, data any, timeout time.Duration) (models.Envelope, error) {
	if ref == "" {
		ref = uuid.NewString()
	}
	conn, err := g.usable()
	if err != nil {
		return models.Envelope{}, err
	}
	return g.roundTrip(ctx, conn, eventType, ref, data, timeout)
}

// Emit sends a fire-and-forget event.
func (g *Gateway) Emit(eventType string, data any) error {
	conn, err := g.usable()
	if err != nil {
		return err
	}
	env, err := models.NewEnvelope(eventType, "", data)
	if err != nil {
		return err
	}
	return g.write(conn, env)
}

func (g *Gateway) usable() (*websocket.Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case StateAuthenticated:
		return g.conn, nil
	case StateConnected:
		return nil, ErrNotAuthenticated
	default:
		return nil, ErrTransportDown
	}
}

func (g *Gateway) roundTrip(ctx context.Context, conn *websocket.Conn, eventType, ref string, data any, timeout time.Duration) (models.Envelope, error) {
	env, err := models.NewEnvelope(eventType, ref, data)
	if err != nil {
		return models.Envelope{}, err
	}

	reply := make(chan models.Envelope, 1)
	g.mu.Lock()
	if g.conn != conn {
		g.mu.Unlock()
		return models.Envelope{}, ErrTransportDown
	}
	g.pending[ref] = reply
	g.mu.Unlock()

	if err := g.write(conn, env); err != nil {
		g.forget(ref, reply)
		return models.Envelope{}, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case got, ok := <-reply:
		if !ok {
			return models.Envelope{}, ErrTransportDown
		}
		return got, nil
	case <-expired:
		g.forget(ref, reply)
		return models.Envelope{}, ErrAckTimeout
	case <-ctx.Done():
		g.forget(ref, reply)
		return models.Envelope{}, ctx.Err()
	}
}

func (g *Gateway) forget(ref string, reply chan models.Envelope) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending[ref] == reply {
		delete(g.pending, ref)
	}
}

func (g *Gateway) write(conn *websocket.Conn, env models.Envelope) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrTransportDown, err)
	}
	return nil
}

func (g *Gateway) dialAndAuth(ctx context.Context) error {
	g.setState(StateConnecting, nil, 0)

	conn, resp, err := g.cfg.Dialer.DialContext(ctx, g.cfg.URL, g.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		g.setState(StateDisconnected, nil, 0)
		return fmt.Errorf("%w: %v", ErrTransportDown, err)
	}

	g.mu.Lock()
	if g.suppressed || g.closed {
		g.mu.Unlock()
		_ = conn.Close()
		g.setState(StateDisconnected, nil, 0)
		return ErrTransportDown
	}
	g.mu.Unlock()
	g.setState(StateConnected, conn, 0)
	go g.readLoop(conn)

	reply, err := g.roundTrip(ctx, conn, models.EventAuth, uuid.NewString(), models.AuthPayload{Token: g.cfg.Token}, writeWait)
	if err != nil {
		_ = conn.Close()
		if errors.Is(err, ErrAckTimeout) {
			return fmt.Errorf("%w: auth reply timed out", ErrTransportDown)
		}
		return err
	}
	if reply.Type != models.EventAuthOK {
		var payload models.ErrorPayload
		_ = reply.Decode(&payload)
		g.mu.Lock()
		g.suppressed = true
		g.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrNotAuthenticated, payload.Message)
	}

	var ok models.AuthOKPayload
	if err := reply.Decode(&ok); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrTransportDown, err)
	}
	if !g.setState(StateAuthenticated, conn, ok.UserID) {
		return ErrTransportDown
	}
	g.logger.Info("session authenticated", zap.Int64("user_id", ok.UserID))
	return nil
}

// setState records a transition and notifies. Transitions tied to a
// connection are only applied while that connection is current.
func (g *Gateway) setState(state State, conn *websocket.Conn, userID int64) bool {
	g.mu.Lock()
	switch state {
	case StateConnected:
		g.conn = conn
	case StateAuthenticated:
		if g.conn != conn {
			g.mu.Unlock()
			return false
		}
		g.userID = userID
	}
	changed := g.state != state
	g.state = state
	g.mu.Unlock()

	if changed && g.cfg.OnState != nil {
		g.cfg.OnState(state)
	}
	return true
}

func (g *Gateway) readLoop(conn *websocket.Conn) {
	defer g.dropped(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.logger.Debug("read ended", zap.Error(err))
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.logger.Debug("malformed frame", zap.Error(err))
			continue
		}

		if env.Ref != "" {
			g.mu.Lock()
			reply, ok := g.pending[env.Ref]
			if ok {
				delete(g.pending, env.Ref)
			}
			g.mu.Unlock()
			if ok {
				reply <- env
				// acks also reach OnEvent so the projection is confirmed
				// before the frames that follow are applied
				if env.Type != models.EventMessageAck {
					continue
				}
			}
		}
		if g.cfg.OnEvent != nil {
			g.cfg.OnEvent(env)
		}
	}
}

func (g *Gateway) dropped(conn *websocket.Conn) {
	_ = conn.Close()

	g.mu.Lock()
	if g.conn != conn {
		g.mu.Unlock()
		return
	}
	g.conn = nil
	for ref, reply := range g.pending {
		close(reply)
		delete(g.pending, ref)
	}
	retry := !g.suppressed && !g.closed
	g.mu.Unlock()

	g.setState(StateDisconnected, nil, 0)
	if retry {
		g.startReconnect()
	}
}

func (g *Gateway) startReconnect() {
	g.mu.Lock()
	if g.reconnecting || g.suppressed || g.closed || g.runCtx == nil {
		g.mu.Unlock()
		return
	}
	g.reconnecting = true
	ctx := g.runCtx
	g.mu.Unlock()

	go func() {
		done := func() {
			g.mu.Lock()
			g.reconnecting = false
			g.mu.Unlock()
		}

		policy := g.cfg.Backoff()
		policy.Reset()
		for {
			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				g.logger.Info("reconnection gave up")
				done()
				return
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				done()
				return
			case <-timer.C:
			}

			err := g.dialAndAuth(ctx)
			if err == nil {
				// a drop racing this success found reconnecting set and
				// left the retry to this loop
				g.mu.Lock()
				if g.state != StateDisconnected || g.suppressed || g.closed {
					g.reconnecting = false
					g.mu.Unlock()
					return
				}
				g.mu.Unlock()
				policy.Reset()
				continue
			}
			if errors.Is(err, ErrNotAuthenticated) {
				g.logger.Warn("reconnection stopped, token refused", zap.Error(err))
				done()
				return
			}
			g.logger.Debug("reconnect attempt failed", zap.Error(err), zap.Duration("waited", wait))
		}
	}()
}
