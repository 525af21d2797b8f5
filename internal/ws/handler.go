package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

// WebSocketHandler upgrades connections into sessions.
type WebSocketHandler struct {
	dispatcher  *Dispatcher
	authTimeout time.Duration
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

// NewWebSocketHandler constructs a WebSocketHandler. Sessions that do not
// authenticate within authTimeout are closed. Browser upgrades must come from
// one of allowedOrigins ("*" allows any); with none configured only
// same-host origins are accepted.
func NewWebSocketHandler(dispatcher *Dispatcher, authTimeout time.Duration, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{
		dispatcher:  dispatcher,
		authTimeout: authTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.Named("ws"),
	}
}

// originChecker mirrors the REST CORS allow list. Requests without an Origin
// header are not from a browser and pass.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	origins := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		origins[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := origins[origin]
		return ok
	}
}

// Handle upgrades the connection and starts the session pumps.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("messaging-service/ws").Start(c.Request.Context(), "ws.handshake", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request.WithContext(ctx), nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.String("origin", c.GetHeader("Origin")), zap.Error(err))
		return
	}

	info := newConnInfo(observability.RequestMetaFromRequest(c.Request), span.SpanContext().TraceID().String())
	s := newSession(conn, info, h.logger)
	h.Serve(s)
}

// Serve runs the session until its connection ends.
func (h *WebSocketHandler) Serve(s *Session) {
	observability.IncWSActive()
	observability.PublishSessionEvent(s.ctx, s.info.sessionEvent("ws_connect", 0, ""))

	if h.authTimeout > 0 {
		timer := time.AfterFunc(h.authTimeout, func() {
			if !s.Authenticated() {
				s.logger.Info("authentication timeout, closing session")
				s.Close()
			}
		})
		go func() {
			<-s.Done()
			timer.Stop()
		}()
	}

	go s.writePump()
	go func() {
		reason := s.readPump(func(env models.Envelope) {
			h.dispatcher.Handle(s.ctx, s, env)
		})
		observability.DecWSActive()
		h.dispatcher.Disconnect(s, reason)
	}()
}
