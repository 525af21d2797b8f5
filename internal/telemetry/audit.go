package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

type Level string

const (
	LevelInfo Level = "INFO"
	LevelWarn Level = "WARN"
)

// AuditEvent is one security-relevant action. Attrs carries event specific
// context such as the conversation or the transport.
type AuditEvent struct {
	Level     Level
	Action    string
	Text      string
	RequestID string
	UserID    int64
	Attrs     map[string]any
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *int64       `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level  Level          `json:"level"`
	Action string         `json:"action"`
	Text   string         `json:"text"`
	Attrs  map[string]any `json:"attrs,omitempty"`
}

// AuditEmitter publishes audit envelopes. A nil emitter, or one without a
// publisher, drops events.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	now         func() time.Time
	logger      *zap.Logger
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, logger *zap.Logger) *AuditEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		now:         time.Now,
		logger:      logger.Named("audit"),
	}
}

func (e *AuditEmitter) Emit(ctx context.Context, ev AuditEvent) {
	if e == nil || e.publisher == nil {
		return
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}

	e.logger.Info("audit emit",
		zap.String("level", string(ev.Level)),
		zap.String("action", ev.Action),
		zap.String("request_id", ev.RequestID),
		zap.Int64("user_id", ev.UserID),
	)
	if err := e.publisher.Publish(ctx, e.routingKey, e.envelope(ev), map[string]string{"x-request-id": ev.RequestID}); err != nil {
		e.logger.Warn("audit publish failed", zap.String("action", ev.Action), zap.Error(err))
	}
}

func (e *AuditEmitter) envelope(ev AuditEvent) AuditEnvelope {
	var userID *int64
	if ev.UserID != 0 {
		id := ev.UserID
		userID = &id
	}
	return AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     ev.RequestID,
		UserID:        userID,
		Payload: AuditPayload{
			Level:  ev.Level,
			Action: ev.Action,
			Text:   ev.Text,
			Attrs:  ev.Attrs,
		},
	}
}
