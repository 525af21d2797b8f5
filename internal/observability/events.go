package observability

import (
	"context"
	"time"
)

// RoutingKeyWSEvents is the AMQP routing key for session lifecycle events.
const RoutingKeyWSEvents = "ws_events.sessions"

type EventEnvelope struct {
	EventType  string         `json:"event_type"`
	EventName  string         `json:"event_name"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    SessionPayload `json:"payload"`
}

type SessionPayload struct {
	ConnID     string `json:"conn_id"`
	UserID     int64  `json:"user_id,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	IP         string `json:"ip,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason,omitempty"`
}

// SessionEvent describes one websocket session lifecycle transition.
type SessionEvent struct {
	Name        string
	ConnID      string
	UserID      int64
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
	Reason      string
}

func (ev SessionEvent) headers() map[string]string {
	headers := map[string]string{}
	if ev.RequestID != "" {
		headers["x-request-id"] = ev.RequestID
	}
	if ev.TraceID != "" {
		headers["trace_id"] = ev.TraceID
	}
	return headers
}

func (ev SessionEvent) envelope(now time.Time) EventEnvelope {
	var duration int64
	if !ev.ConnectedAt.IsZero() {
		duration = now.Sub(ev.ConnectedAt).Milliseconds()
	}
	return EventEnvelope{
		EventType:  "ws_events",
		EventName:  ev.Name,
		OccurredAt: now.UTC(),
		Payload: SessionPayload{
			ConnID:     ev.ConnID,
			UserID:     ev.UserID,
			DeviceID:   ev.DeviceID,
			IP:         ev.IP,
			DurationMS: duration,
			Reason:     ev.Reason,
		},
	}
}

// PublishSessionEvent counts the event and publishes it on the ws events key.
func PublishSessionEvent(ctx context.Context, ev SessionEvent) {
	IncWSEvent(ev.Name)
	_ = publishLifecycle(ctx, RoutingKeyWSEvents, ev.envelope(time.Now()), ev.headers())
}
