package ws

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"messaging-service/internal/observability"
)

// ConnInfo describes where a session came from.
type ConnInfo struct {
	observability.RequestMeta
	ConnID      string
	TraceID     string
	ConnectedAt time.Time
}

func newConnInfo(meta observability.RequestMeta, traceID string) ConnInfo {
	return ConnInfo{
		RequestMeta: meta,
		ConnID:      uuid.NewString(),
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
}

func (i ConnInfo) logFields() []zap.Field {
	fields := []zap.Field{zap.String("conn_id", i.ConnID)}
	if i.RequestID != "" {
		fields = append(fields, zap.String("request_id", i.RequestID))
	}
	if i.DeviceID != "" {
		fields = append(fields, zap.String("device_id", i.DeviceID))
	}
	return fields
}

func (i ConnInfo) sessionEvent(name string, userID int64, reason string) observability.SessionEvent {
	return observability.SessionEvent{
		Name:        name,
		ConnID:      i.ConnID,
		UserID:      userID,
		DeviceID:    i.DeviceID,
		IP:          i.IP,
		RequestID:   i.RequestID,
		TraceID:     i.TraceID,
		ConnectedAt: i.ConnectedAt,
		Reason:      reason,
	}
}
