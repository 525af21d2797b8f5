package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/middleware"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/ws"
)

// HubStatter reports the size of the live session registry.
type HubStatter interface {
	Stats() ws.HubStats
}

// RegisterDebugRoutes wires debug-only endpoints under /debug.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, hub HubStatter, enabled bool) {
	if !enabled {
		return
	}
	debug := router.Group("/debug")

	debug.GET("/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), auditEvent(c, telemetry.LevelInfo, "debug.audit_test", "audit test", nil))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	debug.GET("/hub", func(c *gin.Context) {
		if hub == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hub not configured"})
			return
		}
		c.JSON(http.StatusOK, hub.Stats())
	})
}

func auditEvent(c *gin.Context, level telemetry.Level, action, text string, attrs map[string]any) telemetry.AuditEvent {
	return telemetry.AuditEvent{
		Level:     level,
		Action:    action,
		Text:      text,
		RequestID: middleware.Meta(c).RequestID,
		UserID:    middleware.UserID(c),
		Attrs:     attrs,
	}
}
