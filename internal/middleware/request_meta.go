package middleware

import (
	"github.com/gin-gonic/gin"

	"messaging-service/internal/observability"
)

// RequestMetaKey is the gin context key holding the observability.RequestMeta
// of the request.
const RequestMetaKey = "requestMeta"

// RequestMeta records caller metadata and echoes the request id back in the
// X-Request-Id response header.
func RequestMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		meta := observability.RequestMetaFromRequest(c.Request)
		c.Request.Header.Set(observability.HeaderRequestID, meta.RequestID)
		c.Set(RequestMetaKey, meta)
		c.Header(observability.HeaderRequestID, meta.RequestID)
		c.Next()
	}
}

// Meta returns the metadata stored by RequestMeta. Without the middleware it
// is read from the request directly.
func Meta(c *gin.Context) observability.RequestMeta {
	if v, ok := c.Get(RequestMetaKey); ok {
		if meta, ok := v.(observability.RequestMeta); ok {
			return meta
		}
	}
	meta := observability.RequestMetaFromRequest(c.Request)
	c.Set(RequestMetaKey, meta)
	return meta
}
