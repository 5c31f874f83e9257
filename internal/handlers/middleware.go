// Package handlers provides the HTTP surface of the sandpool control
// plane: the public REST API under /api/v1 and the internal callback
// endpoints the in-container executor calls.
//
// This file implements the shared middleware: request IDs, structured
// access logging, and the bearer-token check guarding /internal routes.
package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
	"github.com/sandpool-dev/sandpool/internal/logger"
)

// RequestIDHeader carries the request id for distributed tracing.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns each request an id, honoring one supplied by the
// caller.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// StructuredLogger logs each request with zerolog fields.
func StructuredLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := logger.HTTP().Info()
		if c.Writer.Status() >= 500 {
			event = logger.HTTP().Error()
		} else if c.Writer.Status() >= 400 {
			event = logger.HTTP().Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", c.GetString("request_id")).
			Msg("Request")
	}
}

// InternalAuth guards the executor-facing endpoints with the shared
// bearer token supplied to containers via INTERNAL_API_TOKEN.
func InternalAuth(token string) gin.HandlerFunc {
	expected := []byte("Bearer " + token)
	return func(c *gin.Context) {
		supplied := []byte(c.GetHeader("Authorization"))
		if len(supplied) != len(expected) || subtle.ConstantTimeCompare(supplied, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing or invalid internal token",
			})
			return
		}
		c.Next()
	}
}

// respondError writes an error using the AppError mapping.
func respondError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	c.JSON(appErr.StatusCode, appErr.ToResponse())
}
