// Package middleware contains Gin middleware for the application.
package middleware

import (
	"context"

	"github.com/ennuiii/gamebuddies/internal/v1/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID adds a correlation ID to the request, echoes it back on the
// response, and stamps it (plus the room code, for the room-scoped external
// game endpoints in edge/http.go) onto the request's context.Context so
// logging.Info/Warn/Error pick it up via ctx.Value — gin.Context's own Set/Get
// store is request-local and never reaches the context.Context that
// handlers pass down into the lobby manager and store.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		// Echo in the response header.
		c.Header(HeaderXCorrelationID, correlationID)

		// Kept for handlers/tests that read it straight off gin.Context.
		c.Set(string(logging.CorrelationIDKey), correlationID)

		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID)
		if roomCode := c.Param("roomCode"); roomCode != "" {
			ctx = context.WithValue(ctx, logging.RoomCodeKey, roomCode)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
