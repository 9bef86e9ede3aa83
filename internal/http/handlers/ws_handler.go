// WebSocket handler.
//
// This file exposes the live status stream:
//   - GET /ws
//
// The upgrade hands the socket to the notify hub, which registers it and
// pushes one JSON event per pipeline state transition until the client goes
// away.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"

	"github.com/tbourn/go-call-backend/internal/http/middleware"
	"github.com/tbourn/go-call-backend/internal/notify"
)

// WSHandler upgrades the request and serves pipeline status events over the
// hub until the connection closes.
func WSHandler(hub *notify.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
			// CORS policy is enforced by middleware before the upgrade.
			InsecureSkipVerify: true,
		})
		if err != nil {
			// Accept already wrote the failure response.
			middleware.LoggerFrom(c).Warn().Err(err).Msg("websocket accept failed")
			return
		}

		ownerID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if err := hub.Serve(c.Request.Context(), conn, ownerID); err != nil {
			middleware.LoggerFrom(c).Debug().Err(err).Msg("websocket session ended with error")
		}
		// Gin must not write after the hijacked connection closed.
		c.Status(http.StatusOK)
		c.Abort()
	}
}
