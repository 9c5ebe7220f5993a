package notifications

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	app "github.com/supportdesk/helpdesk/cmd/api/app"
	authpkg "github.com/supportdesk/helpdesk/cmd/api/auth"
	"github.com/supportdesk/helpdesk/cmd/api/ws"
)

// Stream upgrades to a websocket that receives the caller's notifications and
// the ticket events they may see.
func Stream(hub *ws.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hub == nil {
			app.AbortError(c, http.StatusServiceUnavailable, "Realtime updates are unavailable", nil)
			return
		}
		u, _ := authpkg.CurrentUser(c)
		conn, err := ws.Upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Ctx(c.Request.Context()).Warn().Err(err).Msg("websocket upgrade")
			return
		}
		client := ws.NewClient(hub, conn, u.ID, u.Role)
		hub.Register(client)
		go client.WritePump(c.Request.Context())
		client.ReadPump()
	}
}
