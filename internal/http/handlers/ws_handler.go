// README: WebSocket upgrade into the realtime hub.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridecore/internal/http/middleware"
	"ridecore/internal/modules/notify"
	"ridecore/internal/types"
)

type Realtime interface {
	ServeWS(w http.ResponseWriter, r *http.Request, self notify.Target)
}

// WS upgrades the caller into the realtime hub, joined to their own room.
func WS(hub Realtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := types.ID(middleware.CallerUID(c))
		self := notify.Passenger(uid)
		if middleware.CallerRole(c) == middleware.RoleDriver {
			self = notify.Driver(uid)
		}
		hub.ServeWS(c.Writer, c.Request, self)
	}
}
