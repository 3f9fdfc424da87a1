// README: Driver availability and location ping handlers.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridecore/internal/http/middleware"
	"ridecore/internal/types"
)

type LocationService interface {
	GoOnline(ctx context.Context, driverID types.ID, p types.Point) error
	Park(ctx context.Context, driverID types.ID, p types.Point) error
	GoOffline(ctx context.Context, driverID types.ID) error
	Ping(ctx context.Context, driverID types.ID, p types.Point) error
}

type LocationHandler struct {
	location LocationService
}

func NewLocationHandler(svc LocationService) *LocationHandler {
	return &LocationHandler{location: svc}
}

type lineReq struct {
	State string `json:"state"`
	point
}

// SetLine moves the caller between the online and parked pools or takes
// them offline.
func (h *LocationHandler) SetLine(c *gin.Context) {
	var req lineReq
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	id := types.ID(middleware.CallerUID(c))

	var err error
	switch req.State {
	case "offline":
		err = h.location.GoOffline(ctx, id)
	case "online", "parked":
		p, ok := req.toPoint()
		if !ok {
			writeError(c, http.StatusBadRequest, "lat and lng are required")
			return
		}
		if req.State == "online" {
			err = h.location.GoOnline(ctx, id, p)
		} else {
			err = h.location.Park(ctx, id, p)
		}
	default:
		writeError(c, http.StatusBadRequest, "state must be online, parked or offline")
		return
	}
	if err != nil {
		writeLocationError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"state": req.State})
}

func (h *LocationHandler) Update(c *gin.Context) {
	var req point
	if !bind(c, &req) {
		return
	}
	p, ok := req.toPoint()
	if !ok {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	if err := h.location.Ping(c.Request.Context(), types.ID(middleware.CallerUID(c)), p); err != nil {
		writeLocationError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
