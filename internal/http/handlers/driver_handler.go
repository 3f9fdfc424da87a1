// README: Driver handlers: offer acceptance and decline, arrival, trip start and completion.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridecore/internal/http/middleware"
	"ridecore/internal/modules/ride"
	"ridecore/internal/types"
)

type DriverRideService interface {
	Accept(ctx context.Context, cmd ride.AcceptCommand) (*ride.Ride, error)
	Arrive(ctx context.Context, cmd ride.DriverCommand) (*ride.Ride, error)
	Start(ctx context.Context, cmd ride.DriverCommand) (*ride.Ride, error)
	Complete(ctx context.Context, cmd ride.DriverCommand) (*ride.Ride, error)
}

// Decliner records a driver turning an offer down.
type Decliner interface {
	Decline(ctx context.Context, rideID int64, driverID types.ID) error
}

type DriverHandler struct {
	rides    DriverRideService
	decliner Decliner
}

func NewDriverHandler(rides DriverRideService, decliner Decliner) *DriverHandler {
	return &DriverHandler{rides: rides, decliner: decliner}
}

func (h *DriverHandler) Accept(c *gin.Context) {
	id, ok := rideID(c)
	if !ok {
		return
	}
	r, err := h.rides.Accept(c.Request.Context(), ride.AcceptCommand{
		RideID:   id,
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *DriverHandler) Decline(c *gin.Context) {
	id, ok := rideID(c)
	if !ok {
		return
	}
	if err := h.decliner.Decline(c.Request.Context(), id, types.ID(middleware.CallerUID(c))); err != nil {
		writeRideError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DriverHandler) Arrive(c *gin.Context) {
	h.advance(c, h.rides.Arrive)
}

func (h *DriverHandler) Start(c *gin.Context) {
	h.advance(c, h.rides.Start)
}

func (h *DriverHandler) Complete(c *gin.Context) {
	h.advance(c, h.rides.Complete)
}

func (h *DriverHandler) advance(c *gin.Context, step func(context.Context, ride.DriverCommand) (*ride.Ride, error)) {
	id, ok := rideID(c)
	if !ok {
		return
	}
	r, err := step(c.Request.Context(), ride.DriverCommand{RideID: id, DriverID: types.ID(middleware.CallerUID(c))})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}
