// README: Ride handlers: passenger and driver-initiated requests, detail, event log and cancellation.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridecore/internal/http/middleware"
	"ridecore/internal/logging"
	"ridecore/internal/modules/driver"
	"ridecore/internal/modules/ride"
	"ridecore/internal/types"
)

type RideService interface {
	Request(ctx context.Context, cmd ride.RequestCommand) (*ride.Ride, error)
	RequestByDriver(ctx context.Context, cmd ride.DriverRequestCommand) (*ride.Ride, error)
	Get(ctx context.Context, id int64) (*ride.Ride, error)
	Events(ctx context.Context, id int64) ([]ride.Event, error)
	Cancel(ctx context.Context, cmd ride.CancelCommand) (*ride.Ride, error)
	CanWatch(ctx context.Context, userID types.ID, rideID int64) bool
}

type ProfileSource interface {
	Profile(ctx context.Context, driverID types.ID) (*driver.Profile, error)
}

type RideHandler struct {
	rides    RideService
	profiles ProfileSource
}

// NewRideHandler builds the handler; profiles may be nil.
func NewRideHandler(rides RideService, profiles ProfileSource) *RideHandler {
	return &RideHandler{rides: rides, profiles: profiles}
}

type createRideReq struct {
	Origin      point  `json:"origin"`
	Destination point  `json:"destination"`
	CarClass    string `json:"car_class"`
	PaymentType string `json:"payment_type"`
}

func (r createRideReq) points(c *gin.Context) (types.Point, types.Point, bool) {
	o, ok1 := r.Origin.toPoint()
	d, ok2 := r.Destination.toPoint()
	if !ok1 || !ok2 {
		writeError(c, http.StatusBadRequest, "origin and destination are required")
		return types.Point{}, types.Point{}, false
	}
	return o, d, true
}

func (h *RideHandler) Create(c *gin.Context) {
	var req createRideReq
	if !bind(c, &req) {
		return
	}
	origin, dest, ok := req.points(c)
	if !ok {
		return
	}
	r, err := h.rides.Request(c.Request.Context(), ride.RequestCommand{
		PassengerID: types.ID(middleware.CallerUID(c)),
		Origin:      origin,
		Destination: dest,
		CarClass:    req.CarClass,
		PaymentType: ride.PaymentType(req.PaymentType),
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

// CreateByDriver starts a ride from the driver's side, e.g. a street
// pickup scanned from the passenger's code.
func (h *RideHandler) CreateByDriver(c *gin.Context) {
	var req createRideReq
	if !bind(c, &req) {
		return
	}
	origin, dest, ok := req.points(c)
	if !ok {
		return
	}
	r, err := h.rides.RequestByDriver(c.Request.Context(), ride.DriverRequestCommand{
		DriverID:    types.ID(middleware.CallerUID(c)),
		Origin:      origin,
		Destination: dest,
		CarClass:    req.CarClass,
		PaymentType: ride.PaymentType(req.PaymentType),
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

type rideDetail struct {
	*ride.Ride
	Driver *driver.Profile `json:"driver,omitempty"`
}

func (h *RideHandler) Get(c *gin.Context) {
	id, ok := rideID(c)
	if !ok || !h.authorize(c, id) {
		return
	}
	r, err := h.rides.Get(c.Request.Context(), id)
	if err != nil {
		writeRideError(c, err)
		return
	}
	out := rideDetail{Ride: r}
	if r.DriverID != nil && h.profiles != nil {
		p, err := h.profiles.Profile(c.Request.Context(), *r.DriverID)
		if err != nil {
			logging.FromContext(c.Request.Context()).Warn("driver profile unavailable",
				"driver_id", string(*r.DriverID), "error", err.Error())
		}
		out.Driver = p
	}
	writeJSON(c, http.StatusOK, out)
}

func (h *RideHandler) Events(c *gin.Context) {
	id, ok := rideID(c)
	if !ok || !h.authorize(c, id) {
		return
	}
	evs, err := h.rides.Events(c.Request.Context(), id)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"events": evs})
}

type cancelReq struct {
	Reason string `json:"reason"`
	// ExpectedStatus is the status the client last saw; the cancel is
	// refused if the ride has moved on. Empty cancels from any status.
	ExpectedStatus string `json:"expected_status"`
}

func (h *RideHandler) Cancel(c *gin.Context) {
	id, ok := rideID(c)
	if !ok {
		return
	}
	var req cancelReq
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	r, err := h.rides.Cancel(c.Request.Context(), ride.CancelCommand{
		RideID:      id,
		PassengerID: types.ID(middleware.CallerUID(c)),
		Reason:      req.Reason,
		Expected:    ride.Status(req.ExpectedStatus),
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

// authorize admits the ride's parties and admins. Strangers get 404 so ride
// ids cannot be probed.
func (h *RideHandler) authorize(c *gin.Context, id int64) bool {
	if middleware.CallerRole(c) == middleware.RoleAdmin {
		return true
	}
	if !h.rides.CanWatch(c.Request.Context(), types.ID(middleware.CallerUID(c)), id) {
		writeError(c, http.StatusNotFound, ride.ErrNotFound.Error())
		return false
	}
	return true
}
