// README: Base handler utilities (JSON helpers, path parsing, error mapping).
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ridecore/internal/logging"
	"ridecore/internal/modules/location"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/modules/ride"
	"ridecore/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

type point struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

// toPoint reports false when a coordinate is missing; range checks belong
// to the services.
func (p point) toPoint() (types.Point, bool) {
	if p.Lat == nil || p.Lng == nil {
		return types.Point{}, false
	}
	return types.Point{Lat: *p.Lat, Lng: *p.Lng}, true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func rideID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return 0, false
	}
	return id, true
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeRideError(c *gin.Context, err error) {
	var te *ride.TransitionError
	switch {
	case errors.Is(err, ride.ErrValidation):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ride.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.As(err, &te):
		writeError(c, http.StatusConflict, te.Reason)
	case errors.Is(err, ride.ErrActiveRide), errors.Is(err, ride.ErrNotPending), errors.Is(err, ride.ErrDriverRejected):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, ride.ErrInsufficientDriverFunds):
		writeError(c, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, ride.ErrDriverNotApproved):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, pricing.ErrCityNotSupported), errors.Is(err, pricing.ErrTariffNotFound):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	default:
		internalError(c, err)
	}
}

func writePricingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pricing.ErrValidation):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, pricing.ErrCityNotSupported), errors.Is(err, pricing.ErrTariffNotFound),
		errors.Is(err, pricing.ErrHolidayNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, pricing.ErrHolidayExists):
		writeError(c, http.StatusConflict, err.Error())
	default:
		internalError(c, err)
	}
}

func writeLocationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, location.ErrInvalidPosition), errors.Is(err, location.ErrUnknownPool):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, location.ErrDriverNotApproved):
		writeError(c, http.StatusForbidden, err.Error())
	default:
		internalError(c, err)
	}
}

func internalError(c *gin.Context, err error) {
	logging.FromContext(c.Request.Context()).Error("request failed", "error", err.Error())
	writeError(c, http.StatusInternalServerError, "internal error")
}
