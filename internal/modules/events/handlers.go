// README: Inbound event handlers for geo, payment, driver location and driver approval.
package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"ridecore/internal/modules/location"
	"ridecore/internal/modules/ride"
	"ridecore/internal/types"
)

type RideEvents interface {
	ApplyGeo(ctx context.Context, g ride.GeoConfirmation) error
	ApplyPayment(ctx context.Context, p ride.PaymentOutcome) error
}

type LocationEvents interface {
	Ping(ctx context.Context, driverID types.ID, p types.Point) error
	GoOffline(ctx context.Context, driverID types.ID) error
}

type ApprovalStore interface {
	SetApproval(ctx context.Context, driverID types.ID, approved bool) error
}

type geoConfirmed struct {
	RideID          int64   `json:"ride_id"`
	DistanceKm      float64 `json:"distance_km"`
	DurationMin     float64 `json:"duration_min"`
	City            string  `json:"city"`
	OriginName      string  `json:"origin_name"`
	DestinationName string  `json:"destination_name"`
}

type paymentResult struct {
	RideID int64  `json:"ride_id"`
	Reason string `json:"reason"`
}

type driverLocation struct {
	DriverID types.ID `json:"driver_id"`
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
}

type driverApproval struct {
	DriverID types.ID `json:"driver_id"`
}

// Subscribe registers the inbound event handlers on c.
func Subscribe(c *Consumer, rides RideEvents, locations LocationEvents, approvals ApprovalStore) {
	c.Register(EventGeoConfirmed, func(ctx context.Context, data json.RawMessage) error {
		var m geoConfirmed
		if err := decodeData(data, &m); err != nil {
			return err
		}
		if m.RideID == 0 {
			return unprocessable(errors.New("ride_id required"))
		}
		return rideErr(rides.ApplyGeo(ctx, ride.GeoConfirmation{
			RideID:          m.RideID,
			DistanceKm:      m.DistanceKm,
			DurationMin:     m.DurationMin,
			City:            m.City,
			OriginName:      m.OriginName,
			DestinationName: m.DestinationName,
		}))
	})

	payment := func(paid bool) Handler {
		return func(ctx context.Context, data json.RawMessage) error {
			var m paymentResult
			if err := decodeData(data, &m); err != nil {
				return err
			}
			if m.RideID == 0 {
				return unprocessable(errors.New("ride_id required"))
			}
			return rideErr(rides.ApplyPayment(ctx, ride.PaymentOutcome{RideID: m.RideID, Paid: paid, Reason: m.Reason}))
		}
	}
	c.Register(EventPaymentSucceeded, payment(true))
	c.Register(EventPaymentFailed, payment(false))

	c.Register(EventDriverLocation, func(ctx context.Context, data json.RawMessage) error {
		var m driverLocation
		if err := decodeData(data, &m); err != nil {
			return err
		}
		if m.DriverID == "" {
			return unprocessable(errors.New("driver_id required"))
		}
		err := locations.Ping(ctx, m.DriverID, types.Point{Lat: m.Lat, Lng: m.Lng})
		switch {
		case errors.Is(err, location.ErrDriverNotApproved):
			return nil
		case errors.Is(err, location.ErrInvalidPosition):
			return unprocessable(err)
		}
		return err
	})

	approval := func(approved bool) Handler {
		return func(ctx context.Context, data json.RawMessage) error {
			var m driverApproval
			if err := decodeData(data, &m); err != nil {
				return err
			}
			if m.DriverID == "" {
				return unprocessable(errors.New("driver_id required"))
			}
			if err := approvals.SetApproval(ctx, m.DriverID, approved); err != nil {
				return err
			}
			if !approved {
				return locations.GoOffline(ctx, m.DriverID)
			}
			return nil
		}
	}
	c.Register(EventDriverApproved, approval(true))
	c.Register(EventDriverRejected, approval(false))
}

func decodeData(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return unprocessable(fmt.Errorf("decode data: %w", err))
	}
	return nil
}

// rideErr makes rides that will never exist permanent failures.
func rideErr(err error) error {
	if errors.Is(err, ride.ErrNotFound) {
		return unprocessable(err)
	}
	return err
}
