// README: Dispatch tuning, offer payload and the collaborator surfaces the loop drives.
package matching

import (
	"context"
	"time"

	"ridecore/internal/config"
	"ridecore/internal/modules/ride"
	"ridecore/internal/types"
)

type Config struct {
	MaxAttempts  int
	SearchBudget time.Duration
	RetryBackoff time.Duration
	OfferTimeout time.Duration
	RadiusKm     float64
	Limit        int
}

func ConfigFrom(c config.DispatchConfig) Config {
	return Config{
		MaxAttempts:  c.MaxAttempts,
		SearchBudget: c.SearchBudget,
		RetryBackoff: c.RetryBackoff,
		OfferTimeout: c.OfferTimeout,
		RadiusKm:     c.RadiusKm,
		Limit:        c.Limit,
	}
}

// ownerTTL bounds how long a crashed process can hold a ride's loop.
func (c Config) ownerTTL() time.Duration {
	return c.SearchBudget + 2*c.OfferTimeout
}

// Offer is what a driver receives for a ride.
type Offer struct {
	RideID          int64        `json:"ride_id"`
	DriverID        types.ID     `json:"driver_id"`
	DistanceKm      float64      `json:"pickup_distance_km"`
	Origin          types.Point  `json:"origin"`
	Destination     types.Point  `json:"destination"`
	OriginName      string       `json:"origin_name"`
	DestinationName string       `json:"destination_name"`
	Price           *types.Money `json:"price,omitempty"`
	PaymentType     string       `json:"payment_type"`
	ExpiresAt       time.Time    `json:"expires_at"`
}

// Rides is the part of the ride service the loop needs.
type Rides interface {
	WithPending(ctx context.Context, id int64, fn func(ctx context.Context, r *ride.Ride) error) error
	RejectDriver(ctx context.Context, id int64, driverID types.ID) error
	CancelBySystem(ctx context.Context, id int64, reason string) (*ride.Ride, error)
	ListPending(ctx context.Context) ([]*ride.Ride, error)
}

type Publisher interface {
	Publish(ctx context.Context, event string, data any) error
}

// Coordinator keeps a single dispatch loop per ride across processes.
type Coordinator interface {
	Claim(ctx context.Context, rideID int64, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, rideID int64, token string) error
	RecordOffer(ctx context.Context, rideID int64, driverID types.ID) error
}

type localCoordinator struct{}

func (localCoordinator) Claim(context.Context, int64, time.Duration) (string, bool, error) {
	return "local", true, nil
}

func (localCoordinator) Release(context.Context, int64, string) error { return nil }

func (localCoordinator) RecordOffer(context.Context, int64, types.ID) error { return nil }
