// README: Driver position pools and the typed nearest-driver result.
package location

import (
	"context"
	"errors"

	"ridecore/internal/types"
)

var (
	ErrDriverNotApproved = errors.New("driver not approved")
	ErrInvalidPosition   = errors.New("invalid position")
	ErrUnknownPool       = errors.New("unknown pool")
)

// Pool partitions drivers: only online drivers are offered rides.
type Pool string

const (
	PoolOnline Pool = "online"
	PoolParked Pool = "parked"
)

func (p Pool) Valid() bool {
	return p == PoolOnline || p == PoolParked
}

// NearbyDriver is one result of a radius search.
type NearbyDriver struct {
	DriverID   types.ID
	DistanceKm float64
	Point      types.Point
}

// Index stores current driver positions. Implementations make each
// operation atomic per driver; callers need no locking.
type Index interface {
	Upsert(ctx context.Context, driverID types.ID, pool Pool, p types.Point) error
	Remove(ctx context.Context, driverID types.ID) error
	// Nearby returns online drivers within radiusKm of p, nearest first.
	// Equal distances keep the index's own order.
	Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]NearbyDriver, error)
	Locate(ctx context.Context, driverID types.ID) (Pool, types.Point, bool, error)
}
