// README: Location service moves drivers between pools and applies position pings.
package location

import (
	"context"
	"log/slog"

	"ridecore/internal/logging"
	"ridecore/internal/types"
)

// ApprovalChecker reports whether a driver may take rides.
type ApprovalChecker interface {
	IsApproved(ctx context.Context, driverID types.ID) (bool, error)
}

type Service struct {
	index     Index
	approvals ApprovalChecker
}

func NewService(index Index, approvals ApprovalChecker) *Service {
	return &Service{index: index, approvals: approvals}
}

func (s *Service) GoOnline(ctx context.Context, driverID types.ID, p types.Point) error {
	return s.place(ctx, driverID, PoolOnline, p)
}

func (s *Service) Park(ctx context.Context, driverID types.ID, p types.Point) error {
	return s.place(ctx, driverID, PoolParked, p)
}

func (s *Service) GoOffline(ctx context.Context, driverID types.ID) error {
	if err := s.index.Remove(ctx, driverID); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("driver offline", slog.String("driver_id", string(driverID)))
	return nil
}

// Ping updates the driver's position in whichever pool it is in. A driver
// not yet indexed joins the online pool.
func (s *Service) Ping(ctx context.Context, driverID types.ID, p types.Point) error {
	if !p.Valid() {
		return ErrInvalidPosition
	}
	pool, _, found, err := s.index.Locate(ctx, driverID)
	if err != nil {
		return err
	}
	if !found {
		return s.place(ctx, driverID, PoolOnline, p)
	}
	return s.index.Upsert(ctx, driverID, pool, p)
}

func (s *Service) Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]NearbyDriver, error) {
	return s.index.Nearby(ctx, p, radiusKm, limit)
}

func (s *Service) place(ctx context.Context, driverID types.ID, pool Pool, p types.Point) error {
	if !p.Valid() {
		return ErrInvalidPosition
	}
	if s.approvals != nil {
		ok, err := s.approvals.IsApproved(ctx, driverID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDriverNotApproved
		}
	}
	if err := s.index.Upsert(ctx, driverID, pool, p); err != nil {
		return err
	}
	logging.FromContext(ctx).Debug("driver placed",
		slog.String("driver_id", string(driverID)),
		slog.String("pool", string(pool)),
	)
	return nil
}
