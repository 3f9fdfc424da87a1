// README: Driver directory combining local approvals with identity-service balance and profile.
package driver

import (
	"context"

	"ridecore/internal/types"
)

type Approvals interface {
	SetApproval(ctx context.Context, driverID types.ID, approved bool) error
	IsApproved(ctx context.Context, driverID types.ID) (bool, error)
}

type Identity interface {
	Headroom(ctx context.Context, driverID types.ID) (types.Money, error)
	Profile(ctx context.Context, driverID types.ID) (*Profile, error)
}

// Directory answers driver questions for the ride and location services:
// approval from the local projection, money and profile from identity.
type Directory struct {
	approvals Approvals
	identity  Identity
}

func NewDirectory(approvals Approvals, identity Identity) *Directory {
	return &Directory{approvals: approvals, identity: identity}
}

func (d *Directory) IsApproved(ctx context.Context, driverID types.ID) (bool, error) {
	return d.approvals.IsApproved(ctx, driverID)
}

func (d *Directory) SetApproval(ctx context.Context, driverID types.ID, approved bool) error {
	return d.approvals.SetApproval(ctx, driverID, approved)
}

func (d *Directory) Headroom(ctx context.Context, driverID types.ID) (types.Money, error) {
	return d.identity.Headroom(ctx, driverID)
}

func (d *Directory) Profile(ctx context.Context, driverID types.ID) (*Profile, error) {
	return d.identity.Profile(ctx, driverID)
}
