// README: Driver projections: local approval flags plus the identity service's balance and profile.
package driver

import (
	"errors"
	"time"

	"ridecore/internal/types"
)

var ErrNotFound = errors.New("driver not found")

// Balance is the identity service's view of a driver's wallet.
type Balance struct {
	Balance            types.Money `json:"balance"`
	CommissionHeadroom types.Money `json:"commission_headroom"`
}

type Profile struct {
	ID          types.ID `json:"id"`
	Name        string   `json:"name"`
	Phone       string   `json:"phone,omitempty"`
	CarModel    string   `json:"car_model,omitempty"`
	PlateNumber string   `json:"plate_number,omitempty"`
	Rating      float64  `json:"rating,omitempty"`
}

type Approval struct {
	DriverID  types.ID
	Approved  bool
	UpdatedAt time.Time
}
