// README: Ride aggregate, status flow and domain errors.
package ride

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"ridecore/internal/types"
)

type Status string

const (
	StatusNone           Status = "none"
	StatusPending        Status = "pending"
	StatusDriverAssigned Status = "driver_assigned"
	StatusOnSite         Status = "on_site"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

type PaymentType string

const (
	PaymentCash PaymentType = "cash"
	PaymentCard PaymentType = "card"
)

func (p PaymentType) Valid() bool {
	return p == PaymentCash || p == PaymentCard
}

type PaymentStatus string

const (
	PaymentNone   PaymentStatus = "none"
	PaymentPaid   PaymentStatus = "paid"
	PaymentFailed PaymentStatus = "failed"
)

// Cancellation reasons set by the system actor.
const (
	ReasonNoDrivers       = "no drivers found"
	ReasonCityUnsupported = "city not supported"
	ReasonPaymentFailed   = "payment failed"
	ReasonPassenger       = "cancelled by passenger"
)

var (
	ErrInvalidTransition       = errors.New("invalid state transition")
	ErrNotFound                = errors.New("ride not found")
	ErrActiveRide              = errors.New("passenger has active ride")
	ErrValidation              = errors.New("invalid ride request")
	ErrInsufficientDriverFunds = errors.New("insufficient driver funds")
	ErrNotPending              = errors.New("ride is no longer pending")
	ErrDriverRejected          = errors.New("driver already rejected for this ride")
	ErrDriverNotApproved       = errors.New("driver not approved")
)

// TransitionError describes a refused transition.
type TransitionError struct {
	RideID int64
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ride %d: %s -> %s: %s", e.RideID, e.From, e.To, e.Reason)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError names the offending request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type Ride struct {
	ID                 int64         `json:"id"`
	PassengerID        *types.ID     `json:"passenger_id,omitempty"`
	DriverID           *types.ID     `json:"driver_id,omitempty"`
	InitiatorDriverID  *types.ID     `json:"initiator_driver_id,omitempty"`
	Origin             types.Point   `json:"origin"`
	Destination        types.Point   `json:"destination"`
	OriginName         string        `json:"origin_name"`
	DestinationName    string        `json:"destination_name"`
	City               string        `json:"city"`
	CarClass           string        `json:"car_class"`
	DistanceKm         float64       `json:"distance_km"`
	DurationMin        float64       `json:"duration_min"`
	Price              *types.Money  `json:"price,omitempty"`
	ServiceFee         *types.Money  `json:"service_fee,omitempty"`
	PaymentType        PaymentType   `json:"payment_type"`
	PaymentStatus      PaymentStatus `json:"payment_status"`
	Status             Status        `json:"status"`
	CancellationReason *string       `json:"cancellation_reason,omitempty"`
	RejectedDrivers    []types.ID    `json:"rejected_drivers"`
	SearchStartTime    *time.Time    `json:"search_start_time,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	AssignedAt         *time.Time    `json:"assigned_at,omitempty"`
	ArrivedAt          *time.Time    `json:"arrived_at,omitempty"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
}

// Clone returns a copy that shares no mutable state with r.
func (r *Ride) Clone() *Ride {
	c := *r
	c.RejectedDrivers = slices.Clone(r.RejectedDrivers)
	return &c
}

func (r *Ride) HasRejected(driverID types.ID) bool {
	return slices.Contains(r.RejectedDrivers, driverID)
}

// addRejected appends driverID once; it reports whether the set changed.
func (r *Ride) addRejected(driverID types.ID) bool {
	if r.HasRejected(driverID) {
		return false
	}
	r.RejectedDrivers = append(r.RejectedDrivers, driverID)
	return true
}

// Quoted reports whether the ride carries a price.
func (r *Ride) Quoted() bool {
	return r.Price != nil && r.ServiceFee != nil
}

func (r *Ride) DriverInitiated() bool {
	return r.InitiatorDriverID != nil
}

// Actor types recorded on state events.
const (
	ActorPassenger = "passenger"
	ActorDriver    = "driver"
	ActorSystem    = "system"
)

type Actor struct {
	Type string
	ID   *types.ID
}

func SystemActor() Actor { return Actor{Type: ActorSystem} }

type Event struct {
	ID         int64     `json:"id"`
	RideID     int64     `json:"ride_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	ActorType  string    `json:"actor_type"`
	ActorID    *types.ID `json:"actor_id,omitempty"`
	Reason     *string   `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AllowedTransitions represents the ride state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:        {StatusDriverAssigned, StatusInProgress, StatusCancelled},
	StatusDriverAssigned: {StatusOnSite, StatusCancelled},
	StatusOnSite:         {StatusInProgress},
	StatusInProgress:     {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	return slices.Contains(AllowedTransitions[from], to)
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HasDriver reports whether a ride in s must carry a driver.
func (s Status) HasDriver() bool {
	switch s {
	case StatusDriverAssigned, StatusOnSite, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

func checkDriverInvariant(r *Ride) error {
	if (r.DriverID != nil) != r.Status.HasDriver() {
		return fmt.Errorf("ride %d: driver assignment inconsistent with status %s", r.ID, r.Status)
	}
	return nil
}
