// README: Ride service implements guarded, row-locked state transitions and their after-commit effects.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ridecore/internal/clock"
	"ridecore/internal/infra"
	"ridecore/internal/logging"
	"ridecore/internal/maps"
	"ridecore/internal/modules/ledger"
	"ridecore/internal/modules/notify"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/types"
)

// Outbound event names besides ride.<status>.
const (
	EventRequested    = "ride.requested"
	EventGeoRequested = "geo.requested"
)

type Pricer interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (pricing.Quote, error)
}

type GeoResolver interface {
	Resolve(ctx context.Context, origin, destination types.Point) (maps.Route, error)
}

// DriverDirectory answers eligibility questions about drivers.
type DriverDirectory interface {
	IsApproved(ctx context.Context, driverID types.ID) (bool, error)
	Headroom(ctx context.Context, driverID types.ID) (types.Money, error)
}

type Ledger interface {
	DeductCommission(ctx context.Context, driverID types.ID, amount types.Money, rideID int64) error
	RefundCommission(ctx context.Context, driverID types.ID, amount types.Money, rideID int64) error
}

// Dispatcher runs the driver search for pending rides.
type Dispatcher interface {
	Begin(ctx context.Context, rideID int64)
	Halt(rideID int64)
	Decline(ctx context.Context, rideID int64, driverID types.ID) error
}

type Publisher interface {
	Publish(ctx context.Context, event string, data any) error
}

type Deps struct {
	Store    Repository
	Tx       infra.TxRunner
	Pricing  Pricer
	Geo      GeoResolver
	Drivers  DriverDirectory
	Ledger   Ledger
	Notifier notify.Notifier
	Events   Publisher
	Clock    clock.Clock
}

type Service struct {
	store      Repository
	tx         infra.TxRunner
	pricing    Pricer
	geo        GeoResolver
	drivers    DriverDirectory
	ledger     Ledger
	notifier   notify.Notifier
	events     Publisher
	clock      clock.Clock
	dispatcher Dispatcher
}

func NewService(d Deps) *Service {
	s := &Service{
		store:    d.Store,
		tx:       d.Tx,
		pricing:  d.Pricing,
		geo:      d.Geo,
		drivers:  d.Drivers,
		ledger:   d.Ledger,
		notifier: d.Notifier,
		events:   d.Events,
		clock:    d.Clock,
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	return s
}

// SetDispatcher wires the dispatcher after construction; the dispatcher
// itself depends on this service.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

type RequestCommand struct {
	PassengerID types.ID
	Origin      types.Point
	Destination types.Point
	CarClass    string
	PaymentType PaymentType
}

type DriverRequestCommand struct {
	DriverID    types.ID
	Origin      types.Point
	Destination types.Point
	CarClass    string
	PaymentType PaymentType
}

// GeoConfirmation carries the asynchronous route resolution of a ride.
type GeoConfirmation struct {
	RideID          int64
	DistanceKm      float64
	DurationMin     float64
	City            string
	OriginName      string
	DestinationName string
}

type PaymentOutcome struct {
	RideID int64
	Paid   bool
	Reason string
}

type AcceptCommand struct {
	RideID   int64
	DriverID types.ID
}

// DriverCommand advances a ride on behalf of its assigned driver.
type DriverCommand struct {
	RideID   int64
	DriverID types.ID
}

type CancelCommand struct {
	RideID      int64
	PassengerID types.ID
	Reason      string
	// Expected, when set, refuses the cancel unless the ride is still in
	// that status.
	Expected Status
}

func validateTrip(origin, destination types.Point, payment PaymentType) error {
	if !origin.Valid() {
		return &ValidationError{Field: "origin", Reason: "coordinates out of range"}
	}
	if !destination.Valid() {
		return &ValidationError{Field: "destination", Reason: "coordinates out of range"}
	}
	if origin == destination {
		return &ValidationError{Field: "destination", Reason: "must differ from origin"}
	}
	if !payment.Valid() {
		return &ValidationError{Field: "payment_type", Reason: "must be cash or card"}
	}
	return nil
}

// Request creates a priced pending ride for a passenger and hands it to
// dispatch once committed. Without a geo resolver the ride waits for a
// geo confirmation event instead; ErrCityNotSupported then surfaces as a
// system cancellation from ApplyGeo, so the fail-fast without creating a
// ride holds only when a resolver is configured.
func (s *Service) Request(ctx context.Context, cmd RequestCommand) (*Ride, error) {
	if cmd.PassengerID == "" {
		return nil, &ValidationError{Field: "passenger_id", Reason: "required"}
	}
	if err := validateTrip(cmd.Origin, cmd.Destination, cmd.PaymentType); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	passenger := cmd.PassengerID
	r := &Ride{
		PassengerID:     &passenger,
		Origin:          cmd.Origin,
		Destination:     cmd.Destination,
		CarClass:        cmd.CarClass,
		PaymentType:     cmd.PaymentType,
		PaymentStatus:   PaymentNone,
		Status:          StatusPending,
		RejectedDrivers: []types.ID{},
		CreatedAt:       now,
	}

	if s.geo != nil {
		route, err := s.geo.Resolve(ctx, cmd.Origin, cmd.Destination)
		if errors.Is(err, maps.ErrNoCity) {
			return nil, pricing.ErrCityNotSupported
		}
		if errors.Is(err, maps.ErrNoRoute) {
			return nil, &ValidationError{Field: "destination", Reason: "no route from origin"}
		}
		if err != nil {
			return nil, fmt.Errorf("resolve route: %w", err)
		}
		applyRoute(r, route.DistanceKm, route.DurationMin, route.City, route.OriginName, route.DestinationName)
		if err := s.quote(ctx, r); err != nil {
			return nil, err
		}
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		active, err := s.store.HasActiveByPassenger(ctx, passenger)
		if err != nil {
			return err
		}
		if active {
			return ErrActiveRide
		}
		return s.create(ctx, r, Actor{Type: ActorPassenger, ID: &passenger})
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// RequestByDriver creates an unpriced pending ride started by a driver (QR
// flow); the geo confirmation completes it.
func (s *Service) RequestByDriver(ctx context.Context, cmd DriverRequestCommand) (*Ride, error) {
	if cmd.DriverID == "" {
		return nil, &ValidationError{Field: "driver_id", Reason: "required"}
	}
	if err := validateTrip(cmd.Origin, cmd.Destination, cmd.PaymentType); err != nil {
		return nil, err
	}
	if err := s.requireApproved(ctx, cmd.DriverID); err != nil {
		return nil, err
	}

	initiator := cmd.DriverID
	r := &Ride{
		InitiatorDriverID: &initiator,
		Origin:            cmd.Origin,
		Destination:       cmd.Destination,
		CarClass:          cmd.CarClass,
		PaymentType:       cmd.PaymentType,
		PaymentStatus:     PaymentNone,
		Status:            StatusPending,
		RejectedDrivers:   []types.ID{},
		CreatedAt:         s.clock.Now(),
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.create(ctx, r, Actor{Type: ActorDriver, ID: &initiator})
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) create(ctx context.Context, r *Ride, actor Actor) error {
	if err := s.store.Create(ctx, r); err != nil {
		return err
	}
	if err := s.store.AppendEvent(ctx, &Event{
		RideID:     r.ID,
		FromStatus: StatusNone,
		ToStatus:   StatusPending,
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		CreatedAt:  r.CreatedAt,
	}); err != nil {
		return err
	}

	snapshot := r.Clone()
	infra.AfterCommit(ctx, func(ctx context.Context) {
		logging.FromContext(ctx).Info("ride requested",
			slog.Int64("ride_id", snapshot.ID),
			slog.Bool("quoted", snapshot.Quoted()),
		)
		s.publish(ctx, EventRequested, snapshot)
		s.emit(ctx, snapshot, nil, EventRequested)
		if !snapshot.Quoted() {
			s.publish(ctx, EventGeoRequested, geoRequest{
				RideID:      snapshot.ID,
				Origin:      snapshot.Origin,
				Destination: snapshot.Destination,
			})
			return
		}
		s.beginDispatch(ctx, snapshot)
	})
	return nil
}

type geoRequest struct {
	RideID      int64       `json:"ride_id"`
	Origin      types.Point `json:"origin"`
	Destination types.Point `json:"destination"`
}

// ApplyGeo attaches a route to a pending ride and prices it. Driver-initiated
// cash rides start immediately; card rides wait for payment; passenger rides
// enter dispatch.
func (s *Service) ApplyGeo(ctx context.Context, g GeoConfirmation) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		r, err := s.store.GetForUpdate(ctx, g.RideID)
		if err != nil {
			return err
		}
		log := logging.FromContext(ctx).With(slog.Int64("ride_id", r.ID))
		if r.Status != StatusPending {
			log.Info("geo confirmation for settled ride ignored", slog.String("status", string(r.Status)))
			return nil
		}
		applyRoute(r, g.DistanceKm, g.DurationMin, g.City, g.OriginName, g.DestinationName)

		if !r.Quoted() {
			err := s.quote(ctx, r)
			if errors.Is(err, pricing.ErrCityNotSupported) || errors.Is(err, pricing.ErrTariffNotFound) {
				return s.apply(ctx, r, StatusCancelled, SystemActor(), ReasonCityUnsupported)
			}
			if err != nil {
				return err
			}
		}

		if r.DriverInitiated() {
			if r.PaymentType == PaymentCash || r.PaymentStatus == PaymentPaid {
				return s.startByInitiator(ctx, r)
			}
			return s.store.Update(ctx, r)
		}

		if err := s.store.Update(ctx, r); err != nil {
			return err
		}
		snapshot := r.Clone()
		infra.AfterCommit(ctx, func(ctx context.Context) {
			s.beginDispatch(ctx, snapshot)
		})
		return nil
	})
}

// ApplyPayment records a card payment outcome. A paid, priced,
// driver-initiated ride starts; a failure cancels the ride when its status
// allows it.
func (s *Service) ApplyPayment(ctx context.Context, p PaymentOutcome) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		r, err := s.store.GetForUpdate(ctx, p.RideID)
		if err != nil {
			return err
		}
		if !p.Paid {
			r.PaymentStatus = PaymentFailed
			if CanTransition(r.Status, StatusCancelled) {
				return s.apply(ctx, r, StatusCancelled, SystemActor(), ReasonPaymentFailed)
			}
			return s.store.Update(ctx, r)
		}
		r.PaymentStatus = PaymentPaid
		if r.Status == StatusPending && r.DriverInitiated() && r.Quoted() {
			return s.startByInitiator(ctx, r)
		}
		return s.store.Update(ctx, r)
	})
}

func (s *Service) startByInitiator(ctx context.Context, r *Ride) error {
	driver := *r.InitiatorDriverID
	r.DriverID = &driver
	return s.apply(ctx, r, StatusInProgress, Actor{Type: ActorDriver, ID: &driver}, "")
}

// Accept assigns a pending ride to a driver after checking eligibility and
// deducting the commission. A driver short of funds is remembered as
// rejected and dispatch moves on.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*Ride, error) {
	if cmd.DriverID == "" {
		return nil, &ValidationError{Field: "driver_id", Reason: "required"}
	}
	var (
		out       *Ride
		deducted  *types.Money
		shortFall bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		r, err := s.store.GetForUpdate(ctx, cmd.RideID)
		if err != nil {
			return err
		}
		if r.Status != StatusPending {
			return &TransitionError{RideID: r.ID, From: r.Status, To: StatusDriverAssigned, Reason: "ride is no longer available"}
		}
		if !r.Quoted() || r.DriverInitiated() {
			return &TransitionError{RideID: r.ID, From: r.Status, To: StatusDriverAssigned, Reason: "ride is not open for offers"}
		}
		if r.HasRejected(cmd.DriverID) {
			return ErrDriverRejected
		}
		if err := s.requireApproved(ctx, cmd.DriverID); err != nil {
			return err
		}
		fee := *r.ServiceFee
		if s.drivers != nil {
			headroom, err := s.drivers.Headroom(ctx, cmd.DriverID)
			if err != nil {
				return fmt.Errorf("driver headroom: %w", err)
			}
			if headroom.Less(fee) {
				shortFall = true
				return ErrInsufficientDriverFunds
			}
		}
		if s.ledger != nil {
			err := s.ledger.DeductCommission(ctx, cmd.DriverID, fee, r.ID)
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				shortFall = true
				return ErrInsufficientDriverFunds
			}
			if err != nil {
				return fmt.Errorf("deduct commission: %w", err)
			}
			deducted = &fee
		}
		driver := cmd.DriverID
		r.DriverID = &driver
		if err := s.apply(ctx, r, StatusDriverAssigned, Actor{Type: ActorDriver, ID: &driver}, ""); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err == nil {
		return out, nil
	}

	log := logging.FromContext(ctx).With(slog.Int64("ride_id", cmd.RideID), slog.String("driver_id", string(cmd.DriverID)))
	if deducted != nil {
		if rerr := s.ledger.RefundCommission(ctx, cmd.DriverID, *deducted, cmd.RideID); rerr != nil {
			log.Error("commission refund failed", slog.String("amount", deducted.String()), slog.String("error", rerr.Error()))
		} else {
			log.Warn("commission refunded after failed assignment", slog.String("error", err.Error()))
		}
	}
	if shortFall {
		if derr := s.decline(ctx, cmd.RideID, cmd.DriverID); derr != nil && !errors.Is(derr, ErrNotPending) {
			log.Warn("reject driver after insufficient funds", slog.String("error", derr.Error()))
		}
	}
	return nil, err
}

func (s *Service) decline(ctx context.Context, rideID int64, driverID types.ID) error {
	if s.dispatcher != nil {
		return s.dispatcher.Decline(ctx, rideID, driverID)
	}
	return s.RejectDriver(ctx, rideID, driverID)
}

func (s *Service) Arrive(ctx context.Context, cmd DriverCommand) (*Ride, error) {
	return s.advance(ctx, cmd, StatusOnSite)
}

func (s *Service) Start(ctx context.Context, cmd DriverCommand) (*Ride, error) {
	return s.advance(ctx, cmd, StatusInProgress)
}

func (s *Service) Complete(ctx context.Context, cmd DriverCommand) (*Ride, error) {
	return s.advance(ctx, cmd, StatusCompleted)
}

func (s *Service) advance(ctx context.Context, cmd DriverCommand, to Status) (*Ride, error) {
	driver := cmd.DriverID
	return s.transition(ctx, cmd.RideID, to, Actor{Type: ActorDriver, ID: &driver}, "", func(r *Ride) string {
		if r.DriverID == nil || *r.DriverID != cmd.DriverID {
			return "caller is not the assigned driver"
		}
		return ""
	})
}

// Cancel is the passenger-initiated cancellation.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Ride, error) {
	reason := cmd.Reason
	if reason == "" {
		reason = ReasonPassenger
	}
	passenger := cmd.PassengerID
	return s.transition(ctx, cmd.RideID, StatusCancelled, Actor{Type: ActorPassenger, ID: &passenger}, reason, func(r *Ride) string {
		if r.PassengerID == nil || *r.PassengerID != cmd.PassengerID {
			return "caller does not own the ride"
		}
		if cmd.Expected != "" && r.Status != cmd.Expected {
			return "ride is no longer " + string(cmd.Expected)
		}
		return ""
	})
}

// CancelBySystem cancels on behalf of the platform. It joins the caller's
// unit of work when there is one.
func (s *Service) CancelBySystem(ctx context.Context, rideID int64, reason string) (*Ride, error) {
	return s.transition(ctx, rideID, StatusCancelled, SystemActor(), reason, nil)
}

// transition locks the ride, checks adjacency and guard, then applies the
// move. guard returns a refusal reason or "".
func (s *Service) transition(ctx context.Context, id int64, to Status, actor Actor, reason string, guard func(r *Ride) string) (*Ride, error) {
	var out *Ride
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		r, err := s.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(r.Status, to) {
			return &TransitionError{RideID: r.ID, From: r.Status, To: to, Reason: "not allowed from current status"}
		}
		if guard != nil {
			if why := guard(r); why != "" {
				return &TransitionError{RideID: r.ID, From: r.Status, To: to, Reason: why}
			}
		}
		if err := s.apply(ctx, r, to, actor, reason); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// apply moves a locked ride to status to inside the current unit of work:
// derived fields, invariant check, row write, state event and the
// after-commit effects.
func (s *Service) apply(ctx context.Context, r *Ride, to Status, actor Actor, reason string) error {
	from := r.Status
	if !CanTransition(from, to) {
		return &TransitionError{RideID: r.ID, From: from, To: to, Reason: "not allowed from current status"}
	}
	now := s.clock.Now()
	prevDriver := r.DriverID
	r.Status = to
	switch to {
	case StatusDriverAssigned:
		r.AssignedAt = toTimePtr(now)
	case StatusOnSite:
		r.ArrivedAt = toTimePtr(now)
	case StatusInProgress:
		if from == StatusPending {
			r.AssignedAt = toTimePtr(now)
		}
		r.StartedAt = toTimePtr(now)
	case StatusCompleted:
		r.CompletedAt = toTimePtr(now)
	case StatusCancelled:
		r.CancelledAt = toTimePtr(now)
		r.DriverID = nil
		if reason != "" {
			rs := reason
			r.CancellationReason = &rs
		}
	}
	if err := checkDriverInvariant(r); err != nil {
		return err
	}
	if err := s.store.Update(ctx, r); err != nil {
		return err
	}
	var why *string
	if reason != "" {
		why = &reason
	}
	if err := s.store.AppendEvent(ctx, &Event{
		RideID:     r.ID,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		Reason:     why,
		CreatedAt:  now,
	}); err != nil {
		return err
	}

	snapshot := r.Clone()
	infra.AfterCommit(ctx, func(ctx context.Context) {
		if from == StatusPending && s.dispatcher != nil {
			s.dispatcher.Halt(snapshot.ID)
		}
		logging.FromContext(ctx).Info("ride transitioned",
			slog.Int64("ride_id", snapshot.ID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("actor", actor.Type),
		)
		event := "ride." + string(to)
		s.publish(ctx, event, snapshot)
		s.emit(ctx, snapshot, prevDriver, event)
	})
	return nil
}

// WithPending runs fn on the locked ride while it is pending and persists
// its dispatch bookkeeping afterwards. Other changes fn makes to r are not
// written.
func (s *Service) WithPending(ctx context.Context, id int64, fn func(ctx context.Context, r *Ride) error) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		r, err := s.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != StatusPending {
			return ErrNotPending
		}
		if err := fn(ctx, r); err != nil {
			return err
		}
		return s.store.UpdateSearch(ctx, r)
	})
}

// RejectDriver remembers that driverID must not be offered this ride again.
func (s *Service) RejectDriver(ctx context.Context, id int64, driverID types.ID) error {
	return s.WithPending(ctx, id, func(ctx context.Context, r *Ride) error {
		r.addRejected(driverID)
		return nil
	})
}

func (s *Service) Get(ctx context.Context, id int64) (*Ride, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Events(ctx context.Context, id int64) ([]Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, id)
}

func (s *Service) ListPending(ctx context.Context) ([]*Ride, error) {
	return s.store.ListPending(ctx)
}

// CanWatch reports whether a user is a party to the ride.
func (s *Service) CanWatch(ctx context.Context, userID types.ID, rideID int64) bool {
	r, err := s.store.Get(ctx, rideID)
	if err != nil {
		return false
	}
	return (r.PassengerID != nil && *r.PassengerID == userID) ||
		(r.DriverID != nil && *r.DriverID == userID) ||
		(r.InitiatorDriverID != nil && *r.InitiatorDriverID == userID)
}

func (s *Service) quote(ctx context.Context, r *Ride) error {
	if s.pricing == nil {
		return errors.New("pricing unavailable")
	}
	q, err := s.pricing.Quote(ctx, pricing.QuoteRequest{
		City:        r.City,
		CarClass:    r.CarClass,
		DistanceKm:  r.DistanceKm,
		DurationMin: r.DurationMin,
	})
	if err != nil {
		return err
	}
	price, fee := q.Price, q.ServiceFee
	r.Price, r.ServiceFee = &price, &fee
	r.CarClass = q.CarClass
	return nil
}

func (s *Service) requireApproved(ctx context.Context, driverID types.ID) error {
	if s.drivers == nil {
		return nil
	}
	ok, err := s.drivers.IsApproved(ctx, driverID)
	if err != nil {
		return fmt.Errorf("driver approval: %w", err)
	}
	if !ok {
		return ErrDriverNotApproved
	}
	return nil
}

func (s *Service) beginDispatch(ctx context.Context, r *Ride) {
	if s.dispatcher == nil || r.DriverInitiated() || !r.Quoted() {
		return
	}
	s.dispatcher.Begin(ctx, r.ID)
}

func (s *Service) publish(ctx context.Context, event string, data any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event, data); err != nil {
		logging.FromContext(ctx).Warn("publish ride event failed",
			slog.String("event", event), slog.String("error", err.Error()))
	}
}

// emit notifies the ride room and each party. prevDriver is the driver
// assigned before the transition, which differs only on cancellation.
func (s *Service) emit(ctx context.Context, r *Ride, prevDriver *types.ID, event string) {
	targets := []notify.Target{notify.Ride(r.ID)}
	if r.PassengerID != nil {
		targets = append(targets, notify.Passenger(*r.PassengerID))
	}
	switch {
	case r.DriverID != nil:
		targets = append(targets, notify.Driver(*r.DriverID))
	case prevDriver != nil:
		targets = append(targets, notify.Driver(*prevDriver))
	case r.InitiatorDriverID != nil:
		targets = append(targets, notify.Driver(*r.InitiatorDriverID))
	}
	for _, t := range targets {
		if err := s.notifier.Emit(ctx, t, event, r); err != nil {
			logging.FromContext(ctx).Warn("notify failed",
				slog.String("room", t.Room()), slog.String("event", event), slog.String("error", err.Error()))
		}
	}
}

func applyRoute(r *Ride, distanceKm, durationMin float64, city, originName, destinationName string) {
	r.DistanceKm = distanceKm
	r.DurationMin = durationMin
	r.City = city
	r.OriginName = originName
	r.DestinationName = destinationName
}
