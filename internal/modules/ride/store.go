// README: Ride store backed by PostgreSQL; every write joins the unit of work in ctx.
package ride

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridecore/internal/infra"
	"ridecore/internal/types"
)

// Repository is the persistence surface the service needs.
type Repository interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id int64) (*Ride, error)
	GetForUpdate(ctx context.Context, id int64) (*Ride, error)
	Update(ctx context.Context, r *Ride) error
	UpdateSearch(ctx context.Context, r *Ride) error
	AppendEvent(ctx context.Context, e *Event) error
	HasActiveByPassenger(ctx context.Context, passengerID types.ID) (bool, error)
	ListPending(ctx context.Context) ([]*Ride, error)
	Events(ctx context.Context, rideID int64) ([]Event, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const rideColumns = `id, passenger_id, driver_id, initiator_driver_id,
	origin_lat, origin_lng, destination_lat, destination_lng, origin_name, destination_name,
	city, car_class, distance_km, duration_min, price, service_fee, currency,
	payment_type, payment_status, status, cancellation_reason, rejected_drivers, search_start_time,
	created_at, assigned_at, arrived_at, started_at, completed_at, cancelled_at`

func (s *Store) Create(ctx context.Context, r *Ride) error {
	price, fee, currency := moneyColumns(r)
	return infra.Conn(ctx, s.db).QueryRow(ctx, `
		INSERT INTO rides (
			passenger_id, driver_id, initiator_driver_id,
			origin_lat, origin_lng, destination_lat, destination_lng, origin_name, destination_name,
			city, car_class, distance_km, duration_min, price, service_fee, currency,
			payment_type, payment_status, status, rejected_drivers, created_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21
		) RETURNING id`,
		toStringPtr(r.PassengerID), toStringPtr(r.DriverID), toStringPtr(r.InitiatorDriverID),
		r.Origin.Lat, r.Origin.Lng, r.Destination.Lat, r.Destination.Lng, r.OriginName, r.DestinationName,
		r.City, r.CarClass, r.DistanceKm, r.DurationMin, price, fee, currency,
		string(r.PaymentType), string(r.PaymentStatus), string(r.Status), toStrings(r.RejectedDrivers), r.CreatedAt,
	).Scan(&r.ID)
}

func (s *Store) Get(ctx context.Context, id int64) (*Ride, error) {
	return s.get(ctx, id, false)
}

// GetForUpdate row-locks the ride until the surrounding transaction ends.
func (s *Store) GetForUpdate(ctx context.Context, id int64) (*Ride, error) {
	return s.get(ctx, id, true)
}

func (s *Store) get(ctx context.Context, id int64, lock bool) (*Ride, error) {
	q := `SELECT ` + rideColumns + ` FROM rides WHERE id = $1`
	if lock {
		q += ` FOR UPDATE`
	}
	r, err := scanRide(infra.Conn(ctx, s.db).QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *Store) Update(ctx context.Context, r *Ride) error {
	price, fee, currency := moneyColumns(r)
	tag, err := infra.Conn(ctx, s.db).Exec(ctx, `
		UPDATE rides SET
			passenger_id = $2, driver_id = $3,
			origin_name = $4, destination_name = $5, city = $6,
			distance_km = $7, duration_min = $8, price = $9, service_fee = $10, currency = $11,
			payment_status = $12, status = $13, cancellation_reason = $14,
			rejected_drivers = $15, search_start_time = $16,
			assigned_at = $17, arrived_at = $18, started_at = $19, completed_at = $20, cancelled_at = $21
		WHERE id = $1`,
		r.ID, toStringPtr(r.PassengerID), toStringPtr(r.DriverID),
		r.OriginName, r.DestinationName, r.City,
		r.DistanceKm, r.DurationMin, price, fee, currency,
		string(r.PaymentStatus), string(r.Status), r.CancellationReason,
		toStrings(r.RejectedDrivers), r.SearchStartTime,
		r.AssignedAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// UpdateSearch writes only the dispatch bookkeeping columns.
func (s *Store) UpdateSearch(ctx context.Context, r *Ride) error {
	_, err := infra.Conn(ctx, s.db).Exec(ctx, `
		UPDATE rides SET search_start_time = $2, rejected_drivers = $3 WHERE id = $1`,
		r.ID, r.SearchStartTime, toStrings(r.RejectedDrivers),
	)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	return infra.Conn(ctx, s.db).QueryRow(ctx, `
		INSERT INTO ride_state_events (
			ride_id, from_status, to_status, actor_type, actor_id, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		e.RideID,
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.Reason,
		e.CreatedAt,
	).Scan(&e.ID)
}

func (s *Store) HasActiveByPassenger(ctx context.Context, passengerID types.ID) (bool, error) {
	row := infra.Conn(ctx, s.db).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rides
			WHERE passenger_id = $1
			  AND status IN ('pending','driver_assigned','on_site','in_progress')
		)`, string(passengerID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) ListPending(ctx context.Context) ([]*Ride, error) {
	rows, err := infra.Conn(ctx, s.db).Query(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Events lists the state log of a ride, oldest first.
func (s *Store) Events(ctx context.Context, rideID int64) ([]Event, error) {
	rows, err := infra.Conn(ctx, s.db).Query(ctx, `
		SELECT id, ride_id, from_status, to_status, actor_type, actor_id, reason, created_at
		FROM ride_state_events WHERE ride_id = $1 ORDER BY id`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var actorID *string
		if err := rows.Scan(&e.ID, &e.RideID, &e.FromStatus, &e.ToStatus, &e.ActorType, &actorID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorID = toIDPtr(actorID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanRide(row pgx.Row) (*Ride, error) {
	var r Ride
	var passengerID, driverID, initiatorID *string
	var price, fee *int64
	var currency string
	var rejected []string
	err := row.Scan(
		&r.ID, &passengerID, &driverID, &initiatorID,
		&r.Origin.Lat, &r.Origin.Lng, &r.Destination.Lat, &r.Destination.Lng, &r.OriginName, &r.DestinationName,
		&r.City, &r.CarClass, &r.DistanceKm, &r.DurationMin, &price, &fee, &currency,
		&r.PaymentType, &r.PaymentStatus, &r.Status, &r.CancellationReason, &rejected, &r.SearchStartTime,
		&r.CreatedAt, &r.AssignedAt, &r.ArrivedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	r.PassengerID = toIDPtr(passengerID)
	r.DriverID = toIDPtr(driverID)
	r.InitiatorDriverID = toIDPtr(initiatorID)
	if price != nil {
		r.Price = &types.Money{Amount: *price, Currency: currency}
	}
	if fee != nil {
		r.ServiceFee = &types.Money{Amount: *fee, Currency: currency}
	}
	r.RejectedDrivers = make([]types.ID, len(rejected))
	for i, id := range rejected {
		r.RejectedDrivers[i] = types.ID(id)
	}
	return &r, nil
}

func moneyColumns(r *Ride) (price, fee *int64, currency string) {
	if r.Price != nil {
		v := r.Price.Amount
		price, currency = &v, r.Price.Currency
	}
	if r.ServiceFee != nil {
		v := r.ServiceFee.Amount
		fee = &v
	}
	return price, fee, currency
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}

func toStrings(ids []types.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func toTimePtr(t time.Time) *time.Time {
	return &t
}
