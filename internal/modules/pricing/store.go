// README: Tariff store backed by PostgreSQL; adjustment tables live in JSONB columns.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridecore/internal/infra"
)

// Repository is the persistence surface the service needs.
type Repository interface {
	Active(ctx context.Context, city, carClass string, forUpdate bool) (*Tariff, error)
	HasCity(ctx context.Context, city string) (bool, error)
	Insert(ctx context.Context, t *Tariff) error
	Update(ctx context.Context, t *Tariff) error
	Deactivate(ctx context.Context, id int64) error
	AppendHistory(ctx context.Context, e *HistoryEntry) error
	History(ctx context.Context, city, carClass string, limit int) ([]HistoryEntry, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const tariffColumns = `id, city, car_class, currency, base_fare, cost_per_km, cost_per_minute,
	service_fee_percent, hourly, monthly, holidays, is_active, updated_at`

func (s *Store) Active(ctx context.Context, city, carClass string, forUpdate bool) (*Tariff, error) {
	q := `SELECT ` + tariffColumns + ` FROM tariffs WHERE city = $1 AND car_class = $2 AND is_active`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	row := infra.Conn(ctx, s.db).QueryRow(ctx, q, city, carClass)

	var t Tariff
	var hourly, monthly, holidays []byte
	err := row.Scan(
		&t.ID, &t.City, &t.CarClass, &t.Currency, &t.BaseFare, &t.CostPerKm, &t.CostPerMinute,
		&t.ServiceFeePercent, &hourly, &monthly, &holidays, &t.IsActive, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTariffNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(hourly, &t.Hourly); err != nil {
		return nil, fmt.Errorf("decode hourly: %w", err)
	}
	if err := json.Unmarshal(monthly, &t.Monthly); err != nil {
		return nil, fmt.Errorf("decode monthly: %w", err)
	}
	if err := json.Unmarshal(holidays, &t.Holidays); err != nil {
		return nil, fmt.Errorf("decode holidays: %w", err)
	}
	return &t, nil
}

func (s *Store) HasCity(ctx context.Context, city string) (bool, error) {
	var exists bool
	err := infra.Conn(ctx, s.db).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tariffs WHERE city = $1 AND is_active)`, city,
	).Scan(&exists)
	return exists, err
}

func (s *Store) Insert(ctx context.Context, t *Tariff) error {
	hourly, monthly, holidays, err := encodeTables(t)
	if err != nil {
		return err
	}
	return infra.Conn(ctx, s.db).QueryRow(ctx, `
		INSERT INTO tariffs (
			city, car_class, currency, base_fare, cost_per_km, cost_per_minute,
			service_fee_percent, hourly, monthly, holidays, is_active, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		t.City, t.CarClass, t.Currency, t.BaseFare, t.CostPerKm, t.CostPerMinute,
		t.ServiceFeePercent, hourly, monthly, holidays, t.IsActive, t.UpdatedAt,
	).Scan(&t.ID)
}

func (s *Store) Update(ctx context.Context, t *Tariff) error {
	hourly, monthly, holidays, err := encodeTables(t)
	if err != nil {
		return err
	}
	tag, err := infra.Conn(ctx, s.db).Exec(ctx, `
		UPDATE tariffs
		SET base_fare = $1, cost_per_km = $2, cost_per_minute = $3, service_fee_percent = $4,
		    hourly = $5, monthly = $6, holidays = $7, updated_at = $8
		WHERE id = $9`,
		t.BaseFare, t.CostPerKm, t.CostPerMinute, t.ServiceFeePercent,
		hourly, monthly, holidays, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrTariffNotFound
	}
	return nil
}

func (s *Store) Deactivate(ctx context.Context, id int64) error {
	_, err := infra.Conn(ctx, s.db).Exec(ctx,
		`UPDATE tariffs SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (s *Store) AppendHistory(ctx context.Context, e *HistoryEntry) error {
	var oldValues []byte
	if e.Old != nil {
		b, err := json.Marshal(e.Old)
		if err != nil {
			return err
		}
		oldValues = b
	}
	newValues, err := json.Marshal(e.New)
	if err != nil {
		return err
	}
	return infra.Conn(ctx, s.db).QueryRow(ctx, `
		INSERT INTO tariff_history (
			tariff_id, city, car_class, action, actor, reason, old_values, new_values, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		e.TariffID, e.City, e.CarClass, e.Action, e.Actor, e.Reason, oldValues, newValues, e.CreatedAt,
	).Scan(&e.ID)
}

func (s *Store) History(ctx context.Context, city, carClass string, limit int) ([]HistoryEntry, error) {
	rows, err := infra.Conn(ctx, s.db).Query(ctx, `
		SELECT id, tariff_id, city, car_class, action, actor, reason, old_values, new_values, created_at
		FROM tariff_history
		WHERE city = $1 AND car_class = $2
		ORDER BY id DESC
		LIMIT $3`, city, carClass, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var oldValues, newValues []byte
		if err := rows.Scan(&e.ID, &e.TariffID, &e.City, &e.CarClass, &e.Action, &e.Actor,
			&e.Reason, &oldValues, &newValues, &e.CreatedAt); err != nil {
			return nil, err
		}
		if oldValues != nil {
			e.Old = &Tariff{}
			if err := json.Unmarshal(oldValues, e.Old); err != nil {
				return nil, err
			}
		}
		e.New = &Tariff{}
		if err := json.Unmarshal(newValues, e.New); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func encodeTables(t *Tariff) (hourly, monthly, holidays []byte, err error) {
	if t.Hourly == nil {
		t.Hourly = HourlyAdjustments{}
	}
	if t.Monthly == nil {
		t.Monthly = MonthlyAdjustments{}
	}
	if t.Holidays == nil {
		t.Holidays = []Holiday{}
	}
	if hourly, err = json.Marshal(t.Hourly); err != nil {
		return
	}
	if monthly, err = json.Marshal(t.Monthly); err != nil {
		return
	}
	holidays, err = json.Marshal(t.Holidays)
	return
}
