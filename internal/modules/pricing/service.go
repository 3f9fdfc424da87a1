// README: Pricing service: cache-first quoting and audited tariff administration.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ridecore/internal/clock"
	"ridecore/internal/infra"
	"ridecore/internal/logging"
)

type Options struct {
	DefaultCarClass string
	Location        *time.Location
	Clock           clock.Clock
}

type Service struct {
	store        Repository
	cache        Cache
	tx           infra.TxRunner
	clock        clock.Clock
	loc          *time.Location
	defaultClass string
}

func NewService(store Repository, cache Cache, tx infra.TxRunner, opts Options) *Service {
	s := &Service{
		store:        store,
		cache:        cache,
		tx:           tx,
		clock:        opts.Clock,
		loc:          opts.Location,
		defaultClass: opts.DefaultCarClass,
	}
	if s.cache == nil {
		s.cache = nopCache{}
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	return s
}

// Audit identifies who changed a tariff and why.
type Audit struct {
	Actor  string
	Reason string
}

type CreateTariffCommand struct {
	Tariff Tariff
	Audit
}

type UpdateBaseFareCommand struct {
	City     string
	CarClass string
	BaseFare float64
	Audit
}

type SetHourlyCommand struct {
	City     string
	CarClass string
	Hour     Hour
	Percent  float64
	Audit
}

type SetMonthlyCommand struct {
	City     string
	CarClass string
	Month    time.Month
	Percent  float64
	Audit
}

type HolidayCommand struct {
	City     string
	CarClass string
	Holiday  Holiday
	Audit
}

type DeleteHolidayCommand struct {
	City     string
	CarClass string
	Month    time.Month
	Day      int
	Audit
}

// Quote prices a trip with the active tariff for the city and class. An
// empty class uses the default class.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if err := validateMoney("distance_km", req.DistanceKm); err != nil {
		return Quote{}, err
	}
	if err := validateMoney("duration_min", req.DurationMin); err != nil {
		return Quote{}, err
	}
	t, err := s.Tariff(ctx, req.City, req.CarClass)
	if err != nil {
		return Quote{}, err
	}
	return t.Price(s.clock.Now().In(s.loc), req.DistanceKm, req.DurationMin), nil
}

// Tariff resolves the active tariff, cache first.
func (s *Service) Tariff(ctx context.Context, city, carClass string) (*Tariff, error) {
	if carClass == "" {
		carClass = s.defaultClass
	}
	if city == "" {
		return nil, ErrCityNotSupported
	}
	log := logging.FromContext(ctx)

	t, ok, err := s.cache.Get(ctx, city, carClass)
	if err != nil {
		log.Warn("tariff cache read failed", slog.String("city", city), slog.String("error", err.Error()))
	}
	if ok {
		return t, nil
	}

	t, err = s.store.Active(ctx, city, carClass, false)
	if err != nil {
		return nil, s.resolveMissing(ctx, city, err)
	}
	if err := s.cache.Set(ctx, t); err != nil {
		log.Warn("tariff cache write failed", slog.String("city", city), slog.String("error", err.Error()))
	}
	return t, nil
}

// resolveMissing narrows ErrTariffNotFound to ErrCityNotSupported when the
// city has no active tariff of any class.
func (s *Service) resolveMissing(ctx context.Context, city string, err error) error {
	if !errors.Is(err, ErrTariffNotFound) {
		return err
	}
	has, herr := s.store.HasCity(ctx, city)
	if herr != nil {
		return herr
	}
	if !has {
		return ErrCityNotSupported
	}
	return ErrTariffNotFound
}

func (s *Service) CreateTariff(ctx context.Context, cmd CreateTariffCommand) (*Tariff, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	t := cmd.Tariff.Clone()
	t.IsActive = true
	t.UpdatedAt = s.clock.Now()
	if err := t.Validate(); err != nil {
		return nil, err
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		prev, err := s.store.Active(ctx, t.City, t.CarClass, true)
		switch {
		case errors.Is(err, ErrTariffNotFound):
			prev = nil
		case err != nil:
			return err
		default:
			if err := s.store.Deactivate(ctx, prev.ID); err != nil {
				return err
			}
		}
		if err := s.store.Insert(ctx, t); err != nil {
			return err
		}
		return s.record(ctx, ActionCreate, cmd.Audit, prev, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) UpdateBaseFare(ctx context.Context, cmd UpdateBaseFareCommand) (*Tariff, error) {
	if err := validateMoney("base_fare", cmd.BaseFare); err != nil {
		return nil, err
	}
	return s.mutate(ctx, cmd.City, cmd.CarClass, ActionBaseFare, cmd.Audit, func(t *Tariff) error {
		t.BaseFare = cmd.BaseFare
		return nil
	})
}

func (s *Service) SetHourlyAdjustment(ctx context.Context, cmd SetHourlyCommand) (*Tariff, error) {
	if err := cmd.Hour.Validate(); err != nil {
		return nil, err
	}
	if err := validatePercent("percent", cmd.Percent); err != nil {
		return nil, err
	}
	return s.mutate(ctx, cmd.City, cmd.CarClass, ActionHourly, cmd.Audit, func(t *Tariff) error {
		if t.Hourly == nil {
			t.Hourly = HourlyAdjustments{}
		}
		t.Hourly[cmd.Hour] = cmd.Percent
		return nil
	})
}

func (s *Service) SetMonthlyAdjustment(ctx context.Context, cmd SetMonthlyCommand) (*Tariff, error) {
	if err := validateMonth(cmd.Month); err != nil {
		return nil, err
	}
	if err := validatePercent("percent", cmd.Percent); err != nil {
		return nil, err
	}
	return s.mutate(ctx, cmd.City, cmd.CarClass, ActionMonthly, cmd.Audit, func(t *Tariff) error {
		if t.Monthly == nil {
			t.Monthly = MonthlyAdjustments{}
		}
		t.Monthly[cmd.Month] = cmd.Percent
		return nil
	})
}

func (s *Service) AddHoliday(ctx context.Context, cmd HolidayCommand) (*Tariff, error) {
	if err := cmd.Holiday.Validate(); err != nil {
		return nil, err
	}
	return s.mutate(ctx, cmd.City, cmd.CarClass, ActionHolidayAdd, cmd.Audit, func(t *Tariff) error {
		if t.holidayIndex(cmd.Holiday.Month, cmd.Holiday.Day) >= 0 {
			return ErrHolidayExists
		}
		t.Holidays = append(t.Holidays, cmd.Holiday)
		return nil
	})
}

func (s *Service) UpdateHoliday(ctx context.Context, cmd HolidayCommand) (*Tariff, error) {
	if err := cmd.Holiday.Validate(); err != nil {
		return nil, err
	}
	return s.mutate(ctx, cmd.City, cmd.CarClass, ActionHolidayUpdate, cmd.Audit, func(t *Tariff) error {
		i := t.holidayIndex(cmd.Holiday.Month, cmd.Holiday.Day)
		if i < 0 {
			return ErrHolidayNotFound
		}
		t.Holidays[i].Percent = cmd.Holiday.Percent
		return nil
	})
}

func (s *Service) DeleteHoliday(ctx context.Context, cmd DeleteHolidayCommand) (*Tariff, error) {
	return s.mutate(ctx, cmd.City, cmd.CarClass, ActionHolidayDelete, cmd.Audit, func(t *Tariff) error {
		i := t.holidayIndex(cmd.Month, cmd.Day)
		if i < 0 {
			return ErrHolidayNotFound
		}
		t.Holidays = append(t.Holidays[:i], t.Holidays[i+1:]...)
		return nil
	})
}

// History lists the most recent audit entries for a (city, class) pair.
func (s *Service) History(ctx context.Context, city, carClass string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.History(ctx, city, carClass, limit)
}

// mutate loads the active tariff under lock, applies fn, and writes the
// tariff, its history entry and the cache invalidation as one unit.
func (s *Service) mutate(ctx context.Context, city, carClass, action string, audit Audit, fn func(t *Tariff) error) (*Tariff, error) {
	if err := audit.validate(); err != nil {
		return nil, err
	}
	var out *Tariff
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.store.Active(ctx, city, carClass, true)
		if err != nil {
			return s.resolveMissing(ctx, city, err)
		}
		old := cur.Clone()
		if err := fn(cur); err != nil {
			return err
		}
		if err := cur.Validate(); err != nil {
			return err
		}
		cur.UpdatedAt = s.clock.Now()
		if err := s.store.Update(ctx, cur); err != nil {
			return err
		}
		if err := s.record(ctx, action, audit, old, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// record appends the history row and drops the cached entry inside the
// current unit, then drops it once more after commit so a reader that
// repopulated the cache from the pre-commit row cannot keep it.
func (s *Service) record(ctx context.Context, action string, audit Audit, old, cur *Tariff) error {
	entry := &HistoryEntry{
		TariffID:  cur.ID,
		City:      cur.City,
		CarClass:  cur.CarClass,
		Action:    action,
		Actor:     audit.Actor,
		Reason:    audit.Reason,
		Old:       old,
		New:       cur.Clone(),
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.AppendHistory(ctx, entry); err != nil {
		return fmt.Errorf("append tariff history: %w", err)
	}
	if err := s.cache.Invalidate(ctx, cur.City, cur.CarClass); err != nil {
		return fmt.Errorf("invalidate tariff cache: %w", err)
	}
	city, carClass := cur.City, cur.CarClass
	infra.AfterCommit(ctx, func(ctx context.Context) {
		if err := s.cache.Invalidate(ctx, city, carClass); err != nil {
			logging.FromContext(ctx).Warn("tariff cache invalidation after commit failed",
				slog.String("city", city), slog.String("error", err.Error()))
		}
	})
	logging.FromContext(ctx).Info("tariff changed",
		slog.String("city", city),
		slog.String("car_class", carClass),
		slog.String("action", action),
		slog.String("actor", audit.Actor),
	)
	return nil
}

func (a Audit) validate() error {
	if a.Actor == "" {
		return &ValidationError{Field: "actor", Reason: "required"}
	}
	return nil
}

func (c CreateTariffCommand) validate() error {
	return c.Audit.validate()
}
