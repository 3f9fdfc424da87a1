package pricing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ridecore/internal/clock"
	"ridecore/internal/infra"
)

// memRepo is an in-memory Repository that undoes its writes on rollback.
type memRepo struct {
	mu          sync.Mutex
	nextID      int64
	tariffs     map[int64]*Tariff
	history     []HistoryEntry
	activeReads int
	failUpdate  error
}

func newMemRepo() *memRepo {
	return &memRepo{tariffs: map[int64]*Tariff{}}
}

func (r *memRepo) Active(ctx context.Context, city, carClass string, forUpdate bool) (*Tariff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeReads++
	for _, t := range r.tariffs {
		if t.City == city && t.CarClass == carClass && t.IsActive {
			return t.Clone(), nil
		}
	}
	return nil, ErrTariffNotFound
}

func (r *memRepo) HasCity(ctx context.Context, city string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tariffs {
		if t.City == city && t.IsActive {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) Insert(ctx context.Context, t *Tariff) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	t.ID = r.nextID
	r.tariffs[t.ID] = t.Clone()
	id := t.ID
	infra.OnRollback(ctx, func() {
		r.mu.Lock()
		delete(r.tariffs, id)
		r.mu.Unlock()
	})
	return nil
}

func (r *memRepo) Update(ctx context.Context, t *Tariff) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate != nil {
		return r.failUpdate
	}
	prev, ok := r.tariffs[t.ID]
	if !ok {
		return ErrTariffNotFound
	}
	r.tariffs[t.ID] = t.Clone()
	infra.OnRollback(ctx, func() {
		r.mu.Lock()
		r.tariffs[prev.ID] = prev
		r.mu.Unlock()
	})
	return nil
}

func (r *memRepo) Deactivate(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tariffs[id]; ok {
		t.IsActive = false
		infra.OnRollback(ctx, func() {
			r.mu.Lock()
			t.IsActive = true
			r.mu.Unlock()
		})
	}
	return nil
}

func (r *memRepo) AppendHistory(ctx context.Context, e *HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = int64(len(r.history) + 1)
	r.history = append(r.history, *e)
	n := len(r.history) - 1
	infra.OnRollback(ctx, func() {
		r.mu.Lock()
		r.history = r.history[:n]
		r.mu.Unlock()
	})
	return nil
}

func (r *memRepo) History(ctx context.Context, city, carClass string, limit int) ([]HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []HistoryEntry
	for i := len(r.history) - 1; i >= 0 && len(out) < limit; i-- {
		if r.history[i].City == city && r.history[i].CarClass == carClass {
			out = append(out, r.history[i])
		}
	}
	return out, nil
}

type memCache struct {
	mu          sync.Mutex
	entries     map[string]*Tariff
	invalidated int
}

func newMemCache() *memCache {
	return &memCache{entries: map[string]*Tariff{}}
}

func (c *memCache) Get(ctx context.Context, city, carClass string) (*Tariff, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[tariffKey(city, carClass)]
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

func (c *memCache) Set(ctx context.Context, t *Tariff) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[tariffKey(t.City, t.CarClass)] = t.Clone()
	return nil
}

func (c *memCache) Invalidate(ctx context.Context, city, carClass string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
	delete(c.entries, tariffKey(city, carClass))
	return nil
}

func (c *memCache) has(city, carClass string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[tariffKey(city, carClass)]
	return ok
}

// plainDay is a date that matches no adjustment in testTariff by default.
var plainDay = time.Date(2026, time.March, 10, 14, 0, 0, 0, time.UTC)

func testTariff() Tariff {
	return Tariff{
		City:          "almaty",
		CarClass:      "standard",
		Currency:      "KZT",
		BaseFare:      5,
		CostPerKm:     10,
		CostPerMinute: 2,
	}
}

func newTestService(t *testing.T, now time.Time, seed ...Tariff) (*Service, *memRepo, *memCache) {
	t.Helper()
	repo := newMemRepo()
	cache := newMemCache()
	svc := NewService(repo, cache, &infra.LocalTx{}, Options{
		DefaultCarClass: "standard",
		Clock:           clock.NewFake(now),
	})
	for _, tr := range seed {
		if _, err := svc.CreateTariff(context.Background(), CreateTariffCommand{
			Tariff: tr,
			Audit:  Audit{Actor: "seed"},
		}); err != nil {
			t.Fatalf("seed tariff: %v", err)
		}
	}
	return svc, repo, cache
}

func TestQuote_NoAdjustment(t *testing.T) {
	svc, _, _ := newTestService(t, plainDay, testTariff())

	q, err := svc.Quote(context.Background(), QuoteRequest{City: "almaty", CarClass: "standard", DistanceKm: 10, DurationMin: 5})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Price.Amount != 11500 {
		t.Errorf("price = %v, want 115.00", q.Price)
	}
	if q.Adjustment != AdjustNone || q.AdjustmentPercent != 0 {
		t.Errorf("unexpected adjustment %s %v", q.Adjustment, q.AdjustmentPercent)
	}
}

func TestQuote_HolidayBeatsHour(t *testing.T) {
	tr := testTariff()
	tr.Hourly = HourlyAdjustments{14: 20}
	tr.Holidays = []Holiday{{Month: time.March, Day: 10, Percent: 30}}
	svc, _, _ := newTestService(t, plainDay, tr)

	q, err := svc.Quote(context.Background(), QuoteRequest{City: "almaty", CarClass: "standard", DistanceKm: 10, DurationMin: 5})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Price.Amount != 14500 {
		t.Errorf("price = %v, want 145.00", q.Price)
	}
	if q.Adjustment != AdjustHoliday {
		t.Errorf("adjustment = %s, want holiday", q.Adjustment)
	}
}

func TestTariffPrice_Priority(t *testing.T) {
	base := testTariff()
	tests := []struct {
		name    string
		hourly  HourlyAdjustments
		monthly MonthlyAdjustments
		hol     []Holiday
		want    Adjustment
		price   int64
	}{
		{name: "none", want: AdjustNone, price: 11500},
		{name: "month only", monthly: MonthlyAdjustments{time.March: 10}, want: AdjustMonth, price: 12500},
		{name: "hour beats month", hourly: HourlyAdjustments{14: 20}, monthly: MonthlyAdjustments{time.March: 10}, want: AdjustHour, price: 13500},
		{name: "other hour ignored", hourly: HourlyAdjustments{9: 50}, want: AdjustNone, price: 11500},
		{name: "holiday beats all", hourly: HourlyAdjustments{14: 20}, monthly: MonthlyAdjustments{time.March: 10}, hol: []Holiday{{Month: time.March, Day: 10, Percent: 30}}, want: AdjustHoliday, price: 14500},
		{name: "discount", hourly: HourlyAdjustments{14: -50}, want: AdjustHour, price: 6500},
		{name: "zero hour falls through to month", hourly: HourlyAdjustments{14: 0}, monthly: MonthlyAdjustments{time.March: 10}, want: AdjustMonth, price: 12500},
		{name: "zero holiday still beats hour", hourly: HourlyAdjustments{14: 20}, hol: []Holiday{{Month: time.March, Day: 10, Percent: 0}}, want: AdjustHoliday, price: 11500},
		{name: "holiday on another date ignored", hourly: HourlyAdjustments{14: 20}, hol: []Holiday{{Month: time.December, Day: 25, Percent: 0}}, want: AdjustHour, price: 13500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := base.Clone()
			tr.Hourly, tr.Monthly, tr.Holidays = tt.hourly, tt.monthly, tt.hol
			q := tr.Price(plainDay, 10, 5)
			if q.Adjustment != tt.want {
				t.Errorf("adjustment = %s, want %s", q.Adjustment, tt.want)
			}
			if q.Price.Amount != tt.price {
				t.Errorf("price = %d, want %d", q.Price.Amount, tt.price)
			}
		})
	}
}

func TestTariffPrice_ServiceFeeAndOnlyPerKmAdjusted(t *testing.T) {
	tr := testTariff()
	tr.ServiceFeePercent = 10
	tr.Monthly = MonthlyAdjustments{time.March: 100}
	q := tr.Price(plainDay, 1, 1)
	// 5 + 20*1 + 2*1 = 27; base fare and per-minute untouched.
	if q.Price.Amount != 2700 {
		t.Errorf("price = %d, want 2700", q.Price.Amount)
	}
	if q.ServiceFee.Amount != 270 {
		t.Errorf("service fee = %d, want 270", q.ServiceFee.Amount)
	}
	if q.AdjustedCostPerKm != 20 {
		t.Errorf("adjusted per km = %v, want 20", q.AdjustedCostPerKm)
	}
}

func TestQuote_UsesConfiguredTimeZone(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	tr := testTariff()
	tr.Hourly = HourlyAdjustments{19: 20}
	repo := newMemRepo()
	svc := NewService(repo, nil, &infra.LocalTx{}, Options{Clock: clock.NewFake(plainDay), Location: loc, DefaultCarClass: "standard"})
	if _, err := svc.CreateTariff(context.Background(), CreateTariffCommand{Tariff: tr, Audit: Audit{Actor: "seed"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// 14:00 UTC is 19:00 in UTC+5.
	q, err := svc.Quote(context.Background(), QuoteRequest{City: "almaty", DistanceKm: 10, DurationMin: 5})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Adjustment != AdjustHour {
		t.Errorf("adjustment = %s, want hour", q.Adjustment)
	}
}

func TestQuote_CityNotSupportedAndTariffNotFound(t *testing.T) {
	svc, _, _ := newTestService(t, plainDay, testTariff())
	ctx := context.Background()

	_, err := svc.Quote(ctx, QuoteRequest{City: "atlantis", DistanceKm: 1})
	if !errors.Is(err, ErrCityNotSupported) {
		t.Errorf("expected ErrCityNotSupported, got %v", err)
	}
	_, err = svc.Quote(ctx, QuoteRequest{City: "almaty", CarClass: "limo", DistanceKm: 1})
	if !errors.Is(err, ErrTariffNotFound) {
		t.Errorf("expected ErrTariffNotFound, got %v", err)
	}
	_, err = svc.Quote(ctx, QuoteRequest{City: "almaty", DistanceKm: -1})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for negative distance, got %v", err)
	}
}

func TestQuote_CacheFirst(t *testing.T) {
	svc, repo, cache := newTestService(t, plainDay, testTariff())
	ctx := context.Background()
	req := QuoteRequest{City: "almaty", CarClass: "standard", DistanceKm: 3, DurationMin: 3}

	if _, err := svc.Quote(ctx, req); err != nil {
		t.Fatalf("first quote: %v", err)
	}
	if !cache.has("almaty", "standard") {
		t.Fatal("miss did not populate the cache")
	}
	reads := repo.activeReads
	if _, err := svc.Quote(ctx, req); err != nil {
		t.Fatalf("second quote: %v", err)
	}
	if repo.activeReads != reads {
		t.Errorf("cache hit still read the store (%d -> %d)", reads, repo.activeReads)
	}
}

func TestUpdateBaseFare_HistoryAndInvalidation(t *testing.T) {
	svc, repo, cache := newTestService(t, plainDay, testTariff())
	ctx := context.Background()
	if _, err := svc.Quote(ctx, QuoteRequest{City: "almaty", DistanceKm: 1}); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	before := len(repo.history)

	tr, err := svc.UpdateBaseFare(ctx, UpdateBaseFareCommand{
		City: "almaty", CarClass: "standard", BaseFare: 8,
		Audit: Audit{Actor: "admin-1", Reason: "fuel prices"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if tr.BaseFare != 8 {
		t.Errorf("base fare = %v, want 8", tr.BaseFare)
	}
	if got := len(repo.history) - before; got != 1 {
		t.Fatalf("expected exactly one history row, got %d", got)
	}
	h := repo.history[len(repo.history)-1]
	if h.Old == nil || h.Old.BaseFare != 5 || h.New.BaseFare != 8 {
		t.Errorf("history snapshot old=%v new=%v", h.Old, h.New)
	}
	if h.Actor != "admin-1" || h.Reason != "fuel prices" || h.Action != ActionBaseFare {
		t.Errorf("unexpected audit fields: %+v", h)
	}
	if cache.has("almaty", "standard") {
		t.Error("cache entry survived the update")
	}

	q, err := svc.Quote(ctx, QuoteRequest{City: "almaty", DistanceKm: 10, DurationMin: 5})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Price.Amount != 11800 {
		t.Errorf("price after update = %d, want 11800", q.Price.Amount)
	}
}

func TestMutation_FailureWritesNothing(t *testing.T) {
	svc, repo, _ := newTestService(t, plainDay, testTariff())
	ctx := context.Background()
	before := len(repo.history)

	repo.failUpdate = errors.New("disk full")
	_, err := svc.SetHourlyAdjustment(ctx, SetHourlyCommand{
		City: "almaty", CarClass: "standard", Hour: 8, Percent: 25, Audit: Audit{Actor: "admin"},
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(repo.history) != before {
		t.Error("history written for a failed mutation")
	}
}

func TestAdjustmentUpserts(t *testing.T) {
	svc, _, _ := newTestService(t, plainDay, testTariff())
	ctx := context.Background()
	audit := Audit{Actor: "admin"}

	if _, err := svc.SetHourlyAdjustment(ctx, SetHourlyCommand{City: "almaty", CarClass: "standard", Hour: 14, Percent: 20, Audit: audit}); err != nil {
		t.Fatalf("hourly: %v", err)
	}
	tr, err := svc.SetMonthlyAdjustment(ctx, SetMonthlyCommand{City: "almaty", CarClass: "standard", Month: time.March, Percent: 5, Audit: audit})
	if err != nil {
		t.Fatalf("monthly: %v", err)
	}
	if tr.Hourly[14] != 20 || tr.Monthly[time.March] != 5 {
		t.Errorf("tables not updated: %+v %+v", tr.Hourly, tr.Monthly)
	}

	_, err = svc.SetHourlyAdjustment(ctx, SetHourlyCommand{City: "almaty", CarClass: "standard", Hour: 24, Percent: 20, Audit: audit})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("hour 24: expected ErrValidation, got %v", err)
	}
	_, err = svc.SetMonthlyAdjustment(ctx, SetMonthlyCommand{City: "almaty", CarClass: "standard", Month: 13, Percent: 5, Audit: audit})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("month 13: expected ErrValidation, got %v", err)
	}
	_, err = svc.SetHourlyAdjustment(ctx, SetHourlyCommand{City: "almaty", CarClass: "standard", Hour: 1, Percent: 5})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("missing actor: expected ErrValidation, got %v", err)
	}
}

func TestHolidayLifecycle(t *testing.T) {
	svc, repo, _ := newTestService(t, plainDay, testTariff())
	ctx := context.Background()
	audit := Audit{Actor: "admin"}
	cmd := HolidayCommand{City: "almaty", CarClass: "standard", Holiday: Holiday{Month: time.March, Day: 10, Percent: 30}, Audit: audit}

	if _, err := svc.AddHoliday(ctx, cmd); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.AddHoliday(ctx, cmd); !errors.Is(err, ErrHolidayExists) {
		t.Errorf("duplicate add: expected ErrHolidayExists, got %v", err)
	}

	cmd.Holiday.Percent = 40
	tr, err := svc.UpdateHoliday(ctx, cmd)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if tr.Holidays[0].Percent != 40 {
		t.Errorf("percent = %v, want 40", tr.Holidays[0].Percent)
	}

	del := DeleteHolidayCommand{City: "almaty", CarClass: "standard", Month: time.March, Day: 10, Audit: audit}
	tr, err = svc.DeleteHoliday(ctx, del)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(tr.Holidays) != 0 {
		t.Errorf("holiday not removed: %+v", tr.Holidays)
	}
	if _, err := svc.DeleteHoliday(ctx, del); !errors.Is(err, ErrHolidayNotFound) {
		t.Errorf("second delete: expected ErrHolidayNotFound, got %v", err)
	}

	hist, err := svc.History(ctx, "almaty", "standard", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// create + add + update + delete; failed calls leave no trace.
	if len(hist) != 4 || len(repo.history) != 4 {
		t.Fatalf("expected 4 history rows, got %d", len(hist))
	}
	if hist[0].Action != ActionHolidayDelete || hist[3].Action != ActionCreate {
		t.Errorf("unexpected history order: %s ... %s", hist[0].Action, hist[3].Action)
	}
}

func TestCreateTariff_ReplacesActive(t *testing.T) {
	svc, repo, _ := newTestService(t, plainDay, testTariff())
	ctx := context.Background()

	next := testTariff()
	next.BaseFare = 7
	created, err := svc.CreateTariff(ctx, CreateTariffCommand{Tariff: next, Audit: Audit{Actor: "admin"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	active := 0
	for _, tr := range repo.tariffs {
		if tr.IsActive {
			active++
			if tr.ID != created.ID {
				t.Errorf("wrong tariff active: %d", tr.ID)
			}
		}
	}
	if active != 1 {
		t.Fatalf("expected one active tariff, got %d", active)
	}
	h := repo.history[len(repo.history)-1]
	if h.Old == nil || h.Old.BaseFare != 5 {
		t.Errorf("replacement history should snapshot the previous tariff, got %+v", h.Old)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Tariff)
		ok   bool
	}{
		{"valid", func(*Tariff) {}, true},
		{"feb 29 holiday", func(t *Tariff) { t.Holidays = []Holiday{{Month: time.February, Day: 29, Percent: 10}} }, true},
		{"feb 30 holiday", func(t *Tariff) { t.Holidays = []Holiday{{Month: time.February, Day: 30, Percent: 10}} }, false},
		{"day zero", func(t *Tariff) { t.Holidays = []Holiday{{Month: time.May, Day: 0, Percent: 10}} }, false},
		{"duplicate holiday", func(t *Tariff) {
			t.Holidays = []Holiday{{Month: time.May, Day: 1, Percent: 10}, {Month: time.May, Day: 1, Percent: 20}}
		}, false},
		{"hour 23", func(t *Tariff) { t.Hourly = HourlyAdjustments{23: 5} }, true},
		{"hour -1", func(t *Tariff) { t.Hourly = HourlyAdjustments{-1: 5} }, false},
		{"month 0", func(t *Tariff) { t.Monthly = MonthlyAdjustments{0: 5} }, false},
		{"percent -100", func(t *Tariff) { t.Monthly = MonthlyAdjustments{time.May: -100} }, false},
		{"negative base", func(t *Tariff) { t.BaseFare = -1 }, false},
		{"fee over 100", func(t *Tariff) { t.ServiceFeePercent = 101 }, false},
		{"missing city", func(t *Tariff) { t.City = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := testTariff()
			tt.mut(&tr)
			err := tr.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}
