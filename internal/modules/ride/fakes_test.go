package ride

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ridecore/internal/clock"
	"ridecore/internal/infra"
	"ridecore/internal/maps"
	"ridecore/internal/modules/notify"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/types"
)

var (
	taipei101 = types.Point{Lat: 25.0340, Lng: 121.5645}
	mainStn   = types.Point{Lat: 25.0478, Lng: 121.5170}
)

type fakePricer struct {
	err error
}

func (f *fakePricer) Quote(_ context.Context, req pricing.QuoteRequest) (pricing.Quote, error) {
	if f.err != nil {
		return pricing.Quote{}, f.err
	}
	class := req.CarClass
	if class == "" {
		class = "standard"
	}
	return pricing.Quote{
		City:       req.City,
		CarClass:   class,
		Price:      types.FromMajor(115, "TWD"),
		ServiceFee: types.FromMajor(11.5, "TWD"),
	}, nil
}

type fakeGeo struct {
	route maps.Route
	err   error
}

func (f *fakeGeo) Resolve(context.Context, types.Point, types.Point) (maps.Route, error) {
	return f.route, f.err
}

type fakeDrivers struct {
	mu       sync.Mutex
	approved map[types.ID]bool
	headroom map[types.ID]types.Money
}

func (f *fakeDrivers) IsApproved(_ context.Context, id types.ID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approved[id], nil
}

func (f *fakeDrivers) Headroom(_ context.Context, id types.ID) (types.Money, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headroom[id], nil
}

type fakeLedger struct {
	mu        sync.Mutex
	deducted  []types.Money
	refunded  []types.Money
	deductErr error
}

func (f *fakeLedger) DeductCommission(_ context.Context, _ types.ID, amount types.Money, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deductErr != nil {
		return f.deductErr
	}
	f.deducted = append(f.deducted, amount)
	return nil
}

func (f *fakeLedger) RefundCommission(_ context.Context, _ types.ID, amount types.Money, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded = append(f.refunded, amount)
	return nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	begun    []int64
	halted   []int64
	declined []types.ID
	rides    *Service
}

func (f *fakeDispatcher) Begin(_ context.Context, id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun = append(f.begun, id)
}

func (f *fakeDispatcher) Halt(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halted = append(f.halted, id)
}

func (f *fakeDispatcher) Decline(ctx context.Context, id int64, driverID types.ID) error {
	f.mu.Lock()
	f.declined = append(f.declined, driverID)
	f.mu.Unlock()
	return f.rides.RejectDriver(ctx, id, driverID)
}

type published struct {
	event string
	data  any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (f *fakePublisher) Publish(_ context.Context, event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{event, data})
	return nil
}

func (f *fakePublisher) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.event
	}
	return out
}

type emitted struct {
	room  string
	event string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []emitted
}

func (f *fakeNotifier) Emit(_ context.Context, t notify.Target, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, emitted{t.Room(), event})
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// failingStore fails Update calls once armed.
type failingStore struct {
	*MemoryStore
	failUpdate bool
}

func (f *failingStore) Update(ctx context.Context, r *Ride) error {
	if f.failUpdate {
		return errors.New("disk full")
	}
	return f.MemoryStore.Update(ctx, r)
}

type harness struct {
	svc        *Service
	store      *failingStore
	pricer     *fakePricer
	geo        *fakeGeo
	drivers    *fakeDrivers
	ledger     *fakeLedger
	dispatcher *fakeDispatcher
	events     *fakePublisher
	notifier   *fakeNotifier
	clock      *clock.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  &failingStore{MemoryStore: NewMemoryStore()},
		pricer: &fakePricer{},
		geo: &fakeGeo{route: maps.Route{
			DistanceKm: 10, DurationMin: 5, City: "Taipei",
			OriginName: "Taipei 101", DestinationName: "Taipei Main Station",
		}},
		drivers: &fakeDrivers{
			approved: map[types.ID]bool{"d1": true, "d2": true, "broke": true},
			headroom: map[types.ID]types.Money{
				"d1":    types.FromMajor(100, "TWD"),
				"d2":    types.FromMajor(100, "TWD"),
				"broke": types.FromMajor(1, "TWD"),
			},
		},
		ledger:   &fakeLedger{},
		events:   &fakePublisher{},
		notifier: &fakeNotifier{},
		clock:    clock.NewFake(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)),
	}
	h.svc = NewService(Deps{
		Store:    h.store,
		Tx:       &infra.LocalTx{},
		Pricing:  h.pricer,
		Geo:      h.geo,
		Drivers:  h.drivers,
		Ledger:   h.ledger,
		Notifier: h.notifier,
		Events:   h.events,
		Clock:    h.clock,
	})
	h.dispatcher = &fakeDispatcher{rides: h.svc}
	h.svc.SetDispatcher(h.dispatcher)
	return h
}

func (h *harness) request(t *testing.T, passenger types.ID) *Ride {
	t.Helper()
	r, err := h.svc.Request(context.Background(), RequestCommand{
		PassengerID: passenger,
		Origin:      taipei101,
		Destination: mainStn,
		PaymentType: PaymentCash,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return r
}

func (h *harness) status(t *testing.T, id int64) *Ride {
	t.Helper()
	r, err := h.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := checkDriverInvariant(r); err != nil {
		t.Fatalf("invariant broken: %v", err)
	}
	return r
}
