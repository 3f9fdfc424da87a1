// README: Dispatch loop: timer-driven nearest-driver search with offers, timeouts and exhaustion.
package matching

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ridecore/internal/clock"
	"ridecore/internal/logging"
	"ridecore/internal/modules/location"
	"ridecore/internal/modules/notify"
	"ridecore/internal/modules/ride"
	"ridecore/internal/types"
)

const EventOffer = notify.EventOffer

type Deps struct {
	Rides       Rides
	Index       location.Index
	Notifier    notify.Notifier
	Events      Publisher
	Coordinator Coordinator
	Clock       clock.Clock
	Metrics     *Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// loop is the dispatch state of one ride. run serialises the loop's
// callbacks and guards attempts; the other fields are guarded by
// Dispatcher.mu.
type loop struct {
	rideID   int64
	token    string
	corrID   string
	attempts int
	offered  types.ID
	timer    clock.Timer
	halted   bool
	run      sync.Mutex
}

type Dispatcher struct {
	cfg      Config
	rides    Rides
	index    location.Index
	notifier notify.Notifier
	events   Publisher
	coord    Coordinator
	clock    clock.Clock
	metrics  *Metrics
	tracer   trace.Tracer
	log      *slog.Logger

	mu      sync.Mutex
	loops   map[int64]*loop
	standby map[int64]clock.Timer
	closed  bool
}

func NewDispatcher(cfg Config, d Deps) *Dispatcher {
	disp := &Dispatcher{
		cfg:      cfg,
		rides:    d.Rides,
		index:    d.Index,
		notifier: d.Notifier,
		events:   d.Events,
		coord:    d.Coordinator,
		clock:    d.Clock,
		metrics:  d.Metrics,
		tracer:   d.Tracer,
		log:      d.Logger,
		loops:    map[int64]*loop{},
		standby:  map[int64]clock.Timer{},
	}
	if disp.notifier == nil {
		disp.notifier = notify.Nop{}
	}
	if disp.coord == nil {
		disp.coord = localCoordinator{}
	}
	if disp.clock == nil {
		disp.clock = clock.Real{}
	}
	if disp.metrics == nil {
		disp.metrics = NewMetrics(nil)
	}
	if disp.tracer == nil {
		disp.tracer = otel.Tracer("ridecore/matching")
	}
	if disp.log == nil {
		disp.log = slog.Default()
	}
	return disp
}

// Begin starts the search for a pending ride unless a loop for it already
// runs here or in another process. The loop outlives ctx.
func (d *Dispatcher) Begin(ctx context.Context, rideID int64) {
	l := &loop{rideID: rideID, corrID: logging.CorrelationID(ctx)}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if _, running := d.loops[rideID]; running {
		d.mu.Unlock()
		return
	}
	if t, ok := d.standby[rideID]; ok {
		t.Stop()
		delete(d.standby, rideID)
	}
	d.loops[rideID] = l
	d.mu.Unlock()
	d.metrics.active.Inc()

	lctx := d.loopContext(l)
	token, ok, err := d.coord.Claim(lctx, rideID, d.cfg.ownerTTL())
	switch {
	case err != nil:
		logging.FromContext(lctx).Warn("dispatch owner claim failed, running locally", slog.String("error", err.Error()))
		token = ""
	case !ok:
		d.mu.Lock()
		if d.loops[rideID] == l {
			delete(d.loops, rideID)
			d.metrics.active.Dec()
			d.parkLocked(rideID, l.corrID)
		}
		d.mu.Unlock()
		logging.FromContext(lctx).Info("dispatch owned by another process")
		return
	}

	d.mu.Lock()
	l.token = token
	halted := l.halted
	d.mu.Unlock()
	if halted {
		// Halted while claiming: the release already ran without the token.
		d.releaseClaim(l)
		return
	}
	d.schedule(l, 0)
}

// parkLocked retries Begin once the current owner's claim must have
// lapsed, so a crashed owner cannot strand a pending ride.
func (d *Dispatcher) parkLocked(rideID int64, corrID string) {
	if d.closed {
		return
	}
	d.standby[rideID] = d.clock.AfterFunc(d.cfg.ownerTTL(), func() {
		d.mu.Lock()
		delete(d.standby, rideID)
		d.mu.Unlock()
		d.Begin(logging.WithCorrelationID(context.Background(), corrID), rideID)
	})
}

// Halt stops the ride's loop and any pending timer. It is safe to call for
// rides without a loop and from inside the loop's own callbacks.
func (d *Dispatcher) Halt(rideID int64) {
	d.mu.Lock()
	if t, ok := d.standby[rideID]; ok {
		t.Stop()
		delete(d.standby, rideID)
	}
	l, ok := d.loops[rideID]
	if !ok {
		d.mu.Unlock()
		return
	}
	d.stopLocked(l)
	d.mu.Unlock()
	d.release(l)
}

func (d *Dispatcher) stopLocked(l *loop) {
	l.halted = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	delete(d.loops, l.rideID)
}

func (d *Dispatcher) release(l *loop) {
	d.metrics.active.Dec()
	d.releaseClaim(l)
}

func (d *Dispatcher) releaseClaim(l *loop) {
	d.mu.Lock()
	token := l.token
	d.mu.Unlock()
	if token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(d.loopContext(l), 2*time.Second)
	defer cancel()
	if err := d.coord.Release(ctx, l.rideID, token); err != nil {
		logging.FromContext(ctx).Warn("dispatch owner release failed", slog.String("error", err.Error()))
	}
}

// Decline records a driver's refusal and, when this process owns the loop
// and that driver holds the open offer, searches again right away.
func (d *Dispatcher) Decline(ctx context.Context, rideID int64, driverID types.ID) error {
	if err := d.rides.RejectDriver(ctx, rideID, driverID); err != nil {
		return err
	}
	d.mu.Lock()
	l, ok := d.loops[rideID]
	rerun := ok && l.offered == driverID
	if rerun {
		l.offered = ""
	}
	d.mu.Unlock()
	if rerun {
		d.schedule(l, 0)
	}
	return nil
}

// Resume restarts loops for priced, passenger-requested rides still
// pending, typically after a restart. It returns how many were resumed.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	pending, err := d.rides.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range pending {
		if !r.Quoted() || r.DriverInitiated() {
			continue
		}
		d.Begin(ctx, r.ID)
		n++
	}
	return n, nil
}

// Close halts every loop; later Begin calls are ignored.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	var stopped []*loop
	for _, l := range d.loops {
		d.stopLocked(l)
		stopped = append(stopped, l)
	}
	for id, t := range d.standby {
		t.Stop()
		delete(d.standby, id)
	}
	d.mu.Unlock()
	for _, l := range stopped {
		d.release(l)
	}
}

// Active reports the number of loops owned by this process.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.loops)
}

// schedule replaces the loop's timer with a search after delay.
func (d *Dispatcher) schedule(l *loop, delay time.Duration) {
	d.arm(l, delay, func() { d.iterate(l) })
}

func (d *Dispatcher) arm(l *loop, delay time.Duration, f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l.halted {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = d.clock.AfterFunc(delay, f)
}

func (d *Dispatcher) finish(l *loop) {
	d.mu.Lock()
	if l.halted {
		d.mu.Unlock()
		return
	}
	d.stopLocked(l)
	d.mu.Unlock()
	d.release(l)
}

func (d *Dispatcher) loopContext(l *loop) context.Context {
	ctx := logging.WithLogger(context.Background(), d.log.With(slog.Int64("ride_id", l.rideID)))
	return logging.WithCorrelationID(ctx, l.corrID)
}

type iteration struct {
	exhausted bool
	ride      *ride.Ride
	candidate location.NearbyDriver
	found     bool
}

// iterate runs one search step: ceilings first, then the nearest online
// driver not yet rejected.
func (d *Dispatcher) iterate(l *loop) {
	l.run.Lock()
	defer l.run.Unlock()

	d.mu.Lock()
	if l.halted {
		d.mu.Unlock()
		return
	}
	l.offered = ""
	d.mu.Unlock()

	ctx, span := d.tracer.Start(d.loopContext(l), "dispatch.iteration",
		trace.WithAttributes(attribute.Int64("ride.id", l.rideID), attribute.Int("dispatch.attempt", l.attempts+1)))
	defer span.End()
	log := logging.FromContext(ctx)
	d.metrics.iterations.Inc()

	var it iteration
	err := d.rides.WithPending(ctx, l.rideID, func(ctx context.Context, r *ride.Ride) error {
		now := d.clock.Now()
		if r.SearchStartTime == nil {
			r.SearchStartTime = &now
		}
		if l.attempts >= d.cfg.MaxAttempts || now.Sub(*r.SearchStartTime) > d.cfg.SearchBudget {
			it.exhausted = true
			_, err := d.rides.CancelBySystem(ctx, r.ID, ride.ReasonNoDrivers)
			return err
		}
		l.attempts++

		nearby, err := d.index.Nearby(ctx, r.Origin, d.cfg.RadiusKm, d.cfg.Limit)
		if err != nil {
			log.Warn("driver search failed, treating as no candidates", slog.String("error", err.Error()))
			return nil
		}
		for _, n := range nearby {
			if !r.HasRejected(n.DriverID) {
				it.candidate, it.found = n, true
				it.ride = r.Clone()
				break
			}
		}
		return nil
	})

	switch {
	case errors.Is(err, ride.ErrNotPending), errors.Is(err, ride.ErrNotFound):
		log.Debug("ride left pending, dispatch stops")
		d.finish(l)
		return
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("dispatch iteration failed", slog.String("error", err.Error()))
		d.schedule(l, d.cfg.RetryBackoff)
		return
	case it.exhausted:
		d.metrics.exhausted.Inc()
		log.Info("dispatch exhausted", slog.Int("attempts", l.attempts))
		d.finish(l)
		return
	case !it.found:
		d.schedule(l, d.cfg.RetryBackoff)
		return
	}

	d.offer(ctx, l, it.ride, it.candidate)
}

func (d *Dispatcher) offer(ctx context.Context, l *loop, r *ride.Ride, c location.NearbyDriver) {
	log := logging.FromContext(ctx).With(slog.String("driver_id", string(c.DriverID)))
	o := Offer{
		RideID:          r.ID,
		DriverID:        c.DriverID,
		DistanceKm:      c.DistanceKm,
		Origin:          r.Origin,
		Destination:     r.Destination,
		OriginName:      r.OriginName,
		DestinationName: r.DestinationName,
		Price:           r.Price,
		PaymentType:     string(r.PaymentType),
		ExpiresAt:       d.clock.Now().Add(d.cfg.OfferTimeout),
	}

	d.mu.Lock()
	l.offered = c.DriverID
	d.mu.Unlock()

	if err := d.notifier.Emit(ctx, notify.Driver(c.DriverID), EventOffer, o); err != nil {
		log.Warn("offer push failed", slog.String("error", err.Error()))
	}
	if d.events != nil {
		if err := d.events.Publish(ctx, EventOffer, o); err != nil {
			log.Warn("offer broadcast failed", slog.String("error", err.Error()))
		}
	}
	if err := d.coord.RecordOffer(ctx, r.ID, c.DriverID); err != nil {
		log.Warn("offer record failed", slog.String("error", err.Error()))
	}
	d.metrics.offers.Inc()
	log.Info("ride offered", slog.Float64("distance_km", c.DistanceKm))

	driver := c.DriverID
	d.arm(l, d.cfg.OfferTimeout, func() { d.expire(l, driver) })
}

// expire handles an unanswered offer: the driver joins the ride's rejected
// set and the search resumes immediately.
func (d *Dispatcher) expire(l *loop, driverID types.ID) {
	l.run.Lock()
	d.mu.Lock()
	current := !l.halted && l.offered == driverID
	d.mu.Unlock()
	if !current {
		l.run.Unlock()
		return
	}
	ctx := d.loopContext(l)
	err := d.rides.RejectDriver(ctx, l.rideID, driverID)
	l.run.Unlock()

	switch {
	case errors.Is(err, ride.ErrNotPending), errors.Is(err, ride.ErrNotFound):
		d.finish(l)
		return
	case err != nil:
		logging.FromContext(ctx).Warn("offer timeout rejection failed", slog.String("error", err.Error()))
	default:
		logging.FromContext(ctx).Info("offer timed out", slog.String("driver_id", string(driverID)))
	}
	d.schedule(l, 0)
}
