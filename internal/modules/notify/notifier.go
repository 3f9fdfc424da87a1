// README: Realtime notifier capability; rooms per driver, passenger and ride.
package notify

import (
	"context"
	"errors"
	"strconv"

	"ridecore/internal/types"
)

// EventOffer is the only event that is also pushed to devices.
const EventOffer = "ride.offer"

type Kind string

const (
	KindDriver    Kind = "driver"
	KindPassenger Kind = "passenger"
	KindRide      Kind = "ride"
)

// Target names a logical room.
type Target struct {
	Kind Kind
	ID   string
}

func Driver(id types.ID) Target    { return Target{Kind: KindDriver, ID: string(id)} }
func Passenger(id types.ID) Target { return Target{Kind: KindPassenger, ID: string(id)} }
func Ride(id int64) Target         { return Target{Kind: KindRide, ID: strconv.FormatInt(id, 10)} }

func (t Target) Room() string {
	return string(t.Kind) + ":" + t.ID
}

// Notifier delivers an event to every session in the target room.
type Notifier interface {
	Emit(ctx context.Context, target Target, event string, payload any) error
}

// Fanout emits to each notifier in turn and joins their errors.
type Fanout []Notifier

func (f Fanout) Emit(ctx context.Context, target Target, event string, payload any) error {
	var errs []error
	for _, n := range f {
		if err := n.Emit(ctx, target, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Emit(context.Context, Target, string, any) error { return nil }
