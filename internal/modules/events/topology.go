// README: Exchange and queue topology declared at startup.
package events

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Subscription binds one consumer queue to an exchange.
type Subscription struct {
	Queue    string
	Exchange string
	Key      string
}

var exchanges = map[string]string{
	ExchangeRides:          amqp.ExchangeTopic,
	ExchangeGeoRequests:    amqp.ExchangeTopic,
	ExchangeGeo:            amqp.ExchangeTopic,
	ExchangePayments:       amqp.ExchangeTopic,
	ExchangeDriverLocation: amqp.ExchangeFanout,
	ExchangeDrivers:        amqp.ExchangeTopic,
}

// Subscriptions lists the queues this service consumes.
var Subscriptions = []Subscription{
	{Queue: "ridecore.geo.confirmed", Exchange: ExchangeGeo, Key: EventGeoConfirmed},
	{Queue: "ridecore.payment", Exchange: ExchangePayments, Key: "payment.*"},
	{Queue: "ridecore.driver.location", Exchange: ExchangeDriverLocation},
	{Queue: "ridecore.driver.approval", Exchange: ExchangeDrivers, Key: "driver.approval.*"},
}

type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare creates the durable exchanges, queues and bindings. It is
// idempotent.
func Declare(ch declarer) error {
	for name, kind := range exchanges {
		if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	for _, s := range Subscriptions {
		if _, err := ch.QueueDeclare(s.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", s.Queue, err)
		}
		if err := ch.QueueBind(s.Queue, s.Key, s.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", s.Queue, s.Exchange, err)
		}
	}
	return nil
}
