// README: Outbound event publisher: envelope, message id, correlation id and exchange routing.
package events

import (
	"context"
	"strings"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"ridecore/internal/logging"
)

type broker interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Publisher sends domain events as enveloped, persistent messages. geo.*
// events go to the geo request exchange, everything else to ride events.
type Publisher struct {
	broker broker
}

func NewPublisher(b broker) *Publisher {
	return &Publisher{broker: b}
}

func (p *Publisher) Publish(ctx context.Context, event string, data any) error {
	body, err := Encode(event, data)
	if err != nil {
		return err
	}
	corrID := logging.CorrelationID(ctx)
	if corrID == "" {
		corrID = logging.NewCorrelationID()
	}
	return p.broker.Publish(ctx, route(event), event, amqp.Publishing{
		ContentType:   "application/json",
		MessageId:     uuid.NewString(),
		CorrelationId: corrID,
		Headers:       amqp.Table{HeaderCorrelation: corrID},
		Type:          event,
		Body:          body,
	})
}

func route(event string) string {
	if strings.HasPrefix(event, "geo.") {
		return ExchangeGeoRequests
	}
	return ExchangeRides
}
