// README: Broker event envelope, exchange topology and the errors consumers classify deliveries by.
package events

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

const (
	ExchangeRides          = "ride.events"
	ExchangeGeoRequests    = "geo.requests"
	ExchangeGeo            = "geo.events"
	ExchangePayments       = "payment.events"
	ExchangeDriverLocation = "driver.location"
	ExchangeDrivers        = "driver.events"

	HeaderCorrelation = "x-correlation-id"
)

const (
	EventGeoConfirmed     = "geo.confirmed"
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventDriverLocation   = "driver.location"
	EventDriverApproved   = "driver.approval.approved"
	EventDriverRejected   = "driver.approval.rejected"
)

var (
	// ErrUnprocessable marks a delivery that can never succeed; it is
	// rejected without requeue.
	ErrUnprocessable = errors.New("unprocessable event")
	ErrDuplicate     = errors.New("message already processed")
)

// Envelope is the body of every message on the broker.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, unprocessable(fmt.Errorf("decode envelope: %w", err))
	}
	if env.Event == "" {
		return Envelope{}, unprocessable(errors.New("envelope without event"))
	}
	return env, nil
}

func unprocessable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnprocessable, err)
}

// Message is one inbound delivery stripped of transport details.
type Message struct {
	ID            string
	CorrelationID string
	Body          []byte
}
