// README: Idempotent consumer: ledger claim and handler share one unit of work; outcome decides ack, requeue or reject.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"

	"ridecore/internal/infra"
	"ridecore/internal/logging"
)

// Handler applies one event's data. Errors wrapping ErrUnprocessable are
// permanent; any other error requeues the delivery.
type Handler func(ctx context.Context, data json.RawMessage) error

type Outcome int

const (
	Ack Outcome = iota
	Requeue
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	default:
		return "reject"
	}
}

type Consumer struct {
	tx     infra.TxRunner
	ledger Ledger
	log    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewConsumer(tx infra.TxRunner, ledger Ledger, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{tx: tx, ledger: ledger, log: log, handlers: map[string]Handler{}}
}

func (c *Consumer) Register(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// Handle processes msg at most once per message id.
func (c *Consumer) Handle(ctx context.Context, msg Message) Outcome {
	corrID := msg.CorrelationID
	if corrID == "" {
		corrID = logging.NewCorrelationID()
	}
	log := c.log.With(slog.String("message_id", msg.ID), slog.String("correlation_id", corrID))
	ctx = logging.WithLogger(logging.WithCorrelationID(ctx, corrID), log)

	if msg.ID == "" {
		log.Warn("message without id rejected")
		return Reject
	}
	env, err := Decode(msg.Body)
	if err != nil {
		log.Warn("malformed message rejected", slog.String("error", err.Error()))
		return Reject
	}
	log = log.With(slog.String("event", env.Event))
	ctx = logging.WithLogger(ctx, log)

	c.mu.RLock()
	h, ok := c.handlers[env.Event]
	c.mu.RUnlock()
	if !ok {
		log.Info("no handler for event, dropped")
		return Ack
	}

	err = c.tx.InTx(ctx, func(ctx context.Context) error {
		claimed, err := c.ledger.Claim(ctx, msg.ID, env.Event)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrDuplicate
		}
		return h(ctx, env.Data)
	})
	switch {
	case err == nil:
		log.Debug("event applied")
		return Ack
	case errors.Is(err, ErrDuplicate):
		log.Info("duplicate delivery skipped")
		return Ack
	case errors.Is(err, ErrUnprocessable):
		log.Warn("event rejected", slog.String("error", err.Error()))
		return Reject
	default:
		log.Error("event failed, requeueing", slog.String("error", err.Error()))
		return Requeue
	}
}

// Deliver adapts Handle to an AMQP delivery and settles it.
func (c *Consumer) Deliver(d amqp.Delivery) {
	msg := Message{ID: d.MessageId, CorrelationID: d.CorrelationId, Body: d.Body}
	if msg.CorrelationID == "" {
		if v, ok := d.Headers[HeaderCorrelation].(string); ok {
			msg.CorrelationID = v
		}
	}
	var err error
	switch c.Handle(context.Background(), msg) {
	case Ack:
		err = d.Ack(false)
	case Requeue:
		err = d.Nack(false, true)
	default:
		err = d.Reject(false)
	}
	if err != nil {
		c.log.Warn("settle delivery failed", slog.String("message_id", d.MessageId), slog.String("error", err.Error()))
	}
}
