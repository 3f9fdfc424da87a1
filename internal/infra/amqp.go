// README: RabbitMQ connection with connect retry, publish with timeout and manual-ack consumers.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	brokerMaxRetries     = 10
	brokerPublishTimeout = 5 * time.Second
	brokerPrefetch       = 10
)

var ErrBrokerUnavailable = errors.New("rabbitmq channel not available")

type Broker struct {
	url    string
	log    *slog.Logger
	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

// NewBroker dials RabbitMQ, retrying with a growing delay capped at 30s.
func NewBroker(ctx context.Context, url string, log *slog.Logger) (*Broker, error) {
	b := &Broker{url: url, log: log}
	delay := time.Second
	for attempt := 1; attempt <= brokerMaxRetries; attempt++ {
		err := b.connect()
		if err == nil {
			log.Info("rabbitmq connected", slog.Int("attempt", attempt))
			return b, nil
		}
		log.Warn("rabbitmq connect failed",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		if attempt == brokerMaxRetries {
			return nil, fmt.Errorf("connect rabbitmq after %d attempts: %w", brokerMaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * 1.5)
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
	return nil, errors.New("rabbitmq retry loop ended without a connection")
}

func (b *Broker) connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(brokerPrefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}
	b.mu.Lock()
	b.conn = conn
	b.ch = ch
	b.mu.Unlock()
	return nil
}

func (b *Broker) Channel() *amqp.Channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ch
}

// Publish sends msg as a persistent delivery unless the caller set a mode.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch := b.Channel()
	if ch == nil {
		return ErrBrokerUnavailable
	}
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	pctx, cancel := context.WithTimeout(ctx, brokerPublishTimeout)
	defer cancel()
	return ch.PublishWithContext(pctx, exchange, routingKey, false, false, msg)
}

// Consume delivers messages from queue to handler on one goroutine until ctx
// ends or the channel closes. Acknowledgement is the handler's job.
func (b *Broker) Consume(ctx context.Context, queue, consumer string, handler func(amqp.Delivery)) error {
	ch := b.Channel()
	if ch == nil {
		return ErrBrokerUnavailable
	}
	msgs, err := ch.Consume(queue, consumer, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	b.log.Info("consumer started", slog.String("queue", queue))
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					b.log.Info("consumer stopped", slog.String("queue", queue))
					return
				}
				handler(msg)
			}
		}
	}()
	return nil
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.log.Info("rabbitmq closed")
}
