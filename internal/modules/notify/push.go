// README: FCM push for ride offers; drivers subscribe their devices to topic driver-<id>.
package notify

import (
	"context"
	"fmt"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/goccy/go-json"
)

const offerTTL = 30 * time.Second

type messagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type Push struct {
	client messagingClient
}

func NewPush(client *messaging.Client) *Push {
	return &Push{client: client}
}

// Emit only forwards offers addressed to a driver; anything else is a no-op.
func (p *Push) Emit(ctx context.Context, target Target, event string, payload any) error {
	if event != EventOffer || target.Kind != KindDriver {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ttl := offerTTL
	_, err = p.client.Send(ctx, &messaging.Message{
		Topic: "driver-" + target.ID,
		Data: map[string]string{
			"event":   event,
			"payload": string(data),
		},
		Notification: &messaging.Notification{
			Title: "New ride request",
			Body:  "A passenger nearby is looking for a driver.",
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	})
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}
