// Package notify publishes build status changes to AMQP.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/buildfarm/internal/amqputil"
	"github.com/k11v/buildfarm/internal/build"
)

const QueueName = "build.status_changed"

var _ build.Notifier = (*Publisher)(nil)

type Publisher struct {
	client *amqputil.Client
}

func NewPublisher(connectionString string) *Publisher {
	return &Publisher{client: NewClient(connectionString)}
}

// NewClient returns a client bound to the durable status change queue.
func NewClient(connectionString string) *amqputil.Client {
	return amqputil.NewClient(connectionString, &amqputil.QueueDeclareParams{
		Name:    QueueName,
		Durable: true,
	})
}

func (p *Publisher) NotifyStatusChanged(ctx context.Context, change *build.StatusChange) error {
	body, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("notify.Publisher: %w", err)
	}

	err = p.client.Publish(ctx, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    fmt.Sprintf("%s:%s", change.Cookie, change.To),
		Timestamp:    change.At,
		Type:         "build.status_changed",
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("notify.Publisher: %w", err)
	}

	return nil
}
