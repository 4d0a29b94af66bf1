package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

const notificationContentType = "application/json"

// AMQPClient is the subset of the RabbitMQ client used for notifications.
type AMQPClient interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

type notification struct {
	JobID string `json:"job_id"`
}

// RabbitNotifier publishes job ids to RabbitMQ and turns deliveries back
// into Delivery values.
type RabbitNotifier struct {
	client   AMQPClient
	prefetch int
	logger   *slog.Logger
}

// NewRabbitNotifier creates a notifier over client.
func NewRabbitNotifier(client AMQPClient, prefetch int, logger *slog.Logger) *RabbitNotifier {
	return &RabbitNotifier{client: client, prefetch: prefetch, logger: logger}
}

func (n *RabbitNotifier) Notify(ctx context.Context, jobID string) error {
	body, err := json.Marshal(notification{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return n.client.PublishWithRetry(ctx, body, notificationContentType)
}

// Subscribe consumes notifications until ctx is done or the broker closes
// the delivery channel. Malformed messages are rejected without requeue.
func (n *RabbitNotifier) Subscribe(ctx context.Context, consumerTag string) (<-chan Delivery, error) {
	deliveries, err := n.client.Consume(consumerTag, n.prefetch)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					n.logger.Warn("RabbitMQ delivery channel closed")
					return
				}

				var msg notification
				if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" {
					n.logger.Error("Failed to parse job notification",
						slog.Any("error", err),
						slog.String("body", string(d.Body)),
					)
					if nackErr := d.Nack(false, false); nackErr != nil {
						n.logger.Error("Failed to NACK malformed message", slog.Any("error", nackErr))
					}
					continue
				}

				delivery := d
				select {
				case out <- NewDelivery(msg.JobID, func() error { return delivery.Ack(false) }):
				case <-ctx.Done():
					// hand the message back for another consumer
					if nackErr := delivery.Nack(false, true); nackErr != nil {
						n.logger.Error("Failed to NACK message on shutdown", slog.Any("error", nackErr))
					}
					return
				}
			}
		}
	}()
	return out, nil
}
