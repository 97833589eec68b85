package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kemet/ev-payments/internal/models"
	"github.com/streadway/amqp"
)

const (
	// queue for settlement events (webhook deliveries and reconciler polls)
	SettlementsQueue = "settlements"
)

// handles RabbitMQ operations
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
	logger  *slog.Logger
}

func NewRabbitMQ(uri string, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		SettlementsQueue, // name
		true,             // durable
		false,            // delete when unused
		false,            // exclusive
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare a queue: %w", err)
	}

	return &RabbitMQ{
		conn:    conn,
		channel: ch,
		queue:   q,
		logger:  logger.With("component", "queue"),
	}, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		return err
	}
	return r.conn.Close()
}

// publishes a settlement event to the queue
func (r *RabbitMQ) PublishSettlement(ctx context.Context, event *models.SettlementEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement event: %w", err)
	}

	err = r.channel.Publish(
		"",               // exchange
		SettlementsQueue, // routing key
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent, // survive broker restarts
		})
	if err != nil {
		return fmt.Errorf("failed to publish a message: %w", err)
	}

	return nil
}

// consumes settlement events from the queue
func (r *RabbitMQ) ConsumeSettlements(ctx context.Context) (<-chan models.SettlementEvent, error) {
	msgs, err := r.channel.Consume(
		SettlementsQueue, // queue
		"",               // consumer
		false,            // auto-ack
		false,            // exclusive
		false,            // no-local
		false,            // no-wait
		nil,              // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register a consumer: %w", err)
	}

	eventChan := make(chan models.SettlementEvent)

	go func() {
		defer close(eventChan)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var event models.SettlementEvent
				if err := json.Unmarshal(msg.Body, &event); err != nil {
					r.logger.ErrorContext(ctx, "failed to unmarshal settlement event", "error", err)
					msg.Reject(false) // don't requeue
					continue
				}

				eventChan <- event

				msg.Ack(false)
			}
		}
	}()

	return eventChan, nil
}
