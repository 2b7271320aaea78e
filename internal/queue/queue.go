package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linolazarous/app/internal/config"
	"github.com/linolazarous/app/internal/logging"
	"github.com/linolazarous/app/internal/metrics"
	"github.com/linolazarous/app/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	BillingQueueName = "billing_events"
	ExchangeName     = "billing"
)

// Handler processes one billing event taken off the queue
type Handler func(ctx context.Context, event *models.BillingEvent) error

// Queue provides message queue operations
type Queue struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	prefetch int
	logger   *logging.Logger
}

// New creates a new queue client
func New(cfg config.QueueConfig, logger *logging.Logger) (*Queue, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	err = channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Declare queue
	_, err = channel.QueueDeclare(
		BillingQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	err = channel.QueueBind(
		BillingQueueName,
		BillingQueueName,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	return &Queue{
		conn:     conn,
		channel:  channel,
		prefetch: prefetch,
		logger:   logger.WithComponent("queue"),
	}, nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// PublishBillingEvent publishes a verified billing event for the worker
func (q *Queue) PublishBillingEvent(ctx context.Context, event *models.BillingEvent) error {
	return q.publish(ctx, ExchangeName, BillingQueueName, event, amqp.Table{headerRetryCount: int32(0)}, "")
}

func (q *Queue) publish(ctx context.Context, exchange, key string, event *models.BillingEvent, headers amqp.Table, expiration string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal billing event: %w", err)
	}

	err = q.channel.PublishWithContext(ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    event.ID,
			Body:         body,
			Timestamp:    time.Now(),
			Headers:      headers,
			Expiration:   expiration,
		},
	)
	if err != nil {
		metrics.RecordQueueMessage(key, "publish", "error")
		return fmt.Errorf("failed to publish billing event: %w", err)
	}

	metrics.RecordQueueMessage(key, "publish", "success")
	return nil
}

// ConsumeBillingEvents starts consuming billing events. Failed events are
// retried with backoff and moved to the dead letter queue once they run out
// of attempts or can never succeed.
func (q *Queue) ConsumeBillingEvents(ctx context.Context, handler Handler) error {
	// Set QoS to limit concurrent processing
	err := q.channel.Qos(
		q.prefetch, // prefetch count
		0,          // prefetch size
		false,      // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		BillingQueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				q.handleDelivery(ctx, msg, handler)
			}
		}
	}()

	return nil
}

func (q *Queue) handleDelivery(ctx context.Context, msg amqp.Delivery, handler Handler) {
	var event models.BillingEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		metrics.RecordQueueMessage(BillingQueueName, "consume", "malformed")
		q.logger.WithError(err).Error("dropping undecodable billing message")
		msg.Nack(false, false)
		return
	}

	attempt := retryCount(msg.Headers)
	err := handler(ctx, &event)
	switch dispositionFor(err, attempt) {
	case dispositionAck:
		metrics.RecordQueueMessage(BillingQueueName, "consume", "success")
		msg.Ack(false)
	case dispositionRetry:
		metrics.RecordQueueMessage(BillingQueueName, "consume", "retry")
		if perr := q.PublishToRetryQueue(ctx, &event, attempt); perr != nil {
			q.logger.WithEventID(event.ID).WithError(perr).Error("failed to schedule retry")
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
	case dispositionDeadLetter:
		metrics.RecordQueueMessage(BillingQueueName, "consume", "dead_letter")
		if perr := q.PublishToDeadLetterQueue(ctx, &event, err.Error()); perr != nil {
			q.logger.WithEventID(event.ID).WithError(perr).Error("failed to dead-letter billing event")
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
	}
}

// QueueDepth returns the number of messages in the queue
func (q *Queue) QueueDepth() (int, error) {
	info, err := q.channel.QueueInspect(BillingQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}
