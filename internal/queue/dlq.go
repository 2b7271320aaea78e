package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DeadLetterQueueName    = "billing_events_dlq"
	DeadLetterExchangeName = "billing_dlq"
	RetryQueueName         = "billing_events_retry"
	MaxRetries             = 5

	headerRetryCount    = "x-retry-count"
	headerFailureReason = "x-failure-reason"
	headerFailedAt      = "x-failed-at"
)

type disposition int

const (
	dispositionAck disposition = iota
	dispositionRetry
	dispositionDeadLetter
)

// dispositionFor decides what happens to a message after its handler ran.
// Only provider outages and unexpected storage failures are retried; caller
// mistakes (validation, unknown account, bad signature) never succeed on retry.
func dispositionFor(err error, attempt int) disposition {
	if err == nil {
		return dispositionAck
	}
	if !apperr.Retryable(err) && !apperr.Is(err, apperr.CodeInternal) {
		return dispositionDeadLetter
	}
	if attempt >= MaxRetries {
		return dispositionDeadLetter
	}
	return dispositionRetry
}

// retryCount reads the attempt counter set by PublishToRetryQueue
func retryCount(headers amqp.Table) int {
	switch v := headers[headerRetryCount].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// SetupDeadLetterQueue sets up the dead letter queue infrastructure
func (q *Queue) SetupDeadLetterQueue() error {
	// Declare dead letter exchange
	err := q.channel.ExchangeDeclare(
		DeadLetterExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}

	// Declare dead letter queue
	_, err = q.channel.QueueDeclare(
		DeadLetterQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	err = q.channel.QueueBind(
		DeadLetterQueueName,
		DeadLetterQueueName,
		DeadLetterExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}

	// Expired retry messages flow back to the main queue
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    ExchangeName,
		"x-dead-letter-routing-key": BillingQueueName,
	}

	_, err = q.channel.QueueDeclare(
		RetryQueueName,
		true,
		false,
		false,
		false,
		retryArgs,
	)
	if err != nil {
		return fmt.Errorf("failed to declare retry queue: %w", err)
	}

	q.logger.Info("Dead letter queue infrastructure set up successfully")
	return nil
}

// PublishToRetryQueue parks an event on the retry queue with exponential
// backoff. After MaxRetries it goes to the dead letter queue instead.
func (q *Queue) PublishToRetryQueue(ctx context.Context, event *models.BillingEvent, attempt int) error {
	if attempt >= MaxRetries {
		return q.PublishToDeadLetterQueue(ctx, event, "max retries exceeded")
	}

	delay := calculateBackoffDelay(attempt)
	headers := amqp.Table{headerRetryCount: int32(attempt + 1)}
	if err := q.publish(ctx, "", RetryQueueName, event, headers, fmt.Sprintf("%d", delay.Milliseconds())); err != nil {
		return fmt.Errorf("failed to publish to retry queue: %w", err)
	}

	q.logger.WithEventID(event.ID).Infof("billing event queued for retry #%d in %v", attempt+1, delay)
	return nil
}

// PublishToDeadLetterQueue publishes a failed event to the dead letter queue
func (q *Queue) PublishToDeadLetterQueue(ctx context.Context, event *models.BillingEvent, reason string) error {
	headers := amqp.Table{
		headerFailureReason: reason,
		headerFailedAt:      time.Now().Format(time.RFC3339),
	}
	if err := q.publish(ctx, DeadLetterExchangeName, DeadLetterQueueName, event, headers, ""); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	q.logger.WithEventID(event.ID).Warnf("billing event moved to dead letter queue: %s", reason)
	return nil
}

// ConsumeDLQ consumes dead-lettered events for manual processing
func (q *Queue) ConsumeDLQ(ctx context.Context, handler func(*models.BillingEvent, string) error) error {
	msgs, err := q.channel.Consume(
		DeadLetterQueueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register DLQ consumer: %w", err)
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

				var event models.BillingEvent
				if err := json.Unmarshal(msg.Body, &event); err != nil {
					msg.Nack(false, false)
					continue
				}

				reason, _ := msg.Headers[headerFailureReason].(string)
				if err := handler(&event, reason); err != nil {
					msg.Nack(false, true)
				} else {
					msg.Ack(false)
				}
			}
		}
	}()

	return nil
}

// RetryFromDLQ puts a dead-lettered event back on the main queue
func (q *Queue) RetryFromDLQ(ctx context.Context, event *models.BillingEvent) error {
	return q.PublishBillingEvent(ctx, event)
}

// calculateBackoffDelay calculates exponential backoff delay
func calculateBackoffDelay(retryCount int) time.Duration {
	// 10s, 20s, 40s, 80s, 160s
	baseDelay := 10 * time.Second
	delay := baseDelay * (1 << retryCount)

	if delay > 10*time.Minute {
		delay = 10 * time.Minute
	}

	return delay
}

// DLQDepth returns the number of messages in the dead letter queue
func (q *Queue) DLQDepth() (int, error) {
	info, err := q.channel.QueueInspect(DeadLetterQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect DLQ: %w", err)
	}

	return info.Messages, nil
}
