package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/journal-pipeline/shared/telemetry"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const contentTypeJSON = "application/json"

// PublishResult describes a message handed to the broker
type PublishResult struct {
	Queue       string
	MessageID   string
	BodySize    int
	PublishedAt time.Time
}

// Publisher sends JSON envelopes to named queues through the default exchange.
// Publishes are fire-and-forget: a nil error means the frame was written, not
// that the broker persisted it. Safe for concurrent use.
type Publisher struct {
	client  *Client
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewPublisher creates a publisher on client. metrics may be nil.
func NewPublisher(client *Client, logger *slog.Logger, metrics *telemetry.Metrics) *Publisher {
	return &Publisher{
		client:  client,
		logger:  logger,
		metrics: metrics,
	}
}

// Publish serializes envelope and publishes it to queue as a persistent message
func (p *Publisher) Publish(ctx context.Context, queue string, envelope any) (*PublishResult, error) {
	msg, err := p.build(queue, envelope)
	if err != nil {
		return nil, err
	}

	return p.send(ctx, queue, msg)
}

// PublishWithRetry publishes with exponential backoff between attempts.
// Validation errors are never retried. Every attempt carries the same message id.
func (p *Publisher) PublishWithRetry(ctx context.Context, queue string, envelope any) (*PublishResult, error) {
	msg, err := p.build(queue, envelope)
	if err != nil {
		return nil, err
	}

	cfg := p.client.config

	maxRetries := cfg.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3 // default
	}

	baseDelay := cfg.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond // default
	}

	backoffMult := cfg.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0 // default
	}

	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := p.send(ctx, queue, msg)
		if err == nil {
			if attempt > 0 {
				p.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.String("queue", queue),
					slog.String("message_id", msg.MessageId),
				)
			}
			return result, nil
		}

		lastErr = err

		if attempt < maxRetries {
			p.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrPublishFailed, ctx.Err())
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * backoffMult)
		}
	}

	p.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.String("queue", queue),
		slog.Any("error", lastErr),
	)
	return nil, fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

func (p *Publisher) build(queue string, envelope any) (amqp.Publishing, error) {
	if queue == "" {
		return amqp.Publishing{}, ErrInvalidQueueName
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("%w: %v", ErrUnserializable, err)
	}

	return amqp.Publishing{
		ContentType:  contentTypeJSON,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (p *Publisher) send(ctx context.Context, queue string, msg amqp.Publishing) (*PublishResult, error) {
	if err := p.client.publish(ctx, queue, msg); err != nil {
		p.metrics.PublishFailed(ctx, queue)
		p.logger.Error("Failed to publish message to RabbitMQ",
			slog.String("queue", queue),
			slog.String("message_id", msg.MessageId),
			slog.Any("error", err),
		)
		if !errors.Is(err, ErrPublishFailed) && !errors.Is(err, ErrBrokerUnavailable) {
			err = fmt.Errorf("%w: %v", ErrPublishFailed, err)
		}
		return nil, err
	}

	p.metrics.MessagePublished(ctx, queue)
	p.logger.Debug("Message published to RabbitMQ",
		slog.String("queue", queue),
		slog.String("message_id", msg.MessageId),
		slog.Int("body_size", len(msg.Body)),
	)

	return &PublishResult{
		Queue:       queue,
		MessageID:   msg.MessageId,
		BodySize:    len(msg.Body),
		PublishedAt: msg.Timestamp,
	}, nil
}
