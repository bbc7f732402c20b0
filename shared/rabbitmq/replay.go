package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

const headerDeath = "x-death"

// ReplayDeadLetters moves up to max messages from <queue>-dlq back to queue.
// Each message is republished before its dead-letter copy is acked, so a crash
// in between duplicates rather than loses it. max <= 0 drains the queue.
func ReplayDeadLetters(ctx context.Context, client *Client, queue string, max int, logger *slog.Logger) (int, error) {
	if queue == "" {
		return 0, ErrInvalidQueueName
	}

	dlq := DeadLetterQueue(queue)
	replayed := 0

	err := client.WithChannel(ctx, func(ch Channel) error {
		if err := EnsureDeadLetterPair(ch, queue); err != nil {
			return err
		}
		if err := DeclarePrimaryQueue(ch, queue, client.config.DeadLetter); err != nil {
			return err
		}

		for max <= 0 || replayed < max {
			if err := ctx.Err(); err != nil {
				return err
			}

			d, ok, err := ch.Get(dlq, false)
			if err != nil {
				return fmt.Errorf("failed to get from %s: %w", dlq, err)
			}
			if !ok {
				return nil
			}

			msg := amqp.Publishing{
				Headers:      stripDeathHeaders(d.Headers),
				ContentType:  d.ContentType,
				DeliveryMode: amqp.Persistent,
				MessageId:    d.MessageId,
				Timestamp:    d.Timestamp,
				Body:         d.Body,
			}

			if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
				if nackErr := ch.Nack(d.DeliveryTag, false, true); nackErr != nil {
					logger.Error("Failed to return dead letter",
						slog.String("queue", dlq),
						slog.Any("error", nackErr),
					)
				}
				return fmt.Errorf("%w: %v", ErrPublishFailed, err)
			}

			if err := ch.Ack(d.DeliveryTag, false); err != nil {
				return fmt.Errorf("failed to ack dead letter: %w", err)
			}

			replayed++
			logger.Debug("Dead letter replayed",
				slog.String("queue", queue),
				slog.String("message_id", d.MessageId),
			)
		}
		return nil
	})

	logger.Info("Dead-letter replay finished",
		slog.String("queue", queue),
		slog.Int("replayed", replayed),
	)

	return replayed, err
}

func stripDeathHeaders(h amqp.Table) amqp.Table {
	if len(h) == 0 {
		return nil
	}
	out := make(amqp.Table, len(h))
	for k, v := range h {
		if k == headerDeath || k == "x-first-death-exchange" || k == "x-first-death-queue" || k == "x-first-death-reason" {
			continue
		}
		out[k] = v
	}
	return out
}
