package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/journal-pipeline/internal/worker/domain"
	"github.com/cuongbtq/journal-pipeline/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// subscription is the consumer state owned by the owner goroutine
type subscription struct {
	channel    rabbitmq.Channel
	deliveries <-chan amqp.Delivery
	closed     <-chan *amqp.Error
}

// setupConsumer declares the queue with its dead-letter pair, sets QoS and starts consuming
func (w *Worker) setupConsumer(ctx context.Context) (*subscription, error) {
	if err := w.rabbitClient.DeclareQueue(ctx, w.queue); err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	channel, err := w.rabbitClient.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}

	// prefetch_count: unacknowledged messages the broker pushes before waiting
	// global: false means per-consumer
	if err := channel.Qos(
		w.prefetchCount, // prefetch count
		0,               // prefetch size
		false,           // global
	); err != nil {
		return nil, fmt.Errorf("%w: failed to set QoS: %v", rabbitmq.ErrBrokerUnavailable, err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := channel.Consume(
		w.queue,    // queue
		w.workerID, // consumer tag
		false,      // auto-ack
		false,      // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to start consuming: %v", rabbitmq.ErrBrokerUnavailable, err)
	}

	closed := w.rabbitClient.NotifyClose()
	if closed == nil {
		return nil, fmt.Errorf("%w: channel closed during setup", rabbitmq.ErrBrokerUnavailable)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
	)

	return &subscription{
		channel:    channel,
		deliveries: deliveries,
		closed:     closed,
	}, nil
}

// dispatch hands a delivery to the pool. It never blocks: a full pool returns
// the delivery to the queue.
func (w *Worker) dispatch(sub *subscription, d amqp.Delivery, jobs chan<- *domain.Message) {
	msg := domain.NewMessage(w.queue, d.DeliveryTag, d.Body, w.settle)
	msg.MessageID = d.MessageId
	msg.Redelivered = d.Redelivered

	w.metrics.DeliveryReceived(context.Background(), w.queue)

	select {
	case jobs <- msg:
		w.logger.Debug("Message dispatched to worker pool",
			slog.String("message_id", msg.MessageID),
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Bool("redelivered", d.Redelivered),
		)
	default:
		w.logger.Warn("Worker pool saturated, requeueing delivery",
			slog.String("message_id", msg.MessageID),
			slog.Uint64("delivery_tag", d.DeliveryTag),
		)
		msg.Release()
		if err := sub.channel.Nack(d.DeliveryTag, false, true); err != nil {
			w.logger.Error("Failed to requeue delivery",
				slog.Uint64("delivery_tag", d.DeliveryTag),
				slog.Any("error", err),
			)
		}
	}
}
