package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/journal-pipeline/internal/worker/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/cuongbtq/journal-pipeline/internal/worker")

// processMessage validates, deduplicates and runs the handler for one message,
// then settles it if the handler did not.
func (w *Worker) processMessage(ctx context.Context, workerName string, msg *domain.Message) {
	ctx, span := tracer.Start(ctx, "pipeline.handle "+w.queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", w.queue),
			attribute.String("messaging.message_id", msg.MessageID),
			attribute.Bool("messaging.rabbitmq.redelivered", msg.Redelivered),
		),
	)
	defer span.End()

	logger := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("message_id", msg.MessageID),
		slog.Uint64("delivery_tag", msg.DeliveryTag),
	)

	var envelope map[string]json.RawMessage
	if err := msg.Decode(&envelope); err != nil {
		logger.Error("Rejecting malformed message",
			slog.Any("error", err),
			slog.Int("body_size", len(msg.Body)),
		)
		span.SetStatus(codes.Error, err.Error())
		w.nack(logger, msg)
		return
	}

	if w.alreadyDone(ctx, logger, msg) {
		logger.Info("Skipping message already processed")
		if err := msg.Ack(); err != nil {
			logger.Error("Failed to ACK duplicate message", slog.Any("error", err))
		}
		return
	}

	start := time.Now()
	err := w.runHandler(ctx, msg)
	elapsed := time.Since(start)
	w.metrics.HandlerDuration(ctx, w.queue, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Message processing failed",
			slog.Duration("duration", elapsed),
			slog.Any("error", err),
		)
		w.nack(logger, msg)
		return
	}

	if !msg.Settled() {
		if ackErr := msg.Ack(); ackErr != nil && !errors.Is(ackErr, domain.ErrAlreadySettled) {
			logger.Error("Failed to ACK message", slog.Any("error", ackErr))
			return
		}
	}

	if msg.State() == domain.StateAcked {
		w.markDone(ctx, logger, msg)
	}

	logger.Info("Message processed",
		slog.Duration("duration", elapsed),
	)
}

// runHandler invokes the handler with the configured time budget and turns a
// panic into an error. A handler that overruns keeps running in the background
// but can no longer settle the message.
func (w *Worker) runHandler(ctx context.Context, msg *domain.Message) error {
	handlerCtx := ctx
	var cancel context.CancelFunc = func() {}
	if w.handlerTimeout > 0 {
		handlerCtx, cancel = context.WithTimeout(ctx, w.handlerTimeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", domain.ErrHandlerPanic, r)
			}
		}()
		done <- w.handler(handlerCtx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-handlerCtx.Done():
		select {
		case err := <-done:
			// finished at the deadline
			return err
		default:
		}
		return fmt.Errorf("%w after %s", domain.ErrHandlerTimeout, w.handlerTimeout)
	}
}

func (w *Worker) nack(logger *slog.Logger, msg *domain.Message) {
	if err := msg.Nack(); err != nil {
		if errors.Is(err, domain.ErrAlreadySettled) {
			logger.Debug("Message already settled by handler",
				slog.String("state", msg.State().String()),
			)
			return
		}
		logger.Error("Failed to NACK message", slog.Any("error", err))
		return
	}
	logger.Warn("Message NACKed to dead-letter queue")
}

func (w *Worker) alreadyDone(ctx context.Context, logger *slog.Logger, msg *domain.Message) bool {
	if w.dedup == nil || msg.MessageID == "" {
		return false
	}

	seen, err := w.dedup.Seen(ctx, w.queue, msg.MessageID)
	if err != nil {
		// fall through to processing; handlers are idempotent
		logger.Warn("Dedup lookup failed", slog.Any("error", err))
		return false
	}
	return seen
}

func (w *Worker) markDone(ctx context.Context, logger *slog.Logger, msg *domain.Message) {
	if w.dedup == nil || msg.MessageID == "" {
		return
	}
	if err := w.dedup.MarkDone(ctx, w.queue, msg.MessageID); err != nil {
		logger.Warn("Failed to record processed message", slog.Any("error", err))
	}
}
