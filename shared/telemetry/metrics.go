package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "journal-pipeline"

// Metrics holds the pipeline's metric instruments.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	deliveriesReceived  metric.Int64Counter
	deliveriesSettled   metric.Int64Counter
	messagesPublished   metric.Int64Counter
	publishFailures     metric.Int64Counter
	deadLettersReplayed metric.Int64Counter

	handlerDuration metric.Float64Histogram
}

// NewMetrics creates instruments on the global meter provider
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates instruments on meter
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.deliveriesReceived, err = meter.Int64Counter(
		"pipeline.deliveries.received",
		metric.WithDescription("Deliveries received from the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveriesReceived counter: %w", err)
	}

	m.deliveriesSettled, err = meter.Int64Counter(
		"pipeline.deliveries.settled",
		metric.WithDescription("Deliveries settled by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveriesSettled counter: %w", err)
	}

	m.messagesPublished, err = meter.Int64Counter(
		"pipeline.messages.published",
		metric.WithDescription("Messages published to the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPublished counter: %w", err)
	}

	m.publishFailures, err = meter.Int64Counter(
		"pipeline.messages.publish_failures",
		metric.WithDescription("Publishes that returned an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishFailures counter: %w", err)
	}

	m.deadLettersReplayed, err = meter.Int64Counter(
		"pipeline.dead_letters.replayed",
		metric.WithDescription("Messages moved from a dead-letter queue back to its primary queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deadLettersReplayed counter: %w", err)
	}

	m.handlerDuration, err = meter.Float64Histogram(
		"pipeline.handler.duration",
		metric.WithDescription("Stage handler duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handlerDuration histogram: %w", err)
	}

	return m, nil
}

// DeliveryReceived records a delivery taken off queue
func (m *Metrics) DeliveryReceived(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.deliveriesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// DeliverySettled records an ack or nack
func (m *Metrics) DeliverySettled(ctx context.Context, queue, outcome string) {
	if m == nil {
		return
	}
	m.deliveriesSettled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	))
}

// HandlerDuration records how long a handler ran
func (m *Metrics) HandlerDuration(ctx context.Context, queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("queue", queue)))
}

// MessagePublished records a successful publish
func (m *Metrics) MessagePublished(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// PublishFailed records a failed publish
func (m *Metrics) PublishFailed(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.publishFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// DeadLettersReplayed records n messages replayed from queue's dead-letter queue
func (m *Metrics) DeadLettersReplayed(ctx context.Context, queue string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deadLettersReplayed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("queue", queue)))
}
