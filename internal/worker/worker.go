package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/journal-pipeline/internal/worker/domain"
	"github.com/cuongbtq/journal-pipeline/shared/rabbitmq"
	"github.com/cuongbtq/journal-pipeline/shared/telemetry"
	"github.com/google/uuid"
)

// Deduplicator remembers message ids that were fully processed
type Deduplicator interface {
	Seen(ctx context.Context, queue, messageID string) (bool, error)
	MarkDone(ctx context.Context, queue, messageID string) error
}

// Config holds worker configuration
type Config struct {
	Logger         *slog.Logger
	RabbitClient   *rabbitmq.Client // owned by this worker; not shared with publishers
	Queue          string
	Handler        domain.Handler
	Concurrency    int
	PrefetchCount  int
	HandlerTimeout time.Duration
	Deduplicator   Deduplicator // optional
	Metrics        *telemetry.Metrics
	WorkerID       string
}

// Worker consumes one queue. A single owner goroutine holds the channel and
// performs every ack and nack; a bounded pool runs the handler.
type Worker struct {
	logger         *slog.Logger
	rabbitClient   *rabbitmq.Client
	queue          string
	handler        domain.Handler
	concurrency    int
	prefetchCount  int
	handlerTimeout time.Duration
	dedup          Deduplicator
	metrics        *telemetry.Metrics
	workerID       string

	settleChan chan domain.Settlement
	ownerDone  chan struct{}
	wg         sync.WaitGroup

	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	finished chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.RabbitClient == nil {
		return nil, errors.New("rabbit client is required")
	}
	if cfg.Queue == "" {
		return nil, rabbitmq.ErrInvalidQueueName
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = fmt.Sprintf("%s-%s", cfg.Queue, uuid.NewString()[:8])
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		logger:         logger.With(slog.String("worker_id", workerID), slog.String("queue", cfg.Queue)),
		rabbitClient:   cfg.RabbitClient,
		queue:          cfg.Queue,
		handler:        cfg.Handler,
		concurrency:    concurrency,
		prefetchCount:  prefetch,
		handlerTimeout: cfg.HandlerTimeout,
		dedup:          cfg.Deduplicator,
		metrics:        cfg.Metrics,
		workerID:       workerID,
		settleChan:     make(chan domain.Settlement),
		ownerDone:      make(chan struct{}),
		stopChan:       make(chan struct{}),
		finished:       make(chan struct{}),
	}, nil
}

// Start subscribes and processes deliveries until ctx is canceled, Stop is
// called, or the broker channel is lost. It returns an error wrapping
// rabbitmq.ErrBrokerUnavailable in the last case.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("worker already started")
	}
	defer close(w.finished)

	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch_count", w.prefetchCount),
		slog.Duration("handler_timeout", w.handlerTimeout),
	)

	sub, err := w.setupConsumer(ctx)
	if err != nil {
		close(w.ownerDone)
		return err
	}

	jobs := make(chan *domain.Message, w.prefetchCount+w.concurrency)

	// handlers outlive the shutdown signal so in-flight work can finish and settle
	w.spawnWorkerPool(context.WithoutCancel(ctx), jobs)

	lost := w.runOwner(ctx, sub, jobs)

	w.shutdown(sub, jobs, lost)

	if lost != nil {
		w.logger.Error("Worker stopped after losing the broker channel",
			slog.Any("error", lost),
		)
		return lost
	}

	w.logger.Info("Worker stopped")
	return nil
}

// Stop gracefully stops the worker and waits for in-flight handlers
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })

	if w.started.Load() {
		<-w.finished
	}
}

// runOwner is the channel owner loop. It returns a non-nil error only when
// the channel was lost.
func (w *Worker) runOwner(ctx context.Context, sub *subscription, jobs chan<- *domain.Message) error {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker context canceled, stopping...")
			return nil

		case <-w.stopChan:
			return nil

		case amqpErr := <-sub.closed:
			return fmt.Errorf("%w: channel closed: %v", rabbitmq.ErrBrokerUnavailable, amqpErr)

		case d, ok := <-sub.deliveries:
			if !ok {
				return fmt.Errorf("%w: delivery channel closed", rabbitmq.ErrBrokerUnavailable)
			}
			w.dispatch(sub, d, jobs)

		case s := <-w.settleChan:
			w.applySettlement(sub, s)
		}
	}
}

// shutdown cancels the consumer, returns undispatched deliveries to the
// queue, and keeps settling until every pool goroutine has exited.
func (w *Worker) shutdown(sub *subscription, jobs chan *domain.Message, lost error) {
	if lost == nil {
		if err := sub.channel.Cancel(w.workerID, false); err != nil {
			w.logger.Warn("Failed to cancel consumer",
				slog.Any("error", err),
			)
		}
		w.requeueBuffered(sub)
	}

	w.releaseQueued(sub, jobs, lost == nil)
	close(jobs)

	poolDone := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(poolDone)
	}()

	for {
		select {
		case s := <-w.settleChan:
			if lost != nil {
				s.Result <- domain.ErrChannelClosed
				continue
			}
			w.applySettlement(sub, s)

		case <-poolDone:
			close(w.ownerDone)
			return
		}
	}
}

// requeueBuffered returns deliveries the client library already buffered
func (w *Worker) requeueBuffered(sub *subscription) {
	for {
		select {
		case d, ok := <-sub.deliveries:
			if !ok {
				return
			}
			if err := sub.channel.Nack(d.DeliveryTag, false, true); err != nil {
				w.logger.Warn("Failed to requeue buffered delivery",
					slog.Uint64("delivery_tag", d.DeliveryTag),
					slog.Any("error", err),
				)
			}
		default:
			return
		}
	}
}

// releaseQueued drains messages no pool goroutine has picked up yet
func (w *Worker) releaseQueued(sub *subscription, jobs chan *domain.Message, requeue bool) {
	for {
		select {
		case msg := <-jobs:
			if !msg.Release() || !requeue {
				continue
			}
			if err := sub.channel.Nack(msg.DeliveryTag, false, true); err != nil {
				w.logger.Warn("Failed to requeue undispatched message",
					slog.Uint64("delivery_tag", msg.DeliveryTag),
					slog.Any("error", err),
				)
			}
		default:
			return
		}
	}
}

// settle is the domain.SettleFunc handed to every message. It blocks until
// the owner has performed the broker call.
func (w *Worker) settle(s domain.Settlement) error {
	s.Result = make(chan error, 1)

	select {
	case w.settleChan <- s:
	case <-w.ownerDone:
		return domain.ErrChannelClosed
	}

	select {
	case err := <-s.Result:
		return err
	case <-w.ownerDone:
		return domain.ErrChannelClosed
	}
}

func (w *Worker) applySettlement(sub *subscription, s domain.Settlement) {
	var err error
	switch s.Outcome {
	case domain.OutcomeAck:
		err = sub.channel.Ack(s.DeliveryTag, false)
	case domain.OutcomeNack:
		err = sub.channel.Nack(s.DeliveryTag, false, s.Requeue)
	default:
		err = fmt.Errorf("unknown settlement outcome %q", s.Outcome)
	}

	if err != nil {
		w.logger.Error("Failed to settle delivery",
			slog.String("outcome", string(s.Outcome)),
			slog.Uint64("delivery_tag", s.DeliveryTag),
			slog.Any("error", err),
		)
	} else {
		w.metrics.DeliverySettled(context.Background(), w.queue, string(s.Outcome))
	}

	s.Result <- err
}
