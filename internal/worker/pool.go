package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/journal-pipeline/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context, jobs <-chan *domain.Message) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i, jobs)
	}
}

// workerLoop processes messages until jobs is closed
func (w *Worker) workerLoop(ctx context.Context, workerNum int, jobs <-chan *domain.Message) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for msg := range jobs {
		if !msg.MarkDispatched() {
			// released by the owner during shutdown
			continue
		}
		w.processMessage(ctx, workerName, msg)
	}

	w.logger.Debug("Worker goroutine stopping - jobs closed",
		slog.String("worker_name", workerName),
	)
}
