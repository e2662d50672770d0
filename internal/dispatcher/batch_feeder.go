package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/webqx/vitalq/internal/batch"
	"github.com/webqx/vitalq/internal/queue"
)

// BatchSource hands out pending work for one named operation, at most n
// items per call. An empty slice means nothing is pending right now. Items
// the feeder could not admit are handed back through Return and must be
// offered again on a later Next.
type BatchSource interface {
	Next(ctx context.Context, n int) ([]BatchItem, error)
	Return(items []BatchItem)
}

type BatchItem struct {
	Payload  []byte
	Priority int
	Metadata map[string]string
}

// BatchFeeder periodically assembles batches for one operation, consulting
// the batch manager for the admissible size before every cycle, and admits
// them into the queue. Queue-full rejects stop the cycle early; the source
// sees the remainder again next cycle.
type BatchFeeder struct {
	Operation string
	Source    BatchSource
	Sizes     *batch.Manager
	Queue     *queue.Queue
	Interval  time.Duration
	Logger    *slog.Logger
}

// Run feeds until ctx is cancelled.
func (f *BatchFeeder) Run(ctx context.Context) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := f.Interval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.cycle(ctx, logger)
		}
	}
}

func (f *BatchFeeder) cycle(ctx context.Context, logger *slog.Logger) {
	size := f.Sizes.BatchSize(f.Operation)
	items, err := f.Source.Next(ctx, size)
	if err != nil {
		logger.Warn("batch_source_failed",
			slog.String("operation", f.Operation),
			slog.Any("err", err),
		)
		return
	}

	admitted := 0
	for i, item := range items {
		if _, err := f.Queue.Enqueue(item.Payload, item.Priority, item.Metadata); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				f.Source.Return(items[i:])
				logger.Warn("batch_admission_backpressure",
					slog.String("operation", f.Operation),
					slog.Int("admitted", admitted),
					slog.Int("batch", len(items)),
				)
				return
			}
			logger.Warn("batch_enqueue_rejected",
				slog.String("operation", f.Operation),
				slog.Any("err", err),
			)
			continue
		}
		admitted++
	}
	if admitted > 0 {
		logger.Debug("batch_admitted",
			slog.String("operation", f.Operation),
			slog.Int("size", size),
			slog.Int("admitted", admitted),
		)
	}
}
