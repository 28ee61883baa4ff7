package workers

import (
	"context"
	"log"
	"time"

	"warehouse-overwatch/pkg/metrics"
	"warehouse-overwatch/pkg/shared"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
}

type BaseWorker struct {
	name     string
	interval time.Duration
	metrics  *metrics.Metrics
	logger   shared.Logger
}

func NewBaseWorker(name string, interval time.Duration, m *metrics.Metrics, logger shared.Logger) *BaseWorker {
	if logger == nil {
		logger = log.Default()
	}
	return &BaseWorker{
		name:     name,
		interval: interval,
		metrics:  m,
		logger:   logger,
	}
}

func (w *BaseWorker) Name() string {
	return w.name
}

func (w *BaseWorker) Interval() time.Duration {
	return w.interval
}

func (w *BaseWorker) Stop() error {
	return nil
}

// runEvery calls tick once immediately and then every interval until ctx is
// done. A failed tick is logged and counted; the next tick simply tries again.
func (w *BaseWorker) runEvery(ctx context.Context, tick func(ctx context.Context) error) error {
	if w.interval <= 0 {
		w.logger.Printf("[%s] Worker disabled", w.name)
		return nil
	}

	w.logger.Printf("[%s] Starting worker, interval %s", w.name, w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := tick(ctx); err != nil && ctx.Err() == nil {
			w.logger.Printf("[%s] Tick failed: %v", w.name, err)
			w.metrics.PollError(w.name)
		}

		select {
		case <-ctx.Done():
			w.logger.Printf("[%s] Worker stopping", w.name)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
