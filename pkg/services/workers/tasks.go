package workers

import (
	"context"
	"fmt"
	"time"

	"warehouse-overwatch/pkg/metrics"
	"warehouse-overwatch/pkg/shared"
)

type TaskFetcher interface {
	ListTasks(ctx context.Context) ([]shared.Record, error)
}

type TaskApplier interface {
	ApplyTaskPoll(tasks []shared.Record)
}

// TaskPollWorker is the slow poll for task status.
type TaskPollWorker struct {
	*BaseWorker
	fetcher TaskFetcher
	applier TaskApplier
}

func NewTaskPollWorker(interval time.Duration, fetcher TaskFetcher, applier TaskApplier, m *metrics.Metrics, logger shared.Logger) *TaskPollWorker {
	return &TaskPollWorker{
		BaseWorker: NewBaseWorker("TaskPollWorker", interval, m, logger),
		fetcher:    fetcher,
		applier:    applier,
	}
}

func (w *TaskPollWorker) Start(ctx context.Context) error {
	return w.runEvery(ctx, func(ctx context.Context) error {
		tasks, err := w.fetcher.ListTasks(ctx)
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.applier.ApplyTaskPoll(tasks)
		return nil
	})
}
