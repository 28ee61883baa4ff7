package workers

import (
	"context"
	"fmt"
	"time"

	"warehouse-overwatch/pkg/metrics"
	"warehouse-overwatch/pkg/shared"
	"warehouse-overwatch/pkg/store"
)

type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, snap store.Snapshot) error
}

// CacheFlushWorker periodically writes the store's contents to the local
// warm-start cache.
type CacheFlushWorker struct {
	*BaseWorker
	snapshot func() store.Snapshot
	saver    SnapshotSaver
}

func NewCacheFlushWorker(interval time.Duration, snapshot func() store.Snapshot, saver SnapshotSaver, m *metrics.Metrics, logger shared.Logger) *CacheFlushWorker {
	return &CacheFlushWorker{
		BaseWorker: NewBaseWorker("CacheFlushWorker", interval, m, logger),
		snapshot:   snapshot,
		saver:      saver,
	}
}

func (w *CacheFlushWorker) Start(ctx context.Context) error {
	return w.runEvery(ctx, w.Flush)
}

// Flush writes one snapshot now.
func (w *CacheFlushWorker) Flush(ctx context.Context) error {
	if err := w.saver.SaveSnapshot(ctx, w.snapshot()); err != nil {
		w.metrics.CacheFlushError()
		return fmt.Errorf("failed to flush view cache: %w", err)
	}
	return nil
}
