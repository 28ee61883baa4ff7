package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"warehouse-overwatch/pkg/metrics"
	"warehouse-overwatch/pkg/shared"
)

type FleetFetcher interface {
	ListRobots(ctx context.Context) ([]shared.Record, error)
	ListShelves(ctx context.Context) ([]shared.Record, error)
}

type FleetApplier interface {
	ApplyFleetPoll(robots, shelves []shared.Record)
}

// FleetPollWorker is the fast poll: full robot and shelf lists on a short
// interval, merged position-only for shelves the store already knows.
type FleetPollWorker struct {
	*BaseWorker
	fetcher FleetFetcher
	applier FleetApplier
}

func NewFleetPollWorker(interval time.Duration, fetcher FleetFetcher, applier FleetApplier, m *metrics.Metrics, logger shared.Logger) *FleetPollWorker {
	return &FleetPollWorker{
		BaseWorker: NewBaseWorker("FleetPollWorker", interval, m, logger),
		fetcher:    fetcher,
		applier:    applier,
	}
}

func (w *FleetPollWorker) Start(ctx context.Context) error {
	return w.runEvery(ctx, w.poll)
}

func (w *FleetPollWorker) poll(ctx context.Context) error {
	robots, robotsErr := w.fetcher.ListRobots(ctx)
	shelves, shelvesErr := w.fetcher.ListShelves(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if robotsErr == nil || shelvesErr == nil {
		w.applier.ApplyFleetPoll(robots, shelves)
	}

	var errs []error
	if robotsErr != nil {
		errs = append(errs, fmt.Errorf("failed to list robots: %w", robotsErr))
	}
	if shelvesErr != nil {
		errs = append(errs, fmt.Errorf("failed to list shelves: %w", shelvesErr))
	}
	return errors.Join(errs...)
}
