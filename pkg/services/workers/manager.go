package workers

import (
	"context"
	"errors"
	"log"
	"sync"

	"warehouse-overwatch/pkg/shared"
)

type Manager struct {
	workers []Worker
	logger  shared.Logger
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewManager(logger shared.Logger, workers ...Worker) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		workers: workers,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (m *Manager) Start() error {
	m.logger.Printf("Starting poll workers...")

	for _, worker := range m.workers {
		m.wg.Add(1)
		go func(w Worker) {
			defer m.wg.Done()

			m.logger.Printf("Starting worker: %s", w.Name())
			if err := w.Start(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Printf("Worker %s error: %v", w.Name(), err)
			}
			m.logger.Printf("Worker %s stopped", w.Name())
		}(worker)
	}

	m.logger.Printf("Started %d workers", len(m.workers))
	return nil
}

func (m *Manager) Stop() error {
	m.logger.Printf("Stopping poll workers...")

	m.cancel()

	for _, worker := range m.workers {
		if err := worker.Stop(); err != nil {
			m.logger.Printf("Error stopping worker %s: %v", worker.Name(), err)
		}
	}

	m.wg.Wait()

	m.logger.Printf("All workers stopped")
	return nil
}
