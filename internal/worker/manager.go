// Package worker manages the lifecycle of long-running background loops,
// currently the step timer scheduler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Worker is a background loop with an explicit lifecycle. Start must return
// promptly after launching the loop; Stop must wait for it to drain.
type Worker interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
}

// Manager starts registered workers in registration order and stops them in
// reverse. A failed start rolls the already-running workers back, so the
// process never keeps a half-started background set.
type Manager struct {
	logger *zap.Logger

	mu      sync.Mutex
	workers []Worker
	running []Worker
}

// NewManager creates a worker manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register adds a worker. Call before StartAll.
func (m *Manager) Register(w Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = append(m.workers, w)
}

// StartAll starts every registered worker. On the first failure it stops the
// workers already running and returns the start error.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.workers {
		if err := w.Start(ctx); err != nil {
			m.logger.Error("Worker failed to start",
				zap.String("worker", w.Name()),
				zap.Error(err))
			if stopErr := m.stopRunning(); stopErr != nil {
				m.logger.Error("Rollback of running workers failed", zap.Error(stopErr))
			}
			return fmt.Errorf("start worker %s: %w", w.Name(), err)
		}
		m.running = append(m.running, w)
		m.logger.Info("Worker started", zap.String("worker", w.Name()))
	}
	return nil
}

// StopAll stops every running worker in reverse start order and returns the
// joined stop errors. One worker failing to stop does not keep the rest alive.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopRunning()
}

func (m *Manager) stopRunning() error {
	var errs []error
	for i := len(m.running) - 1; i >= 0; i-- {
		w := m.running[i]
		if err := w.Stop(); err != nil {
			m.logger.Error("Worker failed to stop",
				zap.String("worker", w.Name()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("stop worker %s: %w", w.Name(), err))
			continue
		}
		m.logger.Info("Worker stopped", zap.String("worker", w.Name()))
	}
	m.running = nil
	return errors.Join(errs...)
}

// Count returns the number of registered workers
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}
