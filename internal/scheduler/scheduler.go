// Package scheduler sweeps persisted step timers and fires the engine's
// timeout handling for each due one. Timers live in the database, so a
// process restart picks up anything armed before the crash on the first
// sweep.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/domain/workflow"
)

// TimeoutHandler is the engine surface the scheduler drives
type TimeoutHandler interface {
	HandleStepTimeout(ctx context.Context, stepID int64) error
}

// TimerStore lists and settles due timers
type TimerStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*workflow.StepTimer, error)
	MarkFired(ctx context.Context, timerID int64, firedAt time.Time) error
}

// TimerScheduler polls the timer table on a fixed interval and dispatches
// due timers to the engine. It implements the worker lifecycle contract.
type TimerScheduler struct {
	timers  TimerStore
	handler TimeoutHandler
	logger  *zap.Logger

	pollInterval time.Duration
	batchSize    int
	now          func() time.Time

	mu        sync.Mutex
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures the scheduler
type Option func(*TimerScheduler)

// WithPollInterval overrides the sweep interval
func WithPollInterval(d time.Duration) Option {
	return func(s *TimerScheduler) {
		s.pollInterval = d
	}
}

// WithBatchSize caps how many due timers one sweep fires
func WithBatchSize(n int) Option {
	return func(s *TimerScheduler) {
		s.batchSize = n
	}
}

// WithClock overrides the scheduler's time source (used by tests)
func WithClock(now func() time.Time) Option {
	return func(s *TimerScheduler) {
		s.now = now
	}
}

// New creates a timer scheduler
func New(timers TimerStore, handler TimeoutHandler, logger *zap.Logger, opts ...Option) *TimerScheduler {
	s := &TimerScheduler{
		timers:       timers,
		handler:      handler,
		logger:       logger,
		pollInterval: 30 * time.Second,
		batchSize:    50,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop. The first sweep runs immediately, which
// doubles as crash recovery for timers that came due while the process was
// down.
func (s *TimerScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("timer scheduler is already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.isRunning = true
	s.done = make(chan struct{})

	s.logger.Info("TimerScheduler started",
		zap.Duration("poll_interval", s.pollInterval),
		zap.Int("batch_size", s.batchSize))

	go s.sweepLoop()

	return nil
}

// Stop cancels the sweep loop and waits for an in-flight sweep to finish.
// Stopping an already stopped scheduler is a no-op.
func (s *TimerScheduler) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.logger.Info("TimerScheduler stopped")
	return nil
}

// Name returns the worker name for identification
func (s *TimerScheduler) Name() string {
	return "TimerScheduler"
}

func (s *TimerScheduler) sweepLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// Sweep immediately on start
	s.Sweep(s.ctx)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.ctx)
		}
	}
}

// Sweep fires every due timer once. Firing errors are logged per timer; the
// timer is only marked fired when the handler succeeds, so a failed timeout
// is retried on the next sweep.
func (s *TimerScheduler) Sweep(ctx context.Context) {
	now := s.now()

	due, err := s.timers.ListDue(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("Failed to list due timers", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Debug("Firing due step timers", zap.Int("count", len(due)))

	fired := 0
	for _, timer := range due {
		if err := s.handler.HandleStepTimeout(ctx, timer.StepID); err != nil {
			s.logger.Error("Failed to handle step timeout",
				zap.Int64("timer_id", timer.ID),
				zap.Int64("step_id", timer.StepID),
				zap.Error(err))
			continue
		}
		if err := s.timers.MarkFired(ctx, timer.ID, s.now()); err != nil {
			s.logger.Error("Failed to mark timer fired",
				zap.Int64("timer_id", timer.ID),
				zap.Error(err))
			continue
		}
		fired++
	}

	if fired > 0 {
		s.logger.Info("Timer sweep completed",
			zap.Int("due", len(due)),
			zap.Int("fired", fired))
	}
}
