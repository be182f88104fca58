// Package scheduler runs named periodic tasks and tears them down
// deterministically.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/StrathCole/oracle-client/pkg/logging"
)

var (
	// ErrStopped indicates the scheduler has already been stopped.
	ErrStopped = errors.New("scheduler stopped")
	// ErrInvalidInterval indicates a non-positive interval.
	ErrInvalidInterval = errors.New("interval must be positive")
)

// Task is a periodic unit of work. ctx is canceled when the scheduler stops.
type Task func(ctx context.Context)

// Scheduler owns a set of periodic tasks. Overlapping runs of the same task
// are skipped.
type Scheduler struct {
	logger *logging.Logger
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a stopped scheduler.
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	cl := logging.NewCronLogger(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers task to run at a fixed interval. Intervals below one
// second are rounded up to one second.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("%s: %w", name, ErrInvalidInterval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		if s.ctx.Err() != nil {
			return
		}
		start := time.Now()
		task(s.ctx)
		s.logger.Debug("Scheduled task finished", "task", name, "duration", time.Since(start))
	}))
	s.logger.Debug("Scheduled task", "task", name, "interval", interval)
	return nil
}

// Start begins running registered tasks.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop cancels every task and waits for running ones to return. It is safe
// to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
}
