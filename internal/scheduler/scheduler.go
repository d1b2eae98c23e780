// Package scheduler runs the periodic marking pipeline sweeps on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Task is a named unit of periodic work.
type Task func(ctx context.Context) error

// Scheduler wraps a cron runner whose jobs share one cancellable context.
type Scheduler struct {
	cron    *cronlib.Cron
	logger  zerolog.Logger
	timeout time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a scheduler. Each run is bounded by timeout.
func New(logger zerolog.Logger, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	schedLogger := logger.With().Str("component", "scheduler").Logger()
	cronLogger := cronLogAdapter{logger: schedLogger}

	return &Scheduler{
		cron: cronlib.New(
			cronlib.WithLogger(cronLogger),
			cronlib.WithChain(cronlib.Recover(cronLogger), cronlib.SkipIfStillRunning(cronLogger)),
		),
		logger:  schedLogger,
		timeout: timeout,
		ctx:     context.Background(),
	}
}

// Add registers task under spec, which accepts standard 5-field expressions and descriptors such as @every 1m.
func (s *Scheduler) Add(name, spec string, task Task) error {
	return s.AddWithTimeout(name, spec, s.timeout, task)
}

// AddWithTimeout is Add with a per-run bound that overrides the scheduler default.
func (s *Scheduler) AddWithTimeout(name, spec string, timeout time.Duration, task Task) error {
	if timeout <= 0 {
		timeout = s.timeout
	}
	_, err := s.cron.AddFunc(spec, func() {
		s.run(name, timeout, task)
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.logger.Info().Str("task", name).Str("schedule", spec).Dur("timeout", timeout).Msg("task scheduled")
	return nil
}

// Start begins firing tasks until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info().Int("tasks", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) run(name string, timeout time.Duration, task Task) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	if err := task(ctx); err != nil {
		s.logger.Error().Err(err).Str("task", name).Dur("duration", time.Since(start)).Msg("scheduled task failed")
		return
	}
	s.logger.Debug().Str("task", name).Dur("duration", time.Since(start)).Msg("scheduled task finished")
}

type cronLogAdapter struct {
	logger zerolog.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
