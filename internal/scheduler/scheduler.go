// Package scheduler runs the control loop that dispatches trials to isolated
// executors and supervises them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/xiaot623/gogo/evaluator/internal/config"
	"github.com/xiaot623/gogo/evaluator/internal/isolation"
	"github.com/xiaot623/gogo/evaluator/internal/repository"
	"github.com/xiaot623/gogo/evaluator/internal/service"
)

// ErrSchedulerLocked is returned by Start when another scheduler holds the
// lock file.
var ErrSchedulerLocked = errors.New("scheduler: lock held by another instance")

// Options configures a Scheduler.
type Options struct {
	Interval      time.Duration
	MaxConcurrent int
	LivenessGrace time.Duration
	StaleTimeout  time.Duration
	// PassTimeout bounds each of the four passes of one iteration.
	PassTimeout time.Duration
	// LockPath is the file locked for the scheduler's lifetime. Empty disables locking.
	LockPath string
	Now      func() time.Time
}

// OptionsFromConfig maps the scheduler section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:      cfg.SchedulerInterval,
		MaxConcurrent: cfg.MaxConcurrentTrials,
		LivenessGrace: cfg.LivenessGrace,
		StaleTimeout:  cfg.StaleTrialTimeout,
		LockPath:      cfg.SchedulerLockPath,
	}
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running       bool  `json:"running"`
	MaxConcurrent int   `json:"max_concurrent_trials"`
	InProgress    int   `json:"in_progress_trials"`
	IntervalMs    int64 `json:"interval_ms"`
}

// Scheduler owns the control loop. The store is the only state it shares
// with executors.
type Scheduler struct {
	svc      *service.Service
	store    store.Store
	launcher isolation.Launcher
	opts     Options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	lock   *flock.Flock
}

// New creates a stopped scheduler.
func New(svc *service.Service, launcher isolation.Launcher, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.LivenessGrace <= 0 {
		opts.LivenessGrace = 10 * time.Second
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = 30 * time.Minute
	}
	if opts.PassTimeout <= 0 {
		opts.PassTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		svc:      svc,
		store:    svc.Store(),
		launcher: launcher,
		opts:     opts,
	}
}

// Start takes the lock file and starts the loop. The loop runs until Stop is
// called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}

	if s.opts.LockPath != "" {
		lock := flock.New(s.opts.LockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", s.opts.LockPath, err)
		}
		if !locked {
			return ErrSchedulerLocked
		}
		s.lock = lock
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	log.Printf("INFO: scheduler started (interval=%s, max_concurrent=%d)", s.opts.Interval, s.opts.MaxConcurrent)
	return nil
}

// Stop cancels the loop, waits for the current iteration and releases the
// lock. Executors already launched keep running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done, lock := s.cancel, s.done, s.lock
	s.cancel, s.done, s.lock = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	if lock != nil {
		if err := lock.Unlock(); err != nil {
			log.Printf("WARN: failed to release scheduler lock: %v", err)
		}
	}
	log.Printf("INFO: scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Status reports whether the loop runs and how many trials are in flight.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	n, err := s.store.CountInProgressTrials(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to count in-progress trials: %w", err)
	}
	return Status{
		Running:       s.Running(),
		MaxConcurrent: s.opts.MaxConcurrent,
		InProgress:    n,
		IntervalMs:    s.opts.Interval.Milliseconds(),
	}, nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one iteration: liveness, aggregation, stale recovery, dispatch.
// A failing pass is logged and never stops the others.
func (s *Scheduler) Tick(ctx context.Context) {
	s.runPass(ctx, "liveness", s.checkLiveness)
	s.runPass(ctx, "aggregation", s.aggregate)
	s.runPass(ctx, "stale recovery", s.recoverStale)
	s.runPass(ctx, "dispatch", s.dispatch)
}

func (s *Scheduler) runPass(ctx context.Context, name string, pass func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	passCtx, cancel := context.WithTimeout(ctx, s.opts.PassTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: scheduler %s pass panicked: %v\n%s", name, r, debug.Stack())
		}
	}()
	if err := pass(passCtx); err != nil {
		log.Printf("WARN: scheduler %s pass failed: %v", name, err)
	}
}
