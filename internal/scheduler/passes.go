package scheduler

import (
	"context"
	"fmt"
	"log"
)

// checkLiveness hands every in-flight trial whose executor is gone to the
// retry policy, then reconciles failures executors reported themselves.
func (s *Scheduler) checkLiveness(ctx context.Context) error {
	trials, err := s.store.ListInProgressTrials(ctx)
	if err != nil {
		return fmt.Errorf("failed to list in-progress trials: %w", err)
	}

	now := s.opts.Now()
	for i := range trials {
		trial := &trials[i]
		if trial.ExecutorHandle == "" {
			// The handle is written right after launch; give it time to land.
			if trial.StartedAt == nil || now.Sub(*trial.StartedAt) <= s.opts.LivenessGrace {
				continue
			}
			s.retryOrFail(ctx, trial.TrialID, func() error {
				return s.svc.RetryOrFail(ctx, trial, fmt.Sprintf("no executor handle recorded within %s", s.opts.LivenessGrace))
			})
			continue
		}

		alive, err := s.launcher.Alive(trial.ExecutorHandle)
		if err != nil {
			log.Printf("WARN: liveness check of trial %s (%s) failed: %v", trial.TrialID, trial.ExecutorHandle, err)
			continue
		}
		if alive {
			continue
		}
		s.retryOrFail(ctx, trial.TrialID, func() error {
			return s.svc.RetryOrFail(ctx, trial, fmt.Sprintf("executor %s died while trial was %s", trial.ExecutorHandle, trial.Status))
		})
	}

	failures, err := s.store.ListUnreconciledFailures(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unreconciled failures: %w", err)
	}
	for i := range failures {
		trial := &failures[i]
		s.retryOrFail(ctx, trial.TrialID, func() error {
			return s.svc.RetryOrFail(ctx, trial, trial.ErrorMessage)
		})
	}
	return nil
}

func (s *Scheduler) retryOrFail(ctx context.Context, trialID string, fn func() error) {
	if err := fn(); err != nil {
		log.Printf("WARN: failed to apply retry policy to trial %s: %v", trialID, err)
	}
}

func (s *Scheduler) aggregate(ctx context.Context) error {
	_, err := s.svc.CompleteFinishedRuns(ctx)
	return err
}

// recoverStale resets trials that have been in progress longer than the
// stale timeout, whatever their executor reports.
func (s *Scheduler) recoverStale(ctx context.Context) error {
	cutoff := s.opts.Now().Add(-s.opts.StaleTimeout)
	trials, err := s.store.ListStaleTrials(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stale trials: %w", err)
	}

	for i := range trials {
		trial := &trials[i]
		if trial.ExecutorHandle != "" {
			if err := s.launcher.Terminate(trial.ExecutorHandle); err != nil {
				log.Printf("WARN: failed to terminate stale executor %s of trial %s: %v", trial.ExecutorHandle, trial.TrialID, err)
			}
		}
		log.Printf("WARN: trial %s stale since %s", trial.TrialID, trial.StartedAt)
		s.retryOrFail(ctx, trial.TrialID, func() error {
			return s.svc.RetryOrFail(ctx, trial, fmt.Sprintf("trial exceeded stale timeout of %s", s.opts.StaleTimeout))
		})
	}
	return nil
}

// dispatch claims and launches trials until the concurrency budget is used.
func (s *Scheduler) dispatch(ctx context.Context) error {
	inProgress, err := s.store.CountInProgressTrials(ctx)
	if err != nil {
		return fmt.Errorf("failed to count in-progress trials: %w", err)
	}

	for capacity := s.opts.MaxConcurrent - inProgress; capacity > 0; capacity-- {
		trial, err := s.svc.ClaimNextTrial(ctx)
		if err != nil {
			return err
		}
		if trial == nil {
			return nil
		}

		handle, err := s.launcher.Launch(ctx, trial.TrialID)
		if err != nil {
			log.Printf("ERROR: failed to launch executor for trial %s: %v", trial.TrialID, err)
			if ferr := s.svc.FailLaunch(ctx, trial, err); ferr != nil {
				log.Printf("ERROR: failed to record launch failure of trial %s: %v", trial.TrialID, ferr)
			}
			continue
		}
		if err := s.svc.AttachHandle(ctx, trial, handle); err != nil {
			// Liveness treats the missing handle as dead after the grace period.
			log.Printf("ERROR: failed to record handle %s for trial %s: %v", handle, trial.TrialID, err)
			continue
		}
		log.Printf("INFO: launched trial %s as %s", trial.TrialID, handle)
	}
	return nil
}
