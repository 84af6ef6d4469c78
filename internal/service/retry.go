package service

import (
	"context"
	"fmt"
	"log"

	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

// RetryOrFail applies the retry policy to a trial the scheduler gave up on.
// The trial must still be in the status and attempt it was read with; if it
// moved on, nothing happens.
//
// A trial of a cancelled run is cancelled. Otherwise it is requeued while its
// retry budget lasts and failed terminally once the budget is spent.
func (s *Service) RetryOrFail(ctx context.Context, trial *domain.Trial, reason string) error {
	run, err := s.store.GetRun(ctx, trial.RunID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run != nil && run.Status == domain.RunStatusCancelled {
		s.cancelTrial(ctx, trial, trial.Status)
		return nil
	}

	if trial.CanRetry() {
		ok, err := s.store.RequeueTrial(ctx, trial.TrialID, trial.Status, trial.RetryCount)
		if err != nil {
			return fmt.Errorf("failed to requeue trial: %w", err)
		}
		if ok {
			log.Printf("INFO: requeued trial %s for attempt %d/%d: %s", trial.TrialID, trial.RetryCount+1, trial.MaxRetries, reason)
			s.emit(ctx, trial.RunID, trial.TrialID, domain.EventTypeTrialRetried, map[string]interface{}{
				"attempt": trial.RetryCount + 1,
				"reason":  reason,
			})
		}
		return nil
	}

	stage := domain.ErrorStageSupervision
	if trial.Status == domain.TrialStatusFailed && trial.ErrorStage != "" {
		stage = trial.ErrorStage
	}
	msg := fmt.Sprintf("retry budget exhausted (%d/%d): %s", trial.RetryCount, trial.MaxRetries, reason)
	ok, err := s.store.FinishTrial(ctx, trial.TrialID, trial.Status, trial.RetryCount, domain.TrialStatusFailed, stage, msg, s.now())
	if err != nil {
		return fmt.Errorf("failed to fail trial: %w", err)
	}
	if ok {
		log.Printf("WARN: trial %s failed: %s", trial.TrialID, msg)
		s.emit(ctx, trial.RunID, trial.TrialID, domain.EventTypeTrialFailed, map[string]interface{}{
			"stage":    stage,
			"attempt":  trial.RetryCount,
			"error":    msg,
			"terminal": true,
		})
	}
	return nil
}

// ClaimNextTrial claims the oldest claimable trial, or returns nil.
func (s *Service) ClaimNextTrial(ctx context.Context) (*domain.Trial, error) {
	trial, err := s.store.ClaimNextPendingTrial(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to claim trial: %w", err)
	}
	if trial != nil {
		s.emit(ctx, trial.RunID, trial.TrialID, domain.EventTypeTrialClaimed, map[string]interface{}{
			"attempt": trial.RetryCount,
		})
	}
	return trial, nil
}

// AttachHandle records the execution unit holding a claimed trial.
func (s *Service) AttachHandle(ctx context.Context, trial *domain.Trial, handle string) error {
	if err := s.store.SetTrialHandle(ctx, trial.TrialID, handle); err != nil {
		return fmt.Errorf("failed to set trial handle: %w", err)
	}
	s.emit(ctx, trial.RunID, trial.TrialID, domain.EventTypeTrialLaunched, map[string]interface{}{
		"handle": handle,
	})
	return nil
}

// FailLaunch marks a claimed trial FAILED because no executor could be started.
func (s *Service) FailLaunch(ctx context.Context, trial *domain.Trial, launchErr error) error {
	msg := fmt.Sprintf("failed to launch executor: %v", launchErr)
	ok, err := s.store.FinishTrial(ctx, trial.TrialID, domain.TrialStatusRunning, trial.RetryCount,
		domain.TrialStatusFailed, domain.ErrorStageLaunching, msg, s.now())
	if err != nil {
		return fmt.Errorf("failed to fail trial: %w", err)
	}
	if ok {
		s.emit(ctx, trial.RunID, trial.TrialID, domain.EventTypeTrialFailed, map[string]interface{}{
			"stage": domain.ErrorStageLaunching,
			"error": msg,
		})
	}
	return nil
}

// CompleteFinishedRuns closes every run whose trials are all terminal.
func (s *Service) CompleteFinishedRuns(ctx context.Context) ([]string, error) {
	ids, err := s.store.CompleteFinishedRuns(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate runs: %w", err)
	}
	for _, id := range ids {
		log.Printf("INFO: run %s completed", id)
		s.emit(ctx, id, "", domain.EventTypeRunCompleted, nil)
	}
	return ids, nil
}
