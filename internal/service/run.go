package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/xiaot623/gogo/evaluator/internal/domain"
	"github.com/xiaot623/gogo/evaluator/policy"
)

// frozenAgent is the part of an agent's configuration a run pins at
// creation time. Credentials are never part of it.
type frozenAgent struct {
	AgentID    string          `json:"agent_id"`
	Name       string          `json:"name"`
	Endpoint   string          `json:"endpoint"`
	Datasource string          `json:"datasource,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
}

// CreateRun admits a run of an agent against a suite, snapshots the suite
// and queues one trial per example.
func (s *Service) CreateRun(ctx context.Context, req domain.CreateRunRequest) (*domain.Run, []domain.Trial, error) {
	// Validate required fields
	if req.AgentID == "" {
		return nil, nil, invalid("agent_id is required")
	}
	if req.SuiteID == "" {
		return nil, nil, invalid("suite_id is required")
	}
	maxRetries := s.config.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		return nil, nil, invalid("max_retries must not be negative")
	}

	agent, err := s.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, nil, err
	}
	suite, err := s.GetSuite(ctx, req.SuiteID)
	if err != nil {
		return nil, nil, err
	}

	if s.policyEngine != nil {
		active := 0
		for _, ex := range suite.Examples {
			if !ex.Archived {
				active++
			}
		}
		decision, reason, err := s.policyEngine.Evaluate(ctx, policy.RunInput{
			Agent:               policy.AgentInput{ID: agent.AgentID, Status: agent.Status},
			Suite:               policy.SuiteInput{ID: suite.SuiteID, ExampleCount: active},
			MaxRetries:          maxRetries,
			GenerateSuggestions: req.GenerateSuggestions,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to evaluate run policy: %w", err)
		}
		if decision != policy.DecisionAllow {
			return nil, nil, fmt.Errorf("%w: %s", domain.ErrAdmissionDenied, reason)
		}
	}

	agentConfig, err := json.Marshal(frozenAgent{
		AgentID:    agent.AgentID,
		Name:       agent.Name,
		Endpoint:   agent.Endpoint,
		Datasource: agent.Datasource,
		Config:     agent.Config,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to freeze agent config: %w", err)
	}

	run := &domain.Run{
		RunID:               "run_" + uuid.New().String()[:8],
		AgentID:             agent.AgentID,
		Status:              domain.RunStatusPending,
		AgentConfig:         agentConfig,
		GenerateSuggestions: req.GenerateSuggestions,
		MaxRetries:          maxRetries,
		CreatedAt:           s.now(),
	}
	trials, err := s.store.CreateRun(ctx, run, suite.SuiteID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.emit(ctx, run.RunID, "", domain.EventTypeRunCreated, map[string]interface{}{
		"agent_id":    run.AgentID,
		"suite_id":    suite.SuiteID,
		"snapshot_id": run.SnapshotID,
		"trials":      len(trials),
	})
	log.Printf("INFO: created run %s (%d trials) for agent %s", run.RunID, len(trials), run.AgentID)

	return run, trials, nil
}

func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return run, nil
}

func (s *Service) ListTrials(ctx context.Context, runID string) ([]domain.Trial, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	trials, err := s.store.ListTrials(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trials: %w", err)
	}
	return trials, nil
}

// GetTrial returns a trial with its question and assertion results.
func (s *Service) GetTrial(ctx context.Context, trialID string) (*domain.TrialDetail, error) {
	trial, err := s.store.GetTrial(ctx, trialID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trial: %w", err)
	}
	if trial == nil {
		return nil, fmt.Errorf("trial %s: %w", trialID, domain.ErrNotFound)
	}

	detail := &domain.TrialDetail{Trial: *trial, Results: []domain.AssertionResult{}}
	es, err := s.store.GetExampleSnapshot(ctx, trial.ExampleSnapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to get example snapshot: %w", err)
	}
	if es != nil {
		detail.Question = es.Question
	}
	results, err := s.store.ListResults(ctx, trialID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	if results != nil {
		detail.Results = results
	}
	return detail, nil
}

// PauseRun stops further claims for a PENDING or RUNNING run. Trials already
// running are not interrupted.
func (s *Service) PauseRun(ctx context.Context, runID string) (*domain.Run, error) {
	ok, err := s.store.TransitionRun(ctx, runID,
		[]domain.RunStatus{domain.RunStatusPending, domain.RunStatusRunning}, domain.RunStatusPaused)
	if err != nil {
		return nil, fmt.Errorf("failed to pause run: %w", err)
	}
	if !ok {
		return nil, s.transitionError(ctx, runID, "pause")
	}
	s.emit(ctx, runID, "", domain.EventTypeRunPaused, nil)
	return s.GetRun(ctx, runID)
}

// ResumeRun returns a PAUSED run to RUNNING, or to PENDING if nothing was
// ever claimed from it.
func (s *Service) ResumeRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.RunStatusPaused {
		return nil, fmt.Errorf("cannot resume run in status %s: %w", run.Status, domain.ErrInvalidTransition)
	}
	to := domain.RunStatusPending
	if run.StartedAt != nil {
		to = domain.RunStatusRunning
	}
	ok, err := s.store.TransitionRun(ctx, runID, []domain.RunStatus{domain.RunStatusPaused}, to)
	if err != nil {
		return nil, fmt.Errorf("failed to resume run: %w", err)
	}
	if !ok {
		return nil, s.transitionError(ctx, runID, "resume")
	}
	s.emit(ctx, runID, "", domain.EventTypeRunResumed, map[string]interface{}{"status": to})
	return s.GetRun(ctx, runID)
}

// CancelRun cancels a non-terminal run and its PENDING trials. Running
// executors finish on their own and have their results discarded.
func (s *Service) CancelRun(ctx context.Context, runID string) (*domain.Run, error) {
	ok, err := s.store.CancelRun(ctx, runID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel run: %w", err)
	}
	if !ok {
		return nil, s.transitionError(ctx, runID, "cancel")
	}
	s.emit(ctx, runID, "", domain.EventTypeRunCancelled, nil)
	log.Printf("INFO: cancelled run %s", runID)
	return s.GetRun(ctx, runID)
}

// DeleteRun removes a run together with its snapshot subtree.
func (s *Service) DeleteRun(ctx context.Context, runID string) error {
	ok, err := s.store.DeleteRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if !ok {
		return fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

// RetryTrial requeues a finished trial of a run that is not cancelled. It
// ignores the retry budget and reopens the run.
func (s *Service) RetryTrial(ctx context.Context, trialID string) (*domain.Trial, error) {
	trial, err := s.store.GetTrial(ctx, trialID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trial: %w", err)
	}
	if trial == nil {
		return nil, fmt.Errorf("trial %s: %w", trialID, domain.ErrNotFound)
	}
	if !trial.Status.IsTerminal() {
		return nil, fmt.Errorf("cannot retry trial in status %s: %w", trial.Status, domain.ErrInvalidTransition)
	}
	run, err := s.GetRun(ctx, trial.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status == domain.RunStatusCancelled {
		return nil, fmt.Errorf("cannot retry trial of a cancelled run: %w", domain.ErrInvalidTransition)
	}

	ok, err := s.store.RequeueTrial(ctx, trialID, trial.Status, trial.RetryCount)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue trial: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("trial %s changed concurrently: %w", trialID, domain.ErrInvalidTransition)
	}
	s.emit(ctx, trial.RunID, trialID, domain.EventTypeTrialRetried, map[string]interface{}{
		"attempt": trial.RetryCount + 1,
		"manual":  true,
	})

	updated, err := s.store.GetTrial(ctx, trialID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trial: %w", err)
	}
	return updated, nil
}

func (s *Service) transitionError(ctx context.Context, runID, op string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return fmt.Errorf("cannot %s run in status %s: %w", op, run.Status, domain.ErrInvalidTransition)
}
