package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"strings"

	"github.com/xiaot623/gogo/evaluator/internal/adapter/agentclient"
	"github.com/xiaot623/gogo/evaluator/internal/adapter/llm"
	"github.com/xiaot623/gogo/evaluator/internal/assertion"
	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

// ExecuteTrial runs one claimed trial to completion: it asks the agent the
// example's question, evaluates every assertion snapshot and stores the
// outcome. It never retries. A returned *ExecutionError is transient and left
// to the scheduler; an error wrapping ErrDataIntegrity is fatal.
//
// Every write is conditional on the attempt loaded here, so an attempt that
// stale recovery has already superseded cannot overwrite its successor.
func (s *Service) ExecuteTrial(ctx context.Context, trialID string) error {
	trial, err := s.store.GetTrial(ctx, trialID)
	if err != nil {
		return fmt.Errorf("failed to load trial: %w", err)
	}
	if trial == nil {
		return fmt.Errorf("%w: trial %s not found", ErrDataIntegrity, trialID)
	}
	if trial.Status != domain.TrialStatusRunning {
		log.Printf("WARN: trial %s is %s, not RUNNING; skipping", trialID, trial.Status)
		return nil
	}
	attempt := trial.RetryCount

	run, err := s.store.GetRun(ctx, trial.RunID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return s.failIntegrity(ctx, trial, fmt.Sprintf("run %s not found", trial.RunID))
	}
	if run.Status == domain.RunStatusCancelled {
		s.cancelTrial(ctx, trial, domain.TrialStatusRunning)
		return nil
	}
	es, err := s.store.GetExampleSnapshot(ctx, trial.ExampleSnapshotID)
	if err != nil {
		return fmt.Errorf("failed to load example snapshot: %w", err)
	}
	if es == nil {
		return s.failIntegrity(ctx, trial, fmt.Sprintf("example snapshot %s not found", trial.ExampleSnapshotID))
	}
	agent, err := s.store.GetAgent(ctx, run.AgentID)
	if err != nil {
		return fmt.Errorf("failed to load agent: %w", err)
	}
	if agent == nil {
		return s.failIntegrity(ctx, trial, fmt.Sprintf("agent %s not found", run.AgentID))
	}

	ok, err := s.store.BeginTrialAttempt(ctx, trialID, attempt)
	if err != nil {
		return fmt.Errorf("failed to reset trial: %w", err)
	}
	if !ok {
		log.Printf("WARN: trial %s attempt %d was superseded before it started", trialID, attempt)
		return nil
	}
	if ok, err := s.store.UpdateTrialStatus(ctx, trialID, attempt, domain.TrialStatusRunning, domain.TrialStatusExecuting); err != nil || !ok {
		return s.superseded(trialID, attempt, err)
	}

	endpoint, req := s.buildInvokeRequest(run, agent, trial, es)
	resp, err := s.agentClient.Ask(ctx, endpoint, req)
	if err != nil {
		trace := fmt.Sprintf("%v\n\n%s", err, debug.Stack())
		if _, ferr := s.store.FailTrialAttempt(ctx, trialID, attempt, domain.ErrorStageExecuting, err.Error(), trace, s.now()); ferr != nil {
			log.Printf("ERROR: failed to record failure of trial %s: %v", trialID, ferr)
		}
		s.emit(ctx, trial.RunID, trialID, domain.EventTypeTrialFailed, map[string]interface{}{
			"stage":   domain.ErrorStageExecuting,
			"attempt": attempt,
			"error":   err.Error(),
		})
		return &ExecutionError{TrialID: trialID, Stage: domain.ErrorStageExecuting, Err: err}
	}

	if ok, err := s.store.UpdateTrialStatus(ctx, trialID, attempt, domain.TrialStatusExecuting, domain.TrialStatusEvaluating); err != nil || !ok {
		return s.superseded(trialID, attempt, err)
	}
	results := s.engine.EvaluateAll(ctx, resp, es.Assertions)

	// A cancel that landed while the agent was answering wins.
	if current, err := s.store.GetRun(ctx, trial.RunID); err == nil && current != nil && current.Status == domain.RunStatusCancelled {
		s.cancelTrial(ctx, trial, domain.TrialStatusEvaluating)
		return nil
	}

	trace, err := json.Marshal(resp.Messages)
	if err != nil {
		log.Printf("WARN: failed to encode trace of trial %s: %v", trialID, err)
		trace = nil
	}
	completion := &domain.TrialCompletion{
		OutputText: strings.Join(resp.FinalText(), "\n"),
		Trace:      string(trace),
		DurationMs: resp.DurationMs,
		TTFRMs:     resp.TTFRMs,
		Score:      assertion.Score(results),
		Results:    results,
	}
	ok, err = s.store.CompleteTrial(ctx, trialID, attempt, completion, s.now())
	if err != nil {
		if _, ferr := s.store.FailTrialAttempt(ctx, trialID, attempt, domain.ErrorStageEvaluating, err.Error(), "", s.now()); ferr != nil {
			log.Printf("ERROR: failed to record failure of trial %s: %v", trialID, ferr)
		}
		return &ExecutionError{TrialID: trialID, Stage: domain.ErrorStageEvaluating, Err: err}
	}
	if !ok {
		return s.superseded(trialID, attempt, nil)
	}

	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	s.emit(ctx, trial.RunID, trialID, domain.EventTypeTrialCompleted, map[string]interface{}{
		"attempt":     attempt,
		"score":       completion.Score,
		"passed":      passed,
		"assertions":  len(results),
		"duration_ms": completion.DurationMs,
	})
	log.Printf("INFO: trial %s completed (%d/%d assertions passed)", trialID, passed, len(results))

	if run.GenerateSuggestions {
		s.generateSuggestions(ctx, trial, es, completion.Trace)
	}
	return nil
}

// buildInvokeRequest prefers the endpoint and config the run froze at
// creation; credentials always come from the live agent.
func (s *Service) buildInvokeRequest(run *domain.Run, agent *domain.Agent, trial *domain.Trial, es *domain.ExampleSnapshot) (string, *agentclient.InvokeRequest) {
	frozen := frozenAgent{Endpoint: agent.Endpoint, Datasource: agent.Datasource, Config: agent.Config}
	if len(run.AgentConfig) > 0 {
		if err := json.Unmarshal(run.AgentConfig, &frozen); err != nil {
			log.Printf("WARN: run %s has unreadable agent config, using live agent: %v", run.RunID, err)
			frozen = frozenAgent{Endpoint: agent.Endpoint, Datasource: agent.Datasource, Config: agent.Config}
		}
	}
	if frozen.Endpoint == "" {
		frozen.Endpoint = agent.Endpoint
	}
	return frozen.Endpoint, &agentclient.InvokeRequest{
		AgentID:     agent.AgentID,
		RunID:       run.RunID,
		TrialID:     trial.TrialID,
		Question:    es.Question,
		Datasource:  frozen.Datasource,
		Credentials: agent.Credentials,
		Config:      frozen.Config,
	}
}

func (s *Service) failIntegrity(ctx context.Context, trial *domain.Trial, msg string) error {
	if _, err := s.store.FinishTrial(ctx, trial.TrialID, trial.Status, trial.RetryCount,
		domain.TrialStatusFailed, domain.ErrorStageLoading, msg, s.now()); err != nil {
		log.Printf("ERROR: failed to fail trial %s: %v", trial.TrialID, err)
	}
	s.emit(ctx, trial.RunID, trial.TrialID, domain.EventTypeTrialFailed, map[string]interface{}{
		"stage": domain.ErrorStageLoading,
		"error": msg,
	})
	return fmt.Errorf("%w: %s", ErrDataIntegrity, msg)
}

func (s *Service) cancelTrial(ctx context.Context, trial *domain.Trial, from domain.TrialStatus) {
	ok, err := s.store.FinishTrial(ctx, trial.TrialID, from, trial.RetryCount,
		domain.TrialStatusCancelled, "", "run cancelled", s.now())
	if err != nil {
		log.Printf("ERROR: failed to cancel trial %s: %v", trial.TrialID, err)
		return
	}
	if ok {
		s.emit(ctx, trial.RunID, trial.TrialID, domain.EventTypeTrialCancelled, nil)
	}
}

func (s *Service) superseded(trialID string, attempt int, err error) error {
	if err != nil {
		return &ExecutionError{TrialID: trialID, Stage: domain.ErrorStageExecuting, Err: err}
	}
	log.Printf("WARN: trial %s attempt %d was superseded; dropping its result", trialID, attempt)
	return nil
}

func (s *Service) generateSuggestions(ctx context.Context, trial *domain.Trial, es *domain.ExampleSnapshot, trace string) {
	if s.suggester == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: suggestion generation for trial %s panicked: %v", trial.TrialID, r)
		}
	}()

	drafts, err := s.suggester.Suggest(ctx, llm.SuggestRequest{
		Question: es.Question,
		Trace:    trace,
		Existing: es.Assertions,
	})
	if err != nil {
		log.Printf("WARN: suggestion generation for trial %s failed: %v", trial.TrialID, err)
		return
	}
	if len(drafts) == 0 {
		return
	}

	now := s.now()
	suggestions := make([]domain.SuggestedAssertion, 0, len(drafts))
	for _, d := range drafts {
		suggestions = append(suggestions, domain.SuggestedAssertion{
			TrialID:           trial.TrialID,
			ExampleSnapshotID: es.ExampleSnapshotID,
			Kind:              d.Kind,
			Weight:            d.Weight,
			Params:            d.Params,
			Rationale:         d.Rationale,
			Status:            domain.SuggestionStatusPending,
			CreatedAt:         now,
		})
	}
	if err := s.store.CreateSuggestions(ctx, suggestions); err != nil {
		log.Printf("WARN: failed to store suggestions for trial %s: %v", trial.TrialID, err)
		return
	}
	log.Printf("INFO: stored %d suggestions for trial %s", len(suggestions), trial.TrialID)
}
