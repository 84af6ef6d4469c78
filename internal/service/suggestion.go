package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

func (s *Service) ListSuggestions(ctx context.Context, trialID string) ([]domain.SuggestedAssertion, error) {
	trial, err := s.store.GetTrial(ctx, trialID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trial: %w", err)
	}
	if trial == nil {
		return nil, fmt.Errorf("trial %s: %w", trialID, domain.ErrNotFound)
	}
	suggestions, err := s.store.ListSuggestions(ctx, trialID)
	if err != nil {
		return nil, fmt.Errorf("failed to list suggestions: %w", err)
	}
	return suggestions, nil
}

func (s *Service) pendingSuggestion(ctx context.Context, suggestionID string) (*domain.SuggestedAssertion, error) {
	sg, err := s.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get suggestion: %w", err)
	}
	if sg == nil {
		return nil, fmt.Errorf("suggestion %s: %w", suggestionID, domain.ErrNotFound)
	}
	if sg.Status != domain.SuggestionStatusPending {
		return nil, fmt.Errorf("suggestion %s is already %s: %w", suggestionID, sg.Status, domain.ErrInvalidTransition)
	}
	return sg, nil
}

// AcceptSuggestion turns a suggestion into a live assertion on the example the
// trial's snapshot was taken from.
func (s *Service) AcceptSuggestion(ctx context.Context, suggestionID string) (*domain.Assertion, error) {
	sg, err := s.pendingSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, err
	}
	if _, err := domain.DecodeParams(sg.Kind, sg.Params); err != nil {
		return nil, invalid("suggestion %s: %v", suggestionID, err)
	}

	es, err := s.store.GetExampleSnapshot(ctx, sg.ExampleSnapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to get example snapshot: %w", err)
	}
	if es == nil || es.SourceExampleID == "" {
		return nil, fmt.Errorf("origin example of suggestion %s: %w", suggestionID, domain.ErrNotFound)
	}
	example, err := s.store.GetExample(ctx, es.SourceExampleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get example: %w", err)
	}
	if example == nil {
		return nil, fmt.Errorf("example %s: %w", es.SourceExampleID, domain.ErrNotFound)
	}

	now := s.now()
	a := &domain.Assertion{
		ExampleID: example.ExampleID,
		Kind:      sg.Kind,
		Weight:    sg.Weight,
		Params:    sg.Params,
		CreatedAt: now,
	}
	ok, err := s.store.AcceptSuggestion(ctx, suggestionID, a, now)
	if err != nil {
		return nil, fmt.Errorf("failed to accept suggestion: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("suggestion %s was decided concurrently: %w", suggestionID, domain.ErrInvalidTransition)
	}
	return a, nil
}

func (s *Service) RejectSuggestion(ctx context.Context, suggestionID string) error {
	if _, err := s.pendingSuggestion(ctx, suggestionID); err != nil {
		return err
	}
	ok, err := s.store.RejectSuggestion(ctx, suggestionID, s.now())
	if err != nil {
		return fmt.Errorf("failed to reject suggestion: %w", err)
	}
	if !ok {
		return fmt.Errorf("suggestion %s was decided concurrently: %w", suggestionID, domain.ErrInvalidTransition)
	}
	return nil
}
