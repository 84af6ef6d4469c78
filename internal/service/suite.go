package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

// CreateSuite imports a suite with its examples and assertions. Every
// assertion's params are decoded into the typed struct for its kind before
// anything is written.
func (s *Service) CreateSuite(ctx context.Context, req domain.CreateSuiteRequest) (*domain.Suite, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, invalid("name is required")
	}

	now := s.now()
	suite := &domain.Suite{
		Name:        req.Name,
		Description: req.Description,
		Tags:        req.Tags,
		CreatedAt:   now,
	}
	for i, exReq := range req.Examples {
		if strings.TrimSpace(exReq.Question) == "" {
			return nil, invalid("examples[%d].question is required", i)
		}
		ex := domain.Example{Question: exReq.Question, Position: i, CreatedAt: now}
		for j, aReq := range exReq.Assertions {
			a, err := buildAssertion(aReq, now)
			if err != nil {
				return nil, invalid("examples[%d].assertions[%d]: %v", i, j, err)
			}
			ex.Assertions = append(ex.Assertions, *a)
		}
		suite.Examples = append(suite.Examples, ex)
	}

	if err := s.store.CreateSuite(ctx, suite); err != nil {
		return nil, fmt.Errorf("failed to create suite: %w", err)
	}
	return suite, nil
}

func buildAssertion(req domain.CreateAssertionRequest, now time.Time) (*domain.Assertion, error) {
	if _, err := domain.DecodeParams(req.Kind, req.Params); err != nil {
		return nil, err
	}
	weight := 1.0
	if req.Weight != nil {
		weight = *req.Weight
	}
	if weight < 0 {
		return nil, fmt.Errorf("weight must not be negative")
	}
	return &domain.Assertion{Kind: req.Kind, Weight: weight, Params: req.Params, CreatedAt: now}, nil
}

func (s *Service) GetSuite(ctx context.Context, suiteID string) (*domain.Suite, error) {
	suite, err := s.store.GetSuite(ctx, suiteID)
	if err != nil {
		return nil, fmt.Errorf("failed to get suite: %w", err)
	}
	if suite == nil {
		return nil, fmt.Errorf("suite %s: %w", suiteID, domain.ErrNotFound)
	}
	return suite, nil
}

// ArchiveExample hides an example from future snapshots. Existing snapshots
// keep their copy.
func (s *Service) ArchiveExample(ctx context.Context, exampleID string) error {
	ok, err := s.store.ArchiveExample(ctx, exampleID)
	if err != nil {
		return fmt.Errorf("failed to archive example: %w", err)
	}
	if !ok {
		ex, err := s.store.GetExample(ctx, exampleID)
		if err != nil {
			return fmt.Errorf("failed to get example: %w", err)
		}
		if ex == nil {
			return fmt.Errorf("example %s: %w", exampleID, domain.ErrNotFound)
		}
	}
	return nil
}

func (s *Service) DeleteSuite(ctx context.Context, suiteID string) error {
	if _, err := s.GetSuite(ctx, suiteID); err != nil {
		return err
	}
	if err := s.store.DeleteSuite(ctx, suiteID); err != nil {
		return fmt.Errorf("failed to delete suite: %w", err)
	}
	return nil
}

// CreateSnapshot freezes the suite's current examples and assertions.
func (s *Service) CreateSnapshot(ctx context.Context, suiteID string) (*domain.SuiteSnapshot, error) {
	snap, err := s.store.CreateSnapshot(ctx, suiteID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	return snap, nil
}
