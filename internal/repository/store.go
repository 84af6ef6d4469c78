// Package store defines the storage interface and implementations.
package store

import (
	"context"
	"time"

	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

// Store defines the interface for data persistence. The relational store is
// the only shared mutable state between the scheduler and the executors.
type Store interface {
	// Agent operations
	RegisterAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)

	// Suite operations
	CreateSuite(ctx context.Context, suite *domain.Suite) error
	GetSuite(ctx context.Context, suiteID string) (*domain.Suite, error)
	GetExample(ctx context.Context, exampleID string) (*domain.Example, error)
	ArchiveExample(ctx context.Context, exampleID string) (bool, error)
	CreateAssertion(ctx context.Context, assertion *domain.Assertion) error
	DeleteSuite(ctx context.Context, suiteID string) error

	// Snapshot operations
	CreateSnapshot(ctx context.Context, suiteID string, now time.Time) (*domain.SuiteSnapshot, error)
	GetSnapshot(ctx context.Context, snapshotID string) (*domain.SuiteSnapshot, error)
	GetExampleSnapshot(ctx context.Context, exampleSnapshotID string) (*domain.ExampleSnapshot, error)

	// Run operations
	CreateRun(ctx context.Context, run *domain.Run, suiteID string) ([]domain.Trial, error)
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	TransitionRun(ctx context.Context, runID string, from []domain.RunStatus, to domain.RunStatus) (bool, error)
	CancelRun(ctx context.Context, runID string, now time.Time) (bool, error)
	DeleteRun(ctx context.Context, runID string) (bool, error)
	CompleteFinishedRuns(ctx context.Context, now time.Time) ([]string, error)

	// Trial operations
	GetTrial(ctx context.Context, trialID string) (*domain.Trial, error)
	ListTrials(ctx context.Context, runID string) ([]domain.Trial, error)
	ClaimNextPendingTrial(ctx context.Context, now time.Time) (*domain.Trial, error)
	CountInProgressTrials(ctx context.Context) (int, error)
	ListInProgressTrials(ctx context.Context) ([]domain.Trial, error)
	ListStaleTrials(ctx context.Context, startedBefore time.Time) ([]domain.Trial, error)
	ListUnreconciledFailures(ctx context.Context) ([]domain.Trial, error)
	SetTrialHandle(ctx context.Context, trialID string, handle string) error
	BeginTrialAttempt(ctx context.Context, trialID string, attempt int) (bool, error)
	UpdateTrialStatus(ctx context.Context, trialID string, attempt int, from, to domain.TrialStatus) (bool, error)
	FailTrialAttempt(ctx context.Context, trialID string, attempt int, stage domain.ErrorStage, message, trace string, now time.Time) (bool, error)
	CompleteTrial(ctx context.Context, trialID string, attempt int, completion *domain.TrialCompletion, now time.Time) (bool, error)
	FinishTrial(ctx context.Context, trialID string, from domain.TrialStatus, attempt int, to domain.TrialStatus, stage domain.ErrorStage, message string, now time.Time) (bool, error)
	RequeueTrial(ctx context.Context, trialID string, from domain.TrialStatus, attempt int) (bool, error)
	ListResults(ctx context.Context, trialID string) ([]domain.AssertionResult, error)

	// Suggestion operations
	CreateSuggestions(ctx context.Context, suggestions []domain.SuggestedAssertion) error
	GetSuggestion(ctx context.Context, suggestionID string) (*domain.SuggestedAssertion, error)
	ListSuggestions(ctx context.Context, trialID string) ([]domain.SuggestedAssertion, error)
	RejectSuggestion(ctx context.Context, suggestionID string, now time.Time) (bool, error)
	AcceptSuggestion(ctx context.Context, suggestionID string, assertion *domain.Assertion, now time.Time) (bool, error)

	// Event operations
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, runID string, afterTs int64, types []string, limit int) ([]domain.Event, error)

	// Lifecycle
	Close() error
}
