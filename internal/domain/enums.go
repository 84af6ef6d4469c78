// Package domain defines the core domain models for the evaluator.
package domain

import "errors"

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when an entity is not in a state that allows the operation.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAdmissionDenied is returned when the run admission policy rejects a run.
	ErrAdmissionDenied = errors.New("run admission denied")
)

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusPaused    RunStatus = "PAUSED"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether no further scheduling happens for the run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// TrialStatus represents the status of a trial.
type TrialStatus string

const (
	TrialStatusPending    TrialStatus = "PENDING"
	TrialStatusRunning    TrialStatus = "RUNNING"
	TrialStatusExecuting  TrialStatus = "EXECUTING"
	TrialStatusEvaluating TrialStatus = "EVALUATING"
	TrialStatusCompleted  TrialStatus = "COMPLETED"
	TrialStatusFailed     TrialStatus = "FAILED"
	TrialStatusCancelled  TrialStatus = "CANCELLED"
)

// InProgressTrialStatuses are the statuses of a trial held by an executor.
var InProgressTrialStatuses = []TrialStatus{
	TrialStatusRunning,
	TrialStatusExecuting,
	TrialStatusEvaluating,
}

// IsTerminal reports whether the trial has finished, successfully or not.
func (s TrialStatus) IsTerminal() bool {
	switch s {
	case TrialStatusCompleted, TrialStatusFailed, TrialStatusCancelled:
		return true
	}
	return false
}

// IsInProgress reports whether an executor currently owns the trial.
func (s TrialStatus) IsInProgress() bool {
	switch s {
	case TrialStatusRunning, TrialStatusExecuting, TrialStatusEvaluating:
		return true
	}
	return false
}

// ErrorStage records where a trial attempt failed.
type ErrorStage string

const (
	ErrorStageLoading     ErrorStage = "LOADING"
	ErrorStageLaunching   ErrorStage = "LAUNCHING"
	ErrorStageExecuting   ErrorStage = "EXECUTING"
	ErrorStageEvaluating  ErrorStage = "EVALUATING"
	ErrorStageSupervision ErrorStage = "SUPERVISION"
)

// SuggestionStatus represents the review state of a suggested assertion.
type SuggestionStatus string

const (
	SuggestionStatusPending  SuggestionStatus = "PENDING"
	SuggestionStatusAccepted SuggestionStatus = "ACCEPTED"
	SuggestionStatusRejected SuggestionStatus = "REJECTED"
)

// EventType represents the type of a run event.
type EventType string

const (
	EventTypeRunCreated     EventType = "run_created"
	EventTypeRunPaused      EventType = "run_paused"
	EventTypeRunResumed     EventType = "run_resumed"
	EventTypeRunCancelled   EventType = "run_cancelled"
	EventTypeRunCompleted   EventType = "run_completed"
	EventTypeTrialClaimed   EventType = "trial_claimed"
	EventTypeTrialLaunched  EventType = "trial_launched"
	EventTypeTrialCompleted EventType = "trial_completed"
	EventTypeTrialFailed    EventType = "trial_failed"
	EventTypeTrialRetried   EventType = "trial_retried"
	EventTypeTrialCancelled EventType = "trial_cancelled"
)
