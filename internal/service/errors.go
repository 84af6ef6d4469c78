package service

import (
	"errors"
	"fmt"

	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

var (
	// ErrDataIntegrity means a trial references a run, example snapshot or
	// agent that does not exist. Such a trial is failed without retry.
	ErrDataIntegrity = errors.New("data integrity violation")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// ExecutionError is a transient trial failure. The scheduler decides whether
// it is retried.
type ExecutionError struct {
	TrialID string
	Stage   domain.ErrorStage
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("trial %s failed while %s: %v", e.TrialID, e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
