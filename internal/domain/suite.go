package domain

import (
	"encoding/json"
	"time"
)

// Suite is a named, mutable collection of examples.
type Suite struct {
	SuiteID     string    `json:"suite_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Archived    bool      `json:"archived"`
	Examples    []Example `json:"examples,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Example is a question plus the assertions checked against its answer.
type Example struct {
	ExampleID  string      `json:"example_id"`
	SuiteID    string      `json:"suite_id"`
	Question   string      `json:"question"`
	Position   int         `json:"position"`
	Archived   bool        `json:"archived"`
	Assertions []Assertion `json:"assertions,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Assertion is a live, editable rule owned by an example.
type Assertion struct {
	AssertionID string          `json:"assertion_id"`
	ExampleID   string          `json:"example_id"`
	Kind        Kind            `json:"kind"`
	Weight      float64         `json:"weight"`
	Params      json.RawMessage `json:"params"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SuiteSnapshot is the immutable copy of a suite taken when a run starts.
type SuiteSnapshot struct {
	SnapshotID    string            `json:"snapshot_id"`
	SourceSuiteID string            `json:"source_suite_id,omitempty"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Examples      []ExampleSnapshot `json:"examples,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// ExampleSnapshot is the frozen question of one example.
type ExampleSnapshot struct {
	ExampleSnapshotID string              `json:"example_snapshot_id"`
	SnapshotID        string              `json:"snapshot_id"`
	SourceExampleID   string              `json:"source_example_id,omitempty"`
	Question          string              `json:"question"`
	Position          int                 `json:"position"`
	Assertions        []AssertionSnapshot `json:"assertions,omitempty"`
}

// AssertionSnapshot is the frozen rule evaluated by a trial.
type AssertionSnapshot struct {
	AssertionSnapshotID string          `json:"assertion_snapshot_id"`
	ExampleSnapshotID   string          `json:"example_snapshot_id"`
	SourceAssertionID   string          `json:"source_assertion_id,omitempty"`
	Kind                Kind            `json:"kind"`
	Weight              float64         `json:"weight"`
	Params              json.RawMessage `json:"params"`
}

// Scored reports whether the assertion contributes to the trial score.
// Zero-weight assertions are diagnostic only.
func (a AssertionSnapshot) Scored() bool {
	return a.Weight > 0
}
