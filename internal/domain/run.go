package domain

import (
	"encoding/json"
	"time"
)

// Agent is an external agent under evaluation.
type Agent struct {
	AgentID       string          `json:"agent_id"`
	Name          string          `json:"name"`
	Endpoint      string          `json:"endpoint"`
	Datasource    string          `json:"datasource,omitempty"`
	Credentials   json.RawMessage `json:"-"`
	Config        json.RawMessage `json:"config,omitempty"`
	Status        string          `json:"status"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Run is one evaluation of one agent against one suite snapshot.
type Run struct {
	RunID               string          `json:"run_id"`
	AgentID             string          `json:"agent_id"`
	SnapshotID          string          `json:"snapshot_id"`
	Status              RunStatus       `json:"status"`
	AgentConfig         json.RawMessage `json:"agent_config,omitempty"`
	GenerateSuggestions bool            `json:"generate_suggestions"`
	MaxRetries          int             `json:"max_retries"`
	CreatedAt           time.Time       `json:"created_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// Duration is the wall-clock time between the first claim and completion.
// The second return value is false while either timestamp is missing.
func (r *Run) Duration() (time.Duration, bool) {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0, false
	}
	return r.CompletedAt.Sub(*r.StartedAt), true
}

// Trial is one unit of work: a run paired with one example snapshot.
type Trial struct {
	TrialID           string      `json:"trial_id"`
	RunID             string      `json:"run_id"`
	ExampleSnapshotID string      `json:"example_snapshot_id"`
	Status            TrialStatus `json:"status"`
	RetryCount        int         `json:"retry_count"`
	MaxRetries        int         `json:"max_retries"`
	ExecutorHandle    string      `json:"executor_handle,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
	DurationMs        *int64      `json:"duration_ms,omitempty"`
	TTFRMs            *int64      `json:"time_to_first_response_ms,omitempty"`
	Trace             string      `json:"trace,omitempty"`
	OutputText        string      `json:"output_text,omitempty"`
	ErrorMessage      string      `json:"error_message,omitempty"`
	ErrorStage        ErrorStage  `json:"error_stage,omitempty"`
	Score             *float64    `json:"score,omitempty"`
}

// CanRetry reports whether the retry budget allows another attempt.
func (t *Trial) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// AssertionResult is the outcome of one assertion snapshot against one trial.
type AssertionResult struct {
	ResultID            string    `json:"result_id"`
	TrialID             string    `json:"trial_id"`
	AssertionSnapshotID string    `json:"assertion_snapshot_id"`
	Kind                Kind      `json:"kind"`
	Weight              float64   `json:"weight"`
	Passed              bool      `json:"passed"`
	Score               float64   `json:"score"`
	Reasoning           string    `json:"reasoning,omitempty"`
	ErrorMessage        string    `json:"error_message,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// TrialCompletion carries what a successful attempt writes back.
type TrialCompletion struct {
	OutputText string
	Trace      string
	DurationMs int64
	TTFRMs     *int64
	Score      *float64
	Results    []AssertionResult
}

// AssertionDraft is an assertion proposed by the suggestion generator.
type AssertionDraft struct {
	Kind      Kind            `json:"kind"`
	Weight    float64         `json:"weight"`
	Params    json.RawMessage `json:"params"`
	Rationale string          `json:"rationale,omitempty"`
}

// SuggestedAssertion is a draft attached to a trial awaiting human review.
type SuggestedAssertion struct {
	SuggestionID      string           `json:"suggestion_id"`
	TrialID           string           `json:"trial_id"`
	ExampleSnapshotID string           `json:"example_snapshot_id"`
	Kind              Kind             `json:"kind"`
	Weight            float64          `json:"weight"`
	Params            json.RawMessage  `json:"params"`
	Rationale         string           `json:"rationale,omitempty"`
	Status            SuggestionStatus `json:"status"`
	CreatedAt         time.Time        `json:"created_at"`
	DecidedAt         *time.Time       `json:"decided_at,omitempty"`
}

// Event is an audit record scoped to a run.
type Event struct {
	EventID string          `json:"event_id"`
	RunID   string          `json:"run_id"`
	TrialID string          `json:"trial_id,omitempty"`
	Ts      int64           `json:"ts"` // Unix milliseconds
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
