package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

// ListResults lists the assertion results of a trial's latest attempt.
func (s *SQLiteStore) ListResults(ctx context.Context, trialID string) ([]domain.AssertionResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result_id, trial_id, assertion_snapshot_id, kind, weight, passed, score, reasoning, error_message, created_at
		 FROM assertion_results WHERE trial_id = ? ORDER BY rowid`, trialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.AssertionResult
	for rows.Next() {
		var r domain.AssertionResult
		var passed int
		var reasoning, errMsg sql.NullString
		var createdAt int64
		if err := rows.Scan(&r.ResultID, &r.TrialID, &r.AssertionSnapshotID, &r.Kind, &r.Weight, &passed, &r.Score,
			&reasoning, &errMsg, &createdAt); err != nil {
			return nil, err
		}
		r.Passed = passed != 0
		r.Reasoning = reasoning.String
		r.ErrorMessage = errMsg.String
		r.CreatedAt = fromMillis(createdAt)
		results = append(results, r)
	}
	return results, rows.Err()
}

// CreateSuggestions stores generated assertion drafts for review.
func (s *SQLiteStore) CreateSuggestions(ctx context.Context, suggestions []domain.SuggestedAssertion) error {
	if len(suggestions) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range suggestions {
			sg := &suggestions[i]
			if sg.SuggestionID == "" {
				sg.SuggestionID = newID("sugg")
			}
			if sg.Status == "" {
				sg.Status = domain.SuggestionStatusPending
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO suggested_assertions (suggestion_id, trial_id, example_snapshot_id, kind, weight, params, rationale, status, created_at, decided_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				sg.SuggestionID, sg.TrialID, sg.ExampleSnapshotID, sg.Kind, sg.Weight, string(sg.Params),
				nullString(sg.Rationale), sg.Status, toMillis(sg.CreatedAt), nullMillis(sg.DecidedAt)); err != nil {
				return fmt.Errorf("failed to insert suggestion: %w", err)
			}
		}
		return nil
	})
}

const suggestionColumns = `suggestion_id, trial_id, example_snapshot_id, kind, weight, params, rationale, status, created_at, decided_at`

func scanSuggestion(row scanner) (*domain.SuggestedAssertion, error) {
	var sg domain.SuggestedAssertion
	var params string
	var rationale sql.NullString
	var createdAt int64
	var decidedAt sql.NullInt64
	if err := row.Scan(&sg.SuggestionID, &sg.TrialID, &sg.ExampleSnapshotID, &sg.Kind, &sg.Weight, &params,
		&rationale, &sg.Status, &createdAt, &decidedAt); err != nil {
		return nil, err
	}
	sg.Params = json.RawMessage(params)
	sg.Rationale = rationale.String
	sg.CreatedAt = fromMillis(createdAt)
	sg.DecidedAt = timePtr(decidedAt)
	return &sg, nil
}

// GetSuggestion retrieves a suggestion by ID.
func (s *SQLiteStore) GetSuggestion(ctx context.Context, suggestionID string) (*domain.SuggestedAssertion, error) {
	sg, err := scanSuggestion(s.db.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM suggested_assertions WHERE suggestion_id = ?`, suggestionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sg, nil
}

// ListSuggestions lists the suggestions attached to a trial.
func (s *SQLiteStore) ListSuggestions(ctx context.Context, trialID string) ([]domain.SuggestedAssertion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+suggestionColumns+` FROM suggested_assertions WHERE trial_id = ? ORDER BY rowid`, trialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SuggestedAssertion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, rows.Err()
}

// RejectSuggestion marks a PENDING suggestion REJECTED.
func (s *SQLiteStore) RejectSuggestion(ctx context.Context, suggestionID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE suggested_assertions SET status = ?, decided_at = ? WHERE suggestion_id = ? AND status = ?`,
		domain.SuggestionStatusRejected, toMillis(now), suggestionID, domain.SuggestionStatusPending)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// AcceptSuggestion marks a PENDING suggestion ACCEPTED and inserts the live
// assertion in the same transaction. Snapshots already taken are untouched.
func (s *SQLiteStore) AcceptSuggestion(ctx context.Context, suggestionID string, assertion *domain.Assertion, now time.Time) (bool, error) {
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE suggested_assertions SET status = ?, decided_at = ? WHERE suggestion_id = ? AND status = ?`,
			domain.SuggestionStatusAccepted, toMillis(now), suggestionID, domain.SuggestionStatusPending)
		if err != nil {
			return err
		}
		if ok, err = rowsAffected(res); err != nil || !ok {
			return err
		}
		if assertion.CreatedAt.IsZero() {
			assertion.CreatedAt = now
		}
		return insertAssertion(ctx, tx, assertion)
	})
	return ok, err
}
