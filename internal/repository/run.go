package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

const runColumns = `run_id, agent_id, snapshot_id, status, agent_config, generate_suggestions, max_retries, created_at, started_at, completed_at`

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var agentConfig sql.NullString
	var suggestions int
	var createdAt int64
	var startedAt, completedAt sql.NullInt64
	if err := row.Scan(&run.RunID, &run.AgentID, &run.SnapshotID, &run.Status, &agentConfig, &suggestions,
		&run.MaxRetries, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	if agentConfig.Valid && agentConfig.String != "" {
		run.AgentConfig = json.RawMessage(agentConfig.String)
	}
	run.GenerateSuggestions = suggestions != 0
	run.CreatedAt = fromMillis(createdAt)
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	return &run, nil
}

// CreateRun snapshots the suite, inserts the run and one PENDING trial per
// example snapshot, all in one transaction. The run's SnapshotID is filled
// in from the new snapshot.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run, suiteID string) ([]domain.Trial, error) {
	now := run.CreatedAt
	var trials []domain.Trial
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		snap, err := snapshotSuite(ctx, tx, suiteID, now)
		if err != nil {
			return err
		}
		run.SnapshotID = snap.SnapshotID
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.AgentID, run.SnapshotID, run.Status, nullStringBytes(run.AgentConfig),
			boolInt(run.GenerateSuggestions), run.MaxRetries, toMillis(now),
			nullMillis(run.StartedAt), nullMillis(run.CompletedAt)); err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		for _, es := range snap.Examples {
			trial := domain.Trial{
				TrialID:           newID("trial"),
				RunID:             run.RunID,
				ExampleSnapshotID: es.ExampleSnapshotID,
				Status:            domain.TrialStatusPending,
				MaxRetries:        run.MaxRetries,
				CreatedAt:         now,
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO trials (trial_id, run_id, example_snapshot_id, status, retry_count, max_retries, created_at)
				 VALUES (?, ?, ?, ?, 0, ?, ?)`,
				trial.TrialID, trial.RunID, trial.ExampleSnapshotID, trial.Status, trial.MaxRetries, toMillis(now)); err != nil {
				return fmt.Errorf("failed to insert trial: %w", err)
			}
			trials = append(trials, trial)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trials, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// TransitionRun moves a run to status `to` only if it is currently in one of `from`.
func (s *SQLiteStore) TransitionRun(ctx context.Context, runID string, from []domain.RunStatus, to domain.RunStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	placeholders := make([]string, len(from))
	args := []any{to, runID}
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE runs SET status = ? WHERE run_id = ? AND status IN (%s)`, strings.Join(placeholders, ",")),
		args...)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// CancelRun marks a non-terminal run CANCELLED and cancels its PENDING trials.
// In-flight trials are left to finish; their results are discarded by the
// executor.
func (s *SQLiteStore) CancelRun(ctx context.Context, runID string, now time.Time) (bool, error) {
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ? AND status IN (?, ?, ?)`,
			domain.RunStatusCancelled, toMillis(now), runID,
			domain.RunStatusPending, domain.RunStatusRunning, domain.RunStatusPaused)
		if err != nil {
			return err
		}
		if ok, err = rowsAffected(res); err != nil || !ok {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE trials SET status = ?, completed_at = ? WHERE run_id = ? AND status = ?`,
			domain.TrialStatusCancelled, toMillis(now), runID, domain.TrialStatusPending)
		return err
	})
	return ok, err
}

// DeleteRun removes a run, its trials, results, suggestions, events and its
// private suite snapshot.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) (bool, error) {
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var snapshotID string
		err := tx.QueryRowContext(ctx, `SELECT snapshot_id FROM runs WHERE run_id = ?`, runID).Scan(&snapshotID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("failed to delete run: %w", err)
		}
		var others int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE snapshot_id = ?`, snapshotID).Scan(&others); err != nil {
			return err
		}
		if others == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM suite_snapshots WHERE snapshot_id = ?`, snapshotID); err != nil {
				return fmt.Errorf("failed to delete snapshot: %w", err)
			}
		}
		ok = true
		return nil
	})
	return ok, err
}

// CompleteFinishedRuns marks COMPLETED every active run whose trials are all
// terminal and returns their IDs. Failures still awaiting retry
// reconciliation keep the run open.
func (s *SQLiteStore) CompleteFinishedRuns(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?
		 WHERE status IN (?, ?, ?)
		   AND EXISTS (SELECT 1 FROM trials t WHERE t.run_id = runs.run_id)
		   AND NOT EXISTS (
			SELECT 1 FROM trials t WHERE t.run_id = runs.run_id
			  AND (t.status NOT IN (?, ?, ?)
			       OR (t.status = ? AND t.error_stage IN (?, ?) AND t.executor_handle IS NOT NULL)))
		 RETURNING run_id`,
		domain.RunStatusCompleted, toMillis(now),
		domain.RunStatusPending, domain.RunStatusRunning, domain.RunStatusPaused,
		domain.TrialStatusCompleted, domain.TrialStatusFailed, domain.TrialStatusCancelled,
		domain.TrialStatusFailed, domain.ErrorStageExecuting, domain.ErrorStageEvaluating)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const trialColumns = `trial_id, run_id, example_snapshot_id, status, retry_count, max_retries, executor_handle,
	created_at, started_at, completed_at, duration_ms, ttfr_ms, trace, output_text, error_message, error_stage, score`

func scanTrial(row scanner) (*domain.Trial, error) {
	var t domain.Trial
	var handle, trace, output, errMsg, stage sql.NullString
	var createdAt int64
	var startedAt, completedAt, duration, ttfr sql.NullInt64
	var score sql.NullFloat64
	if err := row.Scan(&t.TrialID, &t.RunID, &t.ExampleSnapshotID, &t.Status, &t.RetryCount, &t.MaxRetries, &handle,
		&createdAt, &startedAt, &completedAt, &duration, &ttfr, &trace, &output, &errMsg, &stage, &score); err != nil {
		return nil, err
	}
	t.ExecutorHandle = handle.String
	t.CreatedAt = fromMillis(createdAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	t.DurationMs = int64Ptr(duration)
	t.TTFRMs = int64Ptr(ttfr)
	t.Trace = trace.String
	t.OutputText = output.String
	t.ErrorMessage = errMsg.String
	t.ErrorStage = domain.ErrorStage(stage.String)
	if score.Valid {
		v := score.Float64
		t.Score = &v
	}
	return &t, nil
}

func (s *SQLiteStore) listTrials(ctx context.Context, query string, args ...any) ([]domain.Trial, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trials []domain.Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		trials = append(trials, *t)
	}
	return trials, rows.Err()
}

// GetTrial retrieves a trial by ID.
func (s *SQLiteStore) GetTrial(ctx context.Context, trialID string) (*domain.Trial, error) {
	t, err := scanTrial(s.db.QueryRowContext(ctx, `SELECT `+trialColumns+` FROM trials WHERE trial_id = ?`, trialID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTrials lists a run's trials in creation order.
func (s *SQLiteStore) ListTrials(ctx context.Context, runID string) ([]domain.Trial, error) {
	return s.listTrials(ctx, `SELECT `+trialColumns+` FROM trials WHERE run_id = ? ORDER BY rowid`, runID)
}

// ClaimNextPendingTrial atomically moves the oldest PENDING trial of an
// active run to RUNNING and returns it, or returns (nil, nil) when nothing is
// claimable. A PENDING run is promoted to RUNNING in the same transaction.
func (s *SQLiteStore) ClaimNextPendingTrial(ctx context.Context, now time.Time) (*domain.Trial, error) {
	var claimed *domain.Trial
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTrial(tx.QueryRowContext(ctx,
			`UPDATE trials SET status = ?, started_at = ?, executor_handle = NULL
			 WHERE trial_id = (
				SELECT t.trial_id FROM trials t JOIN runs r ON r.run_id = t.run_id
				WHERE t.status = ? AND r.status IN (?, ?)
				ORDER BY r.rowid, t.rowid
				LIMIT 1)
			   AND status = ?
			 RETURNING `+trialColumns,
			domain.TrialStatusRunning, toMillis(now),
			domain.TrialStatusPending, domain.RunStatusPending, domain.RunStatusRunning,
			domain.TrialStatusPending))
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, started_at = ? WHERE run_id = ? AND status = ?`,
			domain.RunStatusRunning, toMillis(now), t.RunID, domain.RunStatusPending); err != nil {
			return fmt.Errorf("failed to promote run: %w", err)
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func inProgressPlaceholders() (string, []any) {
	placeholders := make([]string, len(domain.InProgressTrialStatuses))
	args := make([]any, len(domain.InProgressTrialStatuses))
	for i, st := range domain.InProgressTrialStatuses {
		placeholders[i] = "?"
		args[i] = st
	}
	return strings.Join(placeholders, ","), args
}

// CountInProgressTrials counts trials in RUNNING, EXECUTING or EVALUATING.
func (s *SQLiteStore) CountInProgressTrials(ctx context.Context) (int, error) {
	in, args := inProgressPlaceholders()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trials WHERE status IN (`+in+`)`, args...).Scan(&n)
	return n, err
}

// ListInProgressTrials lists every trial currently held by an executor.
func (s *SQLiteStore) ListInProgressTrials(ctx context.Context) ([]domain.Trial, error) {
	in, args := inProgressPlaceholders()
	return s.listTrials(ctx, `SELECT `+trialColumns+` FROM trials WHERE status IN (`+in+`) ORDER BY rowid`, args...)
}

// ListStaleTrials lists in-progress trials claimed before startedBefore.
func (s *SQLiteStore) ListStaleTrials(ctx context.Context, startedBefore time.Time) ([]domain.Trial, error) {
	in, args := inProgressPlaceholders()
	args = append(args, toMillis(startedBefore))
	return s.listTrials(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE status IN (`+in+`) AND started_at IS NOT NULL AND started_at < ? ORDER BY rowid`,
		args...)
}

// ListUnreconciledFailures lists trials an executor failed during agent
// execution or evaluation that the scheduler has not yet retried or
// finalized.
func (s *SQLiteStore) ListUnreconciledFailures(ctx context.Context) ([]domain.Trial, error) {
	return s.listTrials(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE status = ? AND error_stage IN (?, ?) AND executor_handle IS NOT NULL ORDER BY rowid`,
		domain.TrialStatusFailed, domain.ErrorStageExecuting, domain.ErrorStageEvaluating)
}

// SetTrialHandle records the executor handle of a launched trial.
func (s *SQLiteStore) SetTrialHandle(ctx context.Context, trialID string, handle string) error {
	in, args := inProgressPlaceholders()
	args = append([]any{handle, trialID}, args...)
	_, err := s.db.ExecContext(ctx,
		`UPDATE trials SET executor_handle = ? WHERE trial_id = ? AND status IN (`+in+`)`, args...)
	return err
}

// BeginTrialAttempt clears whatever a previous attempt left behind so the
// executor starts from a clean row. It only applies while the trial is
// RUNNING for the given attempt.
func (s *SQLiteStore) BeginTrialAttempt(ctx context.Context, trialID string, attempt int) (bool, error) {
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE trials SET completed_at = NULL, duration_ms = NULL, ttfr_ms = NULL, trace = NULL,
				output_text = NULL, error_message = NULL, error_stage = NULL, score = NULL
			 WHERE trial_id = ? AND retry_count = ? AND status = ?`,
			trialID, attempt, domain.TrialStatusRunning)
		if err != nil {
			return err
		}
		if ok, err = rowsAffected(res); err != nil || !ok {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM assertion_results WHERE trial_id = ?`, trialID)
		return err
	})
	return ok, err
}

// UpdateTrialStatus moves a trial between in-progress statuses for one attempt.
func (s *SQLiteStore) UpdateTrialStatus(ctx context.Context, trialID string, attempt int, from, to domain.TrialStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trials SET status = ? WHERE trial_id = ? AND retry_count = ? AND status = ?`,
		to, trialID, attempt, from)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// exitedHandle stands in for the handle of an executor that failed before
// the scheduler recorded one.
const exitedHandle = "exited:"

// FailTrialAttempt records an executor-side failure. The executor handle is
// kept, or set to a placeholder when none was recorded yet, so the scheduler
// can tell an unreconciled agent failure apart from a finalized one.
func (s *SQLiteStore) FailTrialAttempt(ctx context.Context, trialID string, attempt int, stage domain.ErrorStage, message, trace string, now time.Time) (bool, error) {
	in, args := inProgressPlaceholders()
	args = append([]any{domain.TrialStatusFailed, nullString(string(stage)), nullString(message), nullString(trace), toMillis(now), exitedHandle, trialID, attempt}, args...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE trials SET status = ?, error_stage = ?, error_message = ?, trace = ?, completed_at = ?,
			executor_handle = COALESCE(executor_handle, ?)
		 WHERE trial_id = ? AND retry_count = ? AND status IN (`+in+`)`, args...)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// CompleteTrial writes a successful attempt's output, timing, score and
// assertion results in one transaction.
func (s *SQLiteStore) CompleteTrial(ctx context.Context, trialID string, attempt int, c *domain.TrialCompletion, now time.Time) (bool, error) {
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE trials SET status = ?, output_text = ?, trace = ?, duration_ms = ?, ttfr_ms = ?, score = ?,
				completed_at = ?, error_message = NULL, error_stage = NULL
			 WHERE trial_id = ? AND retry_count = ? AND status = ?`,
			domain.TrialStatusCompleted, nullString(c.OutputText), nullString(c.Trace), c.DurationMs,
			nullInt64(c.TTFRMs), nullFloat(c.Score), toMillis(now),
			trialID, attempt, domain.TrialStatusEvaluating)
		if err != nil {
			return err
		}
		if ok, err = rowsAffected(res); err != nil || !ok {
			return err
		}
		for i := range c.Results {
			r := &c.Results[i]
			if r.ResultID == "" {
				r.ResultID = newID("res")
			}
			r.TrialID = trialID
			if r.CreatedAt.IsZero() {
				r.CreatedAt = now
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO assertion_results (result_id, trial_id, assertion_snapshot_id, kind, weight, passed, score, reasoning, error_message, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ResultID, r.TrialID, r.AssertionSnapshotID, r.Kind, r.Weight, boolInt(r.Passed), r.Score,
				nullString(r.Reasoning), nullString(r.ErrorMessage), toMillis(r.CreatedAt)); err != nil {
				return fmt.Errorf("failed to insert assertion result: %w", err)
			}
		}
		return nil
	})
	return ok, err
}

// FinishTrial moves a trial to a terminal status and clears its executor
// handle. It is the scheduler's way of finalizing a trial it will not retry.
func (s *SQLiteStore) FinishTrial(ctx context.Context, trialID string, from domain.TrialStatus, attempt int, to domain.TrialStatus, stage domain.ErrorStage, message string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trials SET status = ?, executor_handle = NULL, completed_at = ?,
			error_stage = COALESCE(?, error_stage), error_message = COALESCE(?, error_message)
		 WHERE trial_id = ? AND retry_count = ? AND status = ?`,
		to, toMillis(now), nullString(string(stage)), nullString(message), trialID, attempt, from)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// RequeueTrial resets a trial to PENDING for another attempt, increments its
// retry count and reopens its run if aggregation already closed it.
func (s *SQLiteStore) RequeueTrial(ctx context.Context, trialID string, from domain.TrialStatus, attempt int) (bool, error) {
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var runID string
		err := tx.QueryRowContext(ctx,
			`UPDATE trials SET status = ?, retry_count = retry_count + 1, executor_handle = NULL,
				started_at = NULL, completed_at = NULL, duration_ms = NULL, ttfr_ms = NULL, trace = NULL,
				output_text = NULL, error_message = NULL, error_stage = NULL, score = NULL
			 WHERE trial_id = ? AND retry_count = ? AND status = ?
			 RETURNING run_id`,
			domain.TrialStatusPending, trialID, attempt, from).Scan(&runID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM assertion_results WHERE trial_id = ?`, trialID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, completed_at = NULL WHERE run_id = ? AND status IN (?, ?)`,
			domain.RunStatusRunning, runID, domain.RunStatusCompleted, domain.RunStatusFailed); err != nil {
			return fmt.Errorf("failed to reopen run: %w", err)
		}
		ok = true
		return nil
	})
	return ok, err
}
