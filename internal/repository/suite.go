package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

// CreateSuite inserts a suite together with its examples and assertions.
// Missing ids are generated.
func (s *SQLiteStore) CreateSuite(ctx context.Context, suite *domain.Suite) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if suite.SuiteID == "" {
			suite.SuiteID = newID("suite")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO suites (suite_id, name, description, tags, archived, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			suite.SuiteID, suite.Name, nullString(suite.Description), encodeTags(suite.Tags),
			boolInt(suite.Archived), toMillis(suite.CreatedAt)); err != nil {
			return fmt.Errorf("failed to insert suite: %w", err)
		}

		for i := range suite.Examples {
			ex := &suite.Examples[i]
			if ex.ExampleID == "" {
				ex.ExampleID = newID("ex")
			}
			ex.SuiteID = suite.SuiteID
			if ex.CreatedAt.IsZero() {
				ex.CreatedAt = suite.CreatedAt
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO examples (example_id, suite_id, question, position, archived, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				ex.ExampleID, ex.SuiteID, ex.Question, ex.Position, boolInt(ex.Archived), toMillis(ex.CreatedAt)); err != nil {
				return fmt.Errorf("failed to insert example: %w", err)
			}
			for j := range ex.Assertions {
				a := &ex.Assertions[j]
				a.ExampleID = ex.ExampleID
				if a.CreatedAt.IsZero() {
					a.CreatedAt = ex.CreatedAt
				}
				if err := insertAssertion(ctx, tx, a); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func insertAssertion(ctx context.Context, tx *sql.Tx, a *domain.Assertion) error {
	if a.AssertionID == "" {
		a.AssertionID = newID("asrt")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO assertions (assertion_id, example_id, kind, weight, params, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.AssertionID, a.ExampleID, a.Kind, a.Weight, string(a.Params), toMillis(a.CreatedAt)); err != nil {
		return fmt.Errorf("failed to insert assertion: %w", err)
	}
	return nil
}

// GetSuite retrieves a suite with all of its examples and assertions,
// archived examples included.
func (s *SQLiteStore) GetSuite(ctx context.Context, suiteID string) (*domain.Suite, error) {
	var suite domain.Suite
	var description, tags sql.NullString
	var archived int
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT suite_id, name, description, tags, archived, created_at FROM suites WHERE suite_id = ?`, suiteID,
	).Scan(&suite.SuiteID, &suite.Name, &description, &tags, &archived, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	suite.Description = description.String
	suite.Tags = decodeTags(tags)
	suite.Archived = archived != 0
	suite.CreatedAt = fromMillis(createdAt)

	examples, err := s.listExamples(ctx, `WHERE suite_id = ?`, suiteID)
	if err != nil {
		return nil, err
	}
	suite.Examples = examples
	return &suite, nil
}

// GetExample retrieves one example with its assertions.
func (s *SQLiteStore) GetExample(ctx context.Context, exampleID string) (*domain.Example, error) {
	examples, err := s.listExamples(ctx, `WHERE example_id = ?`, exampleID)
	if err != nil {
		return nil, err
	}
	if len(examples) == 0 {
		return nil, nil
	}
	return &examples[0], nil
}

func (s *SQLiteStore) listExamples(ctx context.Context, where string, args ...any) ([]domain.Example, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT example_id, suite_id, question, position, archived, created_at FROM examples `+where+` ORDER BY position, rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var examples []domain.Example
	for rows.Next() {
		var ex domain.Example
		var archived int
		var createdAt int64
		if err := rows.Scan(&ex.ExampleID, &ex.SuiteID, &ex.Question, &ex.Position, &archived, &createdAt); err != nil {
			return nil, err
		}
		ex.Archived = archived != 0
		ex.CreatedAt = fromMillis(createdAt)
		examples = append(examples, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range examples {
		assertions, err := s.listAssertions(ctx, examples[i].ExampleID)
		if err != nil {
			return nil, err
		}
		examples[i].Assertions = assertions
	}
	return examples, nil
}

func (s *SQLiteStore) listAssertions(ctx context.Context, exampleID string) ([]domain.Assertion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT assertion_id, example_id, kind, weight, params, created_at FROM assertions WHERE example_id = ? ORDER BY rowid`, exampleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assertions []domain.Assertion
	for rows.Next() {
		var a domain.Assertion
		var params string
		var createdAt int64
		if err := rows.Scan(&a.AssertionID, &a.ExampleID, &a.Kind, &a.Weight, &params, &createdAt); err != nil {
			return nil, err
		}
		a.Params = json.RawMessage(params)
		a.CreatedAt = fromMillis(createdAt)
		assertions = append(assertions, a)
	}
	return assertions, rows.Err()
}

// ArchiveExample marks an example archived so later snapshots skip it.
func (s *SQLiteStore) ArchiveExample(ctx context.Context, exampleID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE examples SET archived = 1 WHERE example_id = ? AND archived = 0`, exampleID)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// CreateAssertion appends an assertion to an existing example.
func (s *SQLiteStore) CreateAssertion(ctx context.Context, assertion *domain.Assertion) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertAssertion(ctx, tx, assertion)
	})
}

// DeleteSuite removes a suite and its live examples. Snapshots survive with
// their source references cleared.
func (s *SQLiteStore) DeleteSuite(ctx context.Context, suiteID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM suites WHERE suite_id = ?`, suiteID)
	return err
}

// CreateSnapshot copies the suite's non-archived examples and their
// assertions into fresh snapshot rows in one transaction. It returns
// domain.ErrNotFound when the suite does not exist.
func (s *SQLiteStore) CreateSnapshot(ctx context.Context, suiteID string, now time.Time) (*domain.SuiteSnapshot, error) {
	var snap *domain.SuiteSnapshot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		snap, err = snapshotSuite(ctx, tx, suiteID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func snapshotSuite(ctx context.Context, tx *sql.Tx, suiteID string, now time.Time) (*domain.SuiteSnapshot, error) {
	var description, tags sql.NullString
	snap := &domain.SuiteSnapshot{SnapshotID: newID("snap"), SourceSuiteID: suiteID, CreatedAt: now}
	err := tx.QueryRowContext(ctx,
		`SELECT name, description, tags FROM suites WHERE suite_id = ?`, suiteID,
	).Scan(&snap.Name, &description, &tags)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("suite %s: %w", suiteID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	snap.Description = description.String
	snap.Tags = decodeTags(tags)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO suite_snapshots (snapshot_id, source_suite_id, name, description, tags, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, suiteID, snap.Name, description, tags, toMillis(now)); err != nil {
		return nil, fmt.Errorf("failed to insert suite snapshot: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT example_id, question FROM examples WHERE suite_id = ? AND archived = 0 ORDER BY position, rowid`, suiteID)
	if err != nil {
		return nil, err
	}
	var sources []string
	for rows.Next() {
		var exampleID, question string
		if err := rows.Scan(&exampleID, &question); err != nil {
			rows.Close()
			return nil, err
		}
		sources = append(sources, exampleID)
		snap.Examples = append(snap.Examples, domain.ExampleSnapshot{
			ExampleSnapshotID: newID("exsnap"),
			SnapshotID:        snap.SnapshotID,
			SourceExampleID:   exampleID,
			Question:          question,
			Position:          len(snap.Examples),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range snap.Examples {
		es := &snap.Examples[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO example_snapshots (example_snapshot_id, snapshot_id, source_example_id, question, position) VALUES (?, ?, ?, ?, ?)`,
			es.ExampleSnapshotID, es.SnapshotID, es.SourceExampleID, es.Question, es.Position); err != nil {
			return nil, fmt.Errorf("failed to insert example snapshot: %w", err)
		}
		assertions, err := copyAssertions(ctx, tx, sources[i], es.ExampleSnapshotID)
		if err != nil {
			return nil, err
		}
		es.Assertions = assertions
	}
	return snap, nil
}

func copyAssertions(ctx context.Context, tx *sql.Tx, exampleID, exampleSnapshotID string) ([]domain.AssertionSnapshot, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT assertion_id, kind, weight, params FROM assertions WHERE example_id = ? ORDER BY rowid`, exampleID)
	if err != nil {
		return nil, err
	}
	var copies []domain.AssertionSnapshot
	for rows.Next() {
		var a domain.AssertionSnapshot
		var params string
		if err := rows.Scan(&a.SourceAssertionID, &a.Kind, &a.Weight, &params); err != nil {
			rows.Close()
			return nil, err
		}
		a.AssertionSnapshotID = newID("asnap")
		a.ExampleSnapshotID = exampleSnapshotID
		a.Params = json.RawMessage(params)
		copies = append(copies, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range copies {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO assertion_snapshots (assertion_snapshot_id, example_snapshot_id, source_assertion_id, kind, weight, params) VALUES (?, ?, ?, ?, ?, ?)`,
			a.AssertionSnapshotID, a.ExampleSnapshotID, a.SourceAssertionID, a.Kind, a.Weight, string(a.Params)); err != nil {
			return nil, fmt.Errorf("failed to insert assertion snapshot: %w", err)
		}
	}
	return copies, nil
}

// GetSnapshot retrieves a snapshot with its example and assertion snapshots.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, snapshotID string) (*domain.SuiteSnapshot, error) {
	var snap domain.SuiteSnapshot
	var source, description, tags sql.NullString
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot_id, source_suite_id, name, description, tags, created_at FROM suite_snapshots WHERE snapshot_id = ?`, snapshotID,
	).Scan(&snap.SnapshotID, &source, &snap.Name, &description, &tags, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.SourceSuiteID = source.String
	snap.Description = description.String
	snap.Tags = decodeTags(tags)
	snap.CreatedAt = fromMillis(createdAt)

	examples, err := s.listExampleSnapshots(ctx, `WHERE snapshot_id = ?`, snapshotID)
	if err != nil {
		return nil, err
	}
	snap.Examples = examples
	return &snap, nil
}

// GetExampleSnapshot retrieves one frozen example with its assertions.
func (s *SQLiteStore) GetExampleSnapshot(ctx context.Context, exampleSnapshotID string) (*domain.ExampleSnapshot, error) {
	examples, err := s.listExampleSnapshots(ctx, `WHERE example_snapshot_id = ?`, exampleSnapshotID)
	if err != nil {
		return nil, err
	}
	if len(examples) == 0 {
		return nil, nil
	}
	return &examples[0], nil
}

func (s *SQLiteStore) listExampleSnapshots(ctx context.Context, where string, args ...any) ([]domain.ExampleSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT example_snapshot_id, snapshot_id, source_example_id, question, position FROM example_snapshots `+where+` ORDER BY position`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var examples []domain.ExampleSnapshot
	for rows.Next() {
		var es domain.ExampleSnapshot
		var source sql.NullString
		if err := rows.Scan(&es.ExampleSnapshotID, &es.SnapshotID, &source, &es.Question, &es.Position); err != nil {
			return nil, err
		}
		es.SourceExampleID = source.String
		examples = append(examples, es)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range examples {
		assertions, err := s.listAssertionSnapshots(ctx, examples[i].ExampleSnapshotID)
		if err != nil {
			return nil, err
		}
		examples[i].Assertions = assertions
	}
	return examples, nil
}

func (s *SQLiteStore) listAssertionSnapshots(ctx context.Context, exampleSnapshotID string) ([]domain.AssertionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT assertion_snapshot_id, example_snapshot_id, source_assertion_id, kind, weight, params
		 FROM assertion_snapshots WHERE example_snapshot_id = ? ORDER BY rowid`, exampleSnapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assertions []domain.AssertionSnapshot
	for rows.Next() {
		var a domain.AssertionSnapshot
		var source sql.NullString
		var params string
		if err := rows.Scan(&a.AssertionSnapshotID, &a.ExampleSnapshotID, &source, &a.Kind, &a.Weight, &params); err != nil {
			return nil, err
		}
		a.SourceAssertionID = source.String
		a.Params = json.RawMessage(params)
		assertions = append(assertions, a)
	}
	return assertions, rows.Err()
}
