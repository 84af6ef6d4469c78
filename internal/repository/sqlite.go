package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if !memory {
		dsn = withConnParams(dsn)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if err := execWithRetry(db, "PRAGMA foreign_keys = ON", 5, 10*time.Millisecond); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// withConnParams adds the per-connection settings every pooled connection
// needs. Executor processes open the same file concurrently, so writers wait
// on locks instead of failing, and transactions take the write lock up front.
func withConnParams(dsn string) string {
	params := []string{
		"_foreign_keys=on",
		"_busy_timeout=5000",
		"_journal_mode=WAL",
		"_txlock=immediate",
	}
	for _, p := range params {
		key := p[:strings.Index(p, "=")+1]
		if strings.Contains(dsn, key) {
			continue
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + p
		} else {
			dsn += "?" + p
		}
	}
	return dsn
}

// execWithRetry executes a statement with exponential backoff on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			datasource TEXT,
			credentials TEXT,
			config TEXT,
			status TEXT NOT NULL DEFAULT 'healthy',
			last_heartbeat DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS suites (
			suite_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			tags TEXT,
			archived INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS examples (
			example_id TEXT PRIMARY KEY,
			suite_id TEXT NOT NULL,
			question TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			archived INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (suite_id) REFERENCES suites(suite_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_examples_suite ON examples(suite_id, position)`,
		`CREATE TABLE IF NOT EXISTS assertions (
			assertion_id TEXT PRIMARY KEY,
			example_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 1,
			params TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (example_id) REFERENCES examples(example_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assertions_example ON assertions(example_id)`,
		`CREATE TABLE IF NOT EXISTS suite_snapshots (
			snapshot_id TEXT PRIMARY KEY,
			source_suite_id TEXT,
			name TEXT NOT NULL,
			description TEXT,
			tags TEXT,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (source_suite_id) REFERENCES suites(suite_id) ON DELETE SET NULL
		)`,
		`CREATE TABLE IF NOT EXISTS example_snapshots (
			example_snapshot_id TEXT PRIMARY KEY,
			snapshot_id TEXT NOT NULL,
			source_example_id TEXT,
			question TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (snapshot_id) REFERENCES suite_snapshots(snapshot_id) ON DELETE CASCADE,
			FOREIGN KEY (source_example_id) REFERENCES examples(example_id) ON DELETE SET NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_example_snapshots_snapshot ON example_snapshots(snapshot_id, position)`,
		`CREATE TABLE IF NOT EXISTS assertion_snapshots (
			assertion_snapshot_id TEXT PRIMARY KEY,
			example_snapshot_id TEXT NOT NULL,
			source_assertion_id TEXT,
			kind TEXT NOT NULL,
			weight REAL NOT NULL,
			params TEXT NOT NULL,
			FOREIGN KEY (example_snapshot_id) REFERENCES example_snapshots(example_snapshot_id) ON DELETE CASCADE,
			FOREIGN KEY (source_assertion_id) REFERENCES assertions(assertion_id) ON DELETE SET NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assertion_snapshots_example ON assertion_snapshots(example_snapshot_id)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			snapshot_id TEXT NOT NULL,
			status TEXT NOT NULL,
			agent_config TEXT,
			generate_suggestions INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			FOREIGN KEY (agent_id) REFERENCES agents(agent_id),
			FOREIGN KEY (snapshot_id) REFERENCES suite_snapshots(snapshot_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS trials (
			trial_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			example_snapshot_id TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			executor_handle TEXT,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			duration_ms INTEGER,
			trace TEXT,
			output_text TEXT,
			error_message TEXT,
			error_stage TEXT,
			score REAL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE,
			FOREIGN KEY (example_snapshot_id) REFERENCES example_snapshots(example_snapshot_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trials_run ON trials(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trials_status ON trials(status)`,
		`CREATE TABLE IF NOT EXISTS assertion_results (
			result_id TEXT PRIMARY KEY,
			trial_id TEXT NOT NULL,
			assertion_snapshot_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			weight REAL NOT NULL,
			passed INTEGER NOT NULL,
			score REAL NOT NULL,
			reasoning TEXT,
			error_message TEXT,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (trial_id) REFERENCES trials(trial_id) ON DELETE CASCADE,
			FOREIGN KEY (assertion_snapshot_id) REFERENCES assertion_snapshots(assertion_snapshot_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assertion_results_trial ON assertion_results(trial_id)`,
		`CREATE TABLE IF NOT EXISTS suggested_assertions (
			suggestion_id TEXT PRIMARY KEY,
			trial_id TEXT NOT NULL,
			example_snapshot_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			weight REAL NOT NULL,
			params TEXT NOT NULL,
			rationale TEXT,
			status TEXT NOT NULL DEFAULT 'PENDING',
			created_at INTEGER NOT NULL,
			decided_at INTEGER,
			FOREIGN KEY (trial_id) REFERENCES trials(trial_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_suggested_assertions_trial ON suggested_assertions(trial_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			trial_id TEXT,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, ts)`,
	}

	for _, m := range migrations {
		if err := execWithRetry(s.db, m, 5, 10*time.Millisecond); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Add new columns for existing DBs (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("trials", "ttfr_ms", "ALTER TABLE trials ADD COLUMN ttfr_ms INTEGER"); err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	return execWithRetry(s.db, ddl, 5, 10*time.Millisecond)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing only if fn succeeds.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RegisterAgent registers or updates an agent. Updating keeps the row, so
// runs referencing the agent stay valid.
func (s *SQLiteStore) RegisterAgent(ctx context.Context, agent *domain.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, name, endpoint, datasource, credentials, config, status, last_heartbeat, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
			name = excluded.name, endpoint = excluded.endpoint, datasource = excluded.datasource,
			credentials = excluded.credentials, config = excluded.config, status = excluded.status,
			last_heartbeat = excluded.last_heartbeat`,
		agent.AgentID, agent.Name, agent.Endpoint, nullString(agent.Datasource), nullStringBytes(agent.Credentials),
		nullStringBytes(agent.Config), agent.Status, agent.LastHeartbeat, agent.CreatedAt)
	return err
}

const agentColumns = `agent_id, name, endpoint, datasource, credentials, config, status, last_heartbeat, created_at`

func scanAgent(row scanner) (*domain.Agent, error) {
	var agent domain.Agent
	var datasource, creds, cfg sql.NullString
	var lastHeartbeat sql.NullTime
	if err := row.Scan(&agent.AgentID, &agent.Name, &agent.Endpoint, &datasource, &creds, &cfg, &agent.Status, &lastHeartbeat, &agent.CreatedAt); err != nil {
		return nil, err
	}
	agent.Datasource = datasource.String
	if creds.Valid {
		agent.Credentials = json.RawMessage(creds.String)
	}
	if cfg.Valid {
		agent.Config = json.RawMessage(cfg.String)
	}
	if lastHeartbeat.Valid {
		agent.LastHeartbeat = &lastHeartbeat.Time
	}
	return &agent, nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	agent, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// ListAgents lists all agents.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// CreateEvent creates a new event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, trial_id, ts, type, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, event.RunID, nullString(event.TrialID), event.Ts, event.Type, payload)
	return err
}

// GetEvents retrieves events for a run.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, run_id, trial_id, ts, type, payload FROM events WHERE run_id = ?`
	args := []interface{}{runID}

	if afterTs > 0 {
		query += ` AND ts > ?`
		args = append(args, afterTs)
	}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY ts ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var trialID, payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.RunID, &trialID, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		event.TrialID = trialID.String
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// newID returns a short prefixed identifier.
func newID(prefix string) string {
	return prefix + "_" + uuid.New().String()[:8]
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeTags(tags []string) sql.NullString {
	if len(tags) == 0 {
		return sql.NullString{}
	}
	b, _ := json.Marshal(tags)
	return sql.NullString{String: string(b), Valid: true}
}

func decodeTags(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(v.String), &tags); err != nil {
		return nil
	}
	return tags
}

func rowsAffected(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
