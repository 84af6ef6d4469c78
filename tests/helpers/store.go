package helpers

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/xiaot623/gogo/evaluator/internal/domain"
	"github.com/xiaot623/gogo/evaluator/internal/repository"
)

func NewTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// NewFileSQLiteStore opens a store backed by a file in a temp dir, for tests
// that need several connections.
func NewFileSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	return NewTestSQLiteStoreAt(t, "file:"+filepath.Join(t.TempDir(), "evaluator.db")+"?mode=rwc")
}

// NewTestSQLiteStoreAt opens a store for dsn, closed when the test ends.
func NewTestSQLiteStoreAt(t *testing.T, dsn string) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(dsn)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// SeedAgent registers a healthy agent at endpoint.
func SeedAgent(t *testing.T, s store.Store, agentID, endpoint string) *domain.Agent {
	t.Helper()

	agent := &domain.Agent{
		AgentID:   agentID,
		Name:      agentID,
		Endpoint:  endpoint,
		Status:    "healthy",
		CreatedAt: time.Now(),
	}
	if err := s.RegisterAgent(context.Background(), agent); err != nil {
		t.Fatalf("failed to register agent: %v", err)
	}
	return agent
}

// Assertion builds a live assertion with JSON-encoded params.
func Assertion(kind domain.Kind, weight float64, params any) domain.Assertion {
	b, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	return domain.Assertion{Kind: kind, Weight: weight, Params: b}
}

// SeedSuite creates a suite with one example per question. Each example gets
// the same assertions.
func SeedSuite(t *testing.T, s store.Store, name string, questions []string, assertions ...domain.Assertion) *domain.Suite {
	t.Helper()

	now := time.Now()
	suite := &domain.Suite{Name: name, CreatedAt: now}
	for i, q := range questions {
		ex := domain.Example{Question: q, Position: i, CreatedAt: now}
		ex.Assertions = append(ex.Assertions, assertions...)
		suite.Examples = append(suite.Examples, ex)
	}
	if err := s.CreateSuite(context.Background(), suite); err != nil {
		t.Fatalf("failed to create suite: %v", err)
	}
	return suite
}

// SeedRun creates a PENDING run of agentID against suiteID.
func SeedRun(t *testing.T, s store.Store, runID, agentID, suiteID string, maxRetries int) (*domain.Run, []domain.Trial) {
	t.Helper()

	run := &domain.Run{
		RunID:      runID,
		AgentID:    agentID,
		Status:     domain.RunStatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}
	trials, err := s.CreateRun(context.Background(), run, suiteID)
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run, trials
}
