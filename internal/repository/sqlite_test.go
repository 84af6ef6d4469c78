package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func seedSuite(t *testing.T, store *SQLiteStore, questions ...string) *domain.Suite {
	t.Helper()
	now := time.Now()
	if err := store.RegisterAgent(context.Background(), &domain.Agent{
		AgentID: "agent", Name: "agent", Endpoint: "http://agent", Status: "healthy", CreatedAt: now,
	}); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}
	suite := &domain.Suite{Name: "suite", Tags: []string{"smoke"}, CreatedAt: now}
	for i, q := range questions {
		suite.Examples = append(suite.Examples, domain.Example{
			Question: q,
			Position: i,
			Assertions: []domain.Assertion{
				{Kind: domain.KindTextContains, Weight: 1, Params: json.RawMessage(`{"substring":"42"}`)},
			},
		})
	}
	if err := store.CreateSuite(context.Background(), suite); err != nil {
		t.Fatalf("CreateSuite failed: %v", err)
	}
	return suite
}

func seedRun(t *testing.T, store *SQLiteStore, runID, suiteID string, maxRetries int) []domain.Trial {
	t.Helper()
	run := &domain.Run{RunID: runID, AgentID: "agent", Status: domain.RunStatusPending, MaxRetries: maxRetries, CreatedAt: time.Now()}
	trials, err := store.CreateRun(context.Background(), run, suiteID)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return trials
}

func TestSQLiteStoreSuiteAndSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	suite := seedSuite(t, store, "q1", "q2", "q3")
	archived, err := store.ArchiveExample(ctx, suite.Examples[1].ExampleID)
	require.NoError(t, err)
	require.True(t, archived)

	snap, err := store.CreateSnapshot(ctx, suite.SuiteID, time.Now())
	require.NoError(t, err)
	require.Len(t, snap.Examples, 2)
	assert.Equal(t, "q1", snap.Examples[0].Question)
	assert.Equal(t, "q3", snap.Examples[1].Question)
	assert.Equal(t, []string{"smoke"}, snap.Tags)

	// Editing the live suite must not change the snapshot.
	require.NoError(t, store.CreateAssertion(ctx, &domain.Assertion{
		ExampleID: suite.Examples[0].ExampleID,
		Kind:      domain.KindDurationMax,
		Weight:    1,
		Params:    json.RawMessage(`{"max_ms":1000}`),
		CreatedAt: time.Now(),
	}))

	got, err := store.GetSnapshot(ctx, snap.SnapshotID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Examples, 2)
	require.Len(t, got.Examples[0].Assertions, 1)
	assert.Equal(t, domain.KindTextContains, got.Examples[0].Assertions[0].Kind)
	assert.NotEqual(t, suite.Examples[0].Assertions[0].AssertionID, got.Examples[0].Assertions[0].AssertionSnapshotID)
	assert.Equal(t, suite.Examples[0].Assertions[0].AssertionID, got.Examples[0].Assertions[0].SourceAssertionID)

	live, err := store.GetExample(ctx, suite.Examples[0].ExampleID)
	require.NoError(t, err)
	require.Len(t, live.Assertions, 2)
}

func TestSQLiteStoreSnapshotMissingSuite(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.CreateSnapshot(context.Background(), "nope", time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStoreSnapshotSurvivesSuiteDeletion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	suite := seedSuite(t, store, "q1")
	snap, err := store.CreateSnapshot(ctx, suite.SuiteID, time.Now())
	require.NoError(t, err)

	require.NoError(t, store.DeleteSuite(ctx, suite.SuiteID))

	got, err := store.GetSnapshot(ctx, snap.SnapshotID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.SourceSuiteID)
	require.Len(t, got.Examples, 1)
	assert.Empty(t, got.Examples[0].SourceExampleID)
	assert.Equal(t, "q1", got.Examples[0].Question)
}

func TestSQLiteStoreClaimFIFO(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	suite := seedSuite(t, store, "q1", "q2")
	first := seedRun(t, store, "run_a", suite.SuiteID, 0)
	second := seedRun(t, store, "run_b", suite.SuiteID, 0)

	var order []string
	for i := 0; i < 4; i++ {
		trial, err := store.ClaimNextPendingTrial(ctx, time.Now())
		require.NoError(t, err)
		require.NotNil(t, trial)
		assert.Equal(t, domain.TrialStatusRunning, trial.Status)
		assert.NotNil(t, trial.StartedAt)
		order = append(order, trial.TrialID)
	}
	assert.Equal(t, []string{first[0].TrialID, first[1].TrialID, second[0].TrialID, second[1].TrialID}, order)

	trial, err := store.ClaimNextPendingTrial(ctx, time.Now())
	require.NoError(t, err)
	assert.Nil(t, trial)

	run, err := store.GetRun(ctx, "run_a")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, run.Status)
	assert.NotNil(t, run.StartedAt)
}

func TestSQLiteStoreClaimSkipsPausedRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	suite := seedSuite(t, store, "q1")
	seedRun(t, store, "run_a", suite.SuiteID, 0)
	ok, err := store.TransitionRun(ctx, "run_a", []domain.RunStatus{domain.RunStatusPending}, domain.RunStatusPaused)
	require.NoError(t, err)
	require.True(t, ok)

	trial, err := store.ClaimNextPendingTrial(ctx, time.Now())
	require.NoError(t, err)
	assert.Nil(t, trial)
}

func TestSQLiteStoreConcurrentClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore("file:" + filepath.Join(t.TempDir(), "claim.db") + "?mode=rwc")
	require.NoError(t, err)
	defer store.Close()

	suite := seedSuite(t, store, "q1", "q2", "q3", "q4", "q5")
	seedRun(t, store, "run_a", suite.SuiteID, 0)

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				trial, err := store.ClaimNextPendingTrial(ctx, time.Now())
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if trial == nil {
					return
				}
				mu.Lock()
				seen[trial.TrialID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 5)
	for id, n := range seen {
		assert.Equal(t, 1, n, "trial %s claimed more than once", id)
	}
}

func TestSQLiteStoreAttemptLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	suite := seedSuite(t, store, "q1")
	seedRun(t, store, "run_a", suite.SuiteID, 2)
	trial, err := store.ClaimNextPendingTrial(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, trial)
	require.NoError(t, store.SetTrialHandle(ctx, trial.TrialID, "pid:123"))

	ok, err := store.BeginTrialAttempt(ctx, trial.TrialID, 0)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale attempt number is rejected.
	ok, err = store.UpdateTrialStatus(ctx, trial.TrialID, 1, domain.TrialStatusRunning, domain.TrialStatusExecuting)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.UpdateTrialStatus(ctx, trial.TrialID, 0, domain.TrialStatusRunning, domain.TrialStatusExecuting)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.FailTrialAttempt(ctx, trial.TrialID, 0, domain.ErrorStageExecuting, "agent down", "trace", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	failures, err := store.ListUnreconciledFailures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)

	// Aggregation ignores the run while a failure is unreconciled.
	done, err := store.CompleteFinishedRuns(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, done)

	ok, err = store.RequeueTrial(ctx, trial.TrialID, domain.TrialStatusFailed, 0)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.GetTrial(ctx, trial.TrialID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.ExecutorHandle)
	assert.Nil(t, got.StartedAt)
	assert.Empty(t, got.ErrorMessage)
	assert.Empty(t, got.Trace)

	// Second attempt completes.
	trial, err = store.ClaimNextPendingTrial(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, trial)
	ok, err = store.BeginTrialAttempt(ctx, trial.TrialID, 1)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = store.UpdateTrialStatus(ctx, trial.TrialID, 1, domain.TrialStatusRunning, domain.TrialStatusExecuting)
	require.NoError(t, err)
	_, err = store.UpdateTrialStatus(ctx, trial.TrialID, 1, domain.TrialStatusExecuting, domain.TrialStatusEvaluating)
	require.NoError(t, err)

	snap, err := store.GetExampleSnapshot(ctx, trial.ExampleSnapshotID)
	require.NoError(t, err)
	score := 1.0
	ok, err = store.CompleteTrial(ctx, trial.TrialID, 1, &domain.TrialCompletion{
		OutputText: "42",
		DurationMs: 120,
		Score:      &score,
		Results: []domain.AssertionResult{{
			AssertionSnapshotID: snap.Assertions[0].AssertionSnapshotID,
			Kind:                domain.KindTextContains,
			Weight:              1,
			Passed:              true,
			Score:               1,
		}},
	}, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	results, err := store.ListResults(ctx, trial.TrialID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Passed)

	done, err = store.CompleteFinishedRuns(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"run_a"}, done)

	run, err := store.GetRun(ctx, "run_a")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.NotNil(t, run.CompletedAt)
}

func TestSQLiteStoreFailureBeforeHandleIsUnreconciled(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	suite := seedSuite(t, store, "q1")
	seedRun(t, store, "run_a", suite.SuiteID, 1)
	trial, err := store.ClaimNextPendingTrial(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, trial)

	ok, err := store.FailTrialAttempt(ctx, trial.TrialID, 0, domain.ErrorStageExecuting, "agent down", "", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	// Recording the handle after the executor already failed changes nothing.
	require.NoError(t, store.SetTrialHandle(ctx, trial.TrialID, "pid:42"))

	failures, err := store.ListUnreconciledFailures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, exitedHandle, failures[0].ExecutorHandle)
}

func TestSQLiteStoreRequeueReopensCompletedRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	suite := seedSuite(t, store, "q1")
	seedRun(t, store, "run_a", suite.SuiteID, 0)
	trial, err := store.ClaimNextPendingTrial(ctx, time.Now())
	require.NoError(t, err)
	ok, err := store.FinishTrial(ctx, trial.TrialID, domain.TrialStatusRunning, 0, domain.TrialStatusFailed, domain.ErrorStageSupervision, "gone", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	done, err := store.CompleteFinishedRuns(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"run_a"}, done)

	ok, err = store.RequeueTrial(ctx, trial.TrialID, domain.TrialStatusFailed, 0)
	require.NoError(t, err)
	require.True(t, ok)

	run, err := store.GetRun(ctx, "run_a")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, run.Status)
	assert.Nil(t, run.CompletedAt)
}

func TestSQLiteStoreCancelRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	suite := seedSuite(t, store, "q1", "q2")
	seedRun(t, store, "run_a", suite.SuiteID, 0)
	claimed, err := store.ClaimNextPendingTrial(ctx, time.Now())
	require.NoError(t, err)

	ok, err := store.CancelRun(ctx, "run_a", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	trials, err := store.ListTrials(ctx, "run_a")
	require.NoError(t, err)
	for _, tr := range trials {
		if tr.TrialID == claimed.TrialID {
			assert.Equal(t, domain.TrialStatusRunning, tr.Status)
		} else {
			assert.Equal(t, domain.TrialStatusCancelled, tr.Status)
		}
	}

	ok, err = store.CancelRun(ctx, "run_a", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStoreDeleteRunCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	suite := seedSuite(t, store, "q1")
	trials := seedRun(t, store, "run_a", suite.SuiteID, 0)
	run, err := store.GetRun(ctx, "run_a")
	require.NoError(t, err)
	require.NoError(t, store.CreateEvent(ctx, &domain.Event{EventID: "evt_1", RunID: "run_a", Ts: time.Now().UnixMilli(), Type: domain.EventTypeRunCreated}))
	require.NoError(t, store.CreateSuggestions(ctx, []domain.SuggestedAssertion{{
		TrialID: trials[0].TrialID, ExampleSnapshotID: trials[0].ExampleSnapshotID,
		Kind: domain.KindTextContains, Weight: 1, Params: json.RawMessage(`{"substring":"x"}`), CreatedAt: time.Now(),
	}}))

	ok, err := store.DeleteRun(ctx, "run_a")
	require.NoError(t, err)
	require.True(t, ok)

	gotTrial, err := store.GetTrial(ctx, trials[0].TrialID)
	require.NoError(t, err)
	assert.Nil(t, gotTrial)
	snap, err := store.GetSnapshot(ctx, run.SnapshotID)
	require.NoError(t, err)
	assert.Nil(t, snap)
	events, err := store.GetEvents(ctx, "run_a", 0, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	suggestions, err := store.ListSuggestions(ctx, trials[0].TrialID)
	require.NoError(t, err)
	assert.Empty(t, suggestions)

	// The live suite is untouched.
	live, err := store.GetSuite(ctx, suite.SuiteID)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Len(t, live.Examples, 1)

	ok, err = store.DeleteRun(ctx, "run_a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStoreStaleTrials(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	suite := seedSuite(t, store, "q1", "q2")
	seedRun(t, store, "run_a", suite.SuiteID, 0)
	now := time.Now()
	old, err := store.ClaimNextPendingTrial(ctx, now.Add(-31*time.Minute))
	require.NoError(t, err)
	_, err = store.ClaimNextPendingTrial(ctx, now)
	require.NoError(t, err)

	n, err := store.CountInProgressTrials(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stale, err := store.ListStaleTrials(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.TrialID, stale[0].TrialID)
}

func TestSQLiteStoreSuggestions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	suite := seedSuite(t, store, "q1")
	trials := seedRun(t, store, "run_a", suite.SuiteID, 0)
	suggestions := []domain.SuggestedAssertion{{
		TrialID: trials[0].TrialID, ExampleSnapshotID: trials[0].ExampleSnapshotID,
		Kind: domain.KindRowCount, Weight: 1, Params: json.RawMessage(`{"count":3}`), Rationale: "three rows", CreatedAt: time.Now(),
	}}
	require.NoError(t, store.CreateSuggestions(ctx, suggestions))

	ok, err := store.AcceptSuggestion(ctx, suggestions[0].SuggestionID, &domain.Assertion{
		ExampleID: suite.Examples[0].ExampleID, Kind: domain.KindRowCount, Weight: 1, Params: json.RawMessage(`{"count":3}`),
	}, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	// A decided suggestion cannot be decided again.
	ok, err = store.RejectSuggestion(ctx, suggestions[0].SuggestionID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetSuggestion(ctx, suggestions[0].SuggestionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SuggestionStatusAccepted, got.Status)
	assert.NotNil(t, got.DecidedAt)

	ex, err := store.GetExample(ctx, suite.Examples[0].ExampleID)
	require.NoError(t, err)
	assert.Len(t, ex.Assertions, 2)
}

func TestSQLiteStoreEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	suite := seedSuite(t, store, "q1")
	seedRun(t, store, "run_a", suite.SuiteID, 0)

	for i, typ := range []domain.EventType{domain.EventTypeRunCreated, domain.EventTypeTrialClaimed, domain.EventTypeTrialCompleted} {
		require.NoError(t, store.CreateEvent(ctx, &domain.Event{
			EventID: "evt_" + string(rune('a'+i)),
			RunID:   "run_a",
			Ts:      int64(100 + i),
			Type:    typ,
			Payload: json.RawMessage(`{"n":1}`),
		}))
	}

	events, err := store.GetEvents(ctx, "run_a", 100, nil, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = store.GetEvents(ctx, "run_a", 0, []string{string(domain.EventTypeTrialClaimed)}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"n":1}`, string(events[0].Payload))
}
