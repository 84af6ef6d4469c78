package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/evaluator/internal/adapter/agentclient"
	"github.com/xiaot623/gogo/evaluator/internal/assertion"
	"github.com/xiaot623/gogo/evaluator/internal/config"
	"github.com/xiaot623/gogo/evaluator/internal/domain"
	"github.com/xiaot623/gogo/evaluator/internal/isolation"
	"github.com/xiaot623/gogo/evaluator/internal/repository"
	"github.com/xiaot623/gogo/evaluator/internal/service"
	"github.com/xiaot623/gogo/evaluator/tests/helpers"
)

type fakeAsker struct {
	resp *domain.AgentResponse
	err  error
}

func (f *fakeAsker) Ask(ctx context.Context, endpoint string, req *agentclient.InvokeRequest) (*domain.AgentResponse, error) {
	return f.resp, f.err
}

type fakeLauncher struct {
	mu         sync.Mutex
	err        error
	alive      map[string]bool
	launched   []string
	terminated []string
	panicAlive bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{alive: make(map[string]bool)}
}

func (l *fakeLauncher) Launch(ctx context.Context, trialID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	handle := "fake:" + trialID
	l.alive[handle] = true
	l.launched = append(l.launched, trialID)
	return handle, nil
}

func (l *fakeLauncher) Alive(handle string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.panicAlive {
		panic("liveness probe exploded")
	}
	return l.alive[handle], nil
}

func (l *fakeLauncher) Terminate(handle string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminated = append(l.terminated, handle)
	l.alive[handle] = false
	return nil
}

func (l *fakeLauncher) kill(handle string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alive[handle] = false
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   *service.Service
	db    *store.SQLiteStore
	clock *clock
	suite *domain.Suite
}

func newFixture(t *testing.T, asker agentclient.Asker, questions ...string) *fixture {
	t.Helper()

	db := helpers.NewTestSQLiteStore(t)
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := service.New(db, asker, assertion.NewEngine(nil), nil, config.Default(), nil)
	svc.SetClock(c.Now)

	helpers.SeedAgent(t, db, "agent", "http://agent.local")
	if len(questions) == 0 {
		questions = []string{"What was revenue?"}
	}
	suite := helpers.SeedSuite(t, db, "sales", questions,
		helpers.Assertion(domain.KindTextContains, 1, map[string]string{"substring": "revenue"}))
	return &fixture{svc: svc, db: db, clock: c, suite: suite}
}

func (f *fixture) createRun(t *testing.T, maxRetries int) *domain.Run {
	t.Helper()
	run, _, err := f.svc.CreateRun(context.Background(), domain.CreateRunRequest{
		AgentID:    "agent",
		SuiteID:    f.suite.SuiteID,
		MaxRetries: &maxRetries,
	})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run
}

func (f *fixture) scheduler(launcher isolation.Launcher, maxConcurrent int) *Scheduler {
	return New(f.svc, launcher, Options{
		Interval:      10 * time.Millisecond,
		MaxConcurrent: maxConcurrent,
		LivenessGrace: 10 * time.Second,
		StaleTimeout:  30 * time.Minute,
		Now:           f.clock.Now,
	})
}

func (f *fixture) trials(t *testing.T, runID string) []domain.Trial {
	t.Helper()
	trials, err := f.db.ListTrials(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListTrials failed: %v", err)
	}
	return trials
}

func TestDispatchRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeAsker{}, "q1", "q2", "q3")
	run := f.createRun(t, 2)
	launcher := newFakeLauncher()
	s := f.scheduler(launcher, 2)

	require.NoError(t, s.dispatch(ctx))

	trials := f.trials(t, run.RunID)
	require.Len(t, trials, 3)
	assert.Equal(t, domain.TrialStatusRunning, trials[0].Status)
	assert.Equal(t, "fake:"+trials[0].TrialID, trials[0].ExecutorHandle)
	assert.Equal(t, domain.TrialStatusRunning, trials[1].Status)
	assert.Equal(t, domain.TrialStatusPending, trials[2].Status)
	assert.Equal(t, []string{trials[0].TrialID, trials[1].TrialID}, launcher.launched)

	// No spare capacity until something finishes.
	require.NoError(t, s.dispatch(ctx))
	assert.Len(t, launcher.launched, 2)

	got, err := f.db.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestDispatchLaunchFailureFailsTrial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeAsker{})
	run := f.createRun(t, 2)
	launcher := newFakeLauncher()
	launcher.err = errors.New("fork/exec: resource temporarily unavailable")
	s := f.scheduler(launcher, 4)

	require.NoError(t, s.dispatch(ctx))

	trials := f.trials(t, run.RunID)
	require.Len(t, trials, 1)
	assert.Equal(t, domain.TrialStatusFailed, trials[0].Status)
	assert.Equal(t, domain.ErrorStageLaunching, trials[0].ErrorStage)
	assert.Contains(t, trials[0].ErrorMessage, "resource temporarily unavailable")
}

func TestLivenessRequeuesDeadExecutor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeAsker{})
	run := f.createRun(t, 2)
	launcher := newFakeLauncher()
	s := f.scheduler(launcher, 1)
	require.NoError(t, s.dispatch(ctx))

	trial := f.trials(t, run.RunID)[0]
	require.NoError(t, s.checkLiveness(ctx))
	assert.Equal(t, domain.TrialStatusRunning, f.trials(t, run.RunID)[0].Status, "live executors are left alone")

	launcher.kill(trial.ExecutorHandle)
	require.NoError(t, s.checkLiveness(ctx))

	got := f.trials(t, run.RunID)[0]
	assert.Equal(t, domain.TrialStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.ExecutorHandle)
	assert.Nil(t, got.StartedAt)
}

func TestLivenessExhaustedBudgetFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeAsker{})
	run := f.createRun(t, 0)
	launcher := newFakeLauncher()
	s := f.scheduler(launcher, 1)
	require.NoError(t, s.dispatch(ctx))

	launcher.kill(f.trials(t, run.RunID)[0].ExecutorHandle)
	require.NoError(t, s.checkLiveness(ctx))

	got := f.trials(t, run.RunID)[0]
	assert.Equal(t, domain.TrialStatusFailed, got.Status)
	assert.Equal(t, domain.ErrorStageSupervision, got.ErrorStage)
	assert.Contains(t, got.ErrorMessage, "retry budget exhausted (0/0)")
	assert.Empty(t, got.ExecutorHandle)

	require.NoError(t, s.aggregate(ctx))
	r, err := f.db.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, r.Status)
}

func TestLivenessGraceForMissingHandle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeAsker{})
	run := f.createRun(t, 2)
	s := f.scheduler(newFakeLauncher(), 1)

	// Claimed, but the handle never got written.
	trial, err := f.svc.ClaimNextTrial(ctx)
	require.NoError(t, err)
	require.NotNil(t, trial)

	f.clock.Advance(5 * time.Second)
	require.NoError(t, s.checkLiveness(ctx))
	assert.Equal(t, domain.TrialStatusRunning, f.trials(t, run.RunID)[0].Status)

	f.clock.Advance(6 * time.Second)
	require.NoError(t, s.checkLiveness(ctx))
	got := f.trials(t, run.RunID)[0]
	assert.Equal(t, domain.TrialStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestLivenessReconcilesExecutorFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeAsker{err: errors.New("agent returned 502")})
	run := f.createRun(t, 1)
	launcher := newFakeLauncher()
	s := f.scheduler(launcher, 1)
	require.NoError(t, s.dispatch(ctx))

	trial := f.trials(t, run.RunID)[0]
	require.Error(t, f.svc.ExecuteTrial(ctx, trial.TrialID))
	launcher.kill(trial.ExecutorHandle)

	// Not aggregated while the failure waits for the retry policy.
	require.NoError(t, s.aggregate(ctx))
	r, err := f.db.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, r.Status)

	require.NoError(t, s.checkLiveness(ctx))
	got := f.trials(t, run.RunID)[0]
	assert.Equal(t, domain.TrialStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestStaleRecoveryResetsTrial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeAsker{})
	run := f.createRun(t, 2)
	launcher := newFakeLauncher()
	s := f.scheduler(launcher, 1)
	require.NoError(t, s.dispatch(ctx))
	handle := f.trials(t, run.RunID)[0].ExecutorHandle

	f.clock.Advance(29 * time.Minute)
	require.NoError(t, s.recoverStale(ctx))
	assert.Equal(t, domain.TrialStatusRunning, f.trials(t, run.RunID)[0].Status)

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, s.recoverStale(ctx))

	got := f.trials(t, run.RunID)[0]
	assert.Equal(t, domain.TrialStatusPending, got.Status)
	assert.Empty(t, got.ExecutorHandle)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, []string{handle}, launcher.terminated)
}

func TestStaleTrialOfCancelledRunIsCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeAsker{})
	run := f.createRun(t, 2)
	s := f.scheduler(newFakeLauncher(), 1)
	require.NoError(t, s.dispatch(ctx))

	_, err := f.svc.CancelRun(ctx, run.RunID)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	require.NoError(t, s.recoverStale(ctx))
	assert.Equal(t, domain.TrialStatusCancelled, f.trials(t, run.RunID)[0].Status)
}

func TestTickSurvivesPanickingPass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeAsker{}, "q1", "q2")
	run := f.createRun(t, 2)
	launcher := newFakeLauncher()
	s := f.scheduler(launcher, 1)
	require.NoError(t, s.dispatch(ctx))

	launcher.panicAlive = true
	s.opts.MaxConcurrent = 2
	s.Tick(ctx)

	// Liveness blew up, but dispatch still ran.
	trials := f.trials(t, run.RunID)
	assert.Equal(t, domain.TrialStatusRunning, trials[0].Status)
	assert.Equal(t, domain.TrialStatusRunning, trials[1].Status)
	assert.Len(t, launcher.launched, 2)
}

func TestSchedulerRunsTrialsToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeAsker{resp: &domain.AgentResponse{Messages: []domain.SystemMessage{
		{Type: domain.MessageTypeText, Text: &domain.TextPart{TextType: domain.TextTypeFinal, Parts: []string{"revenue grew"}}},
	}}}, "q1", "q2", "q3")
	run := f.createRun(t, 0)

	launcher := isolation.NewGoroutineLauncher(f.svc.ExecuteTrial)
	s := f.scheduler(launcher, 2)

	deadline := time.Now().Add(5 * time.Second)
	for {
		s.Tick(ctx)
		for _, tr := range f.trials(t, run.RunID) {
			if tr.ExecutorHandle != "" {
				launcher.Wait(tr.ExecutorHandle)
			}
		}
		r, err := f.db.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		if r.Status == domain.RunStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not complete, status %s", r.Status)
		}
	}

	for _, tr := range f.trials(t, run.RunID) {
		assert.Equal(t, domain.TrialStatusCompleted, tr.Status)
		require.NotNil(t, tr.Score)
		assert.Equal(t, 1.0, *tr.Score)
	}
}

func TestStartHoldsLock(t *testing.T) {
	f := newFixture(t, &fakeAsker{})
	lockPath := filepath.Join(t.TempDir(), "scheduler.lock")

	opts := Options{Interval: 10 * time.Millisecond, MaxConcurrent: 1, LockPath: lockPath, Now: f.clock.Now}
	first := New(f.svc, newFakeLauncher(), opts)
	second := New(f.svc, newFakeLauncher(), opts)

	require.NoError(t, first.Start(context.Background()))
	assert.True(t, first.Running())

	err := second.Start(context.Background())
	assert.ErrorIs(t, err, ErrSchedulerLocked)
	assert.False(t, second.Running())

	first.Stop()
	assert.False(t, first.Running())

	require.NoError(t, second.Start(context.Background()))
	second.Stop()

	status, err := first.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Equal(t, 1, status.MaxConcurrent)
}
