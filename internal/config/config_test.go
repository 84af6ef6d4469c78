package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 2*time.Second, cfg.SchedulerInterval)
	assert.Equal(t, 10*time.Second, cfg.LivenessGrace)
	assert.Equal(t, 30*time.Minute, cfg.StaleTrialTimeout)
	assert.Equal(t, IsolationProcess, cfg.Isolation)
	assert.True(t, cfg.AutoStartScheduler)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evaluator.yaml")
	data := []byte(`
http_port: 9090
scheduler_interval: 500ms
max_concurrent_trials: 8
isolation: goroutine
judge_model: judge-large
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("MAX_CONCURRENT_TRIALS", "16")
	t.Setenv("STALE_TRIAL_TIMEOUT_MS", "60000")
	t.Setenv("AUTO_START_SCHEDULER", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 500*time.Millisecond, cfg.SchedulerInterval)
	assert.Equal(t, 16, cfg.MaxConcurrentTrials)
	assert.Equal(t, time.Minute, cfg.StaleTrialTimeout)
	assert.Equal(t, IsolationGoroutine, cfg.Isolation)
	assert.Equal(t, "judge-large", cfg.JudgeModel)
	assert.False(t, cfg.AutoStartScheduler)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"interval":    func(c *Config) { c.SchedulerInterval = 0 },
		"concurrency": func(c *Config) { c.MaxConcurrentTrials = 0 },
		"grace":       func(c *Config) { c.LivenessGrace = -time.Second },
		"stale":       func(c *Config) { c.StaleTrialTimeout = 0 },
		"retries":     func(c *Config) { c.DefaultMaxRetries = -1 },
		"isolation":   func(c *Config) { c.Isolation = "container" },
		"port":        func(c *Config) { c.HTTPPort = 70000 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}
