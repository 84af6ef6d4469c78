// Package config provides configuration for the evaluator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Isolation modes.
const (
	IsolationProcess   = "process"
	IsolationGoroutine = "goroutine"
)

// Config holds the evaluator configuration.
type Config struct {
	// Server settings
	HTTPPort int `yaml:"http_port"`

	// Database
	DatabaseURL string `yaml:"database_url"`

	// Scheduler
	SchedulerInterval   time.Duration `yaml:"scheduler_interval"`
	MaxConcurrentTrials int           `yaml:"max_concurrent_trials"`
	LivenessGrace       time.Duration `yaml:"liveness_grace"`
	StaleTrialTimeout   time.Duration `yaml:"stale_trial_timeout"`
	DefaultMaxRetries   int           `yaml:"default_max_retries"`
	Isolation           string        `yaml:"isolation"`
	SchedulerLockPath   string        `yaml:"scheduler_lock_path"`
	AutoStartScheduler  bool          `yaml:"auto_start_scheduler"`

	// Timeouts
	AgentTimeout time.Duration `yaml:"agent_timeout"`
	LLMTimeout   time.Duration `yaml:"llm_timeout"`

	// LLM
	LLMBaseURL      string `yaml:"llm_base_url"`
	LLMAPIKey       string `yaml:"llm_api_key"`
	JudgeModel      string `yaml:"judge_model"`
	SuggestionModel string `yaml:"suggestion_model"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort:            8080,
		DatabaseURL:         "file:evaluator.db?cache=shared&mode=rwc",
		SchedulerInterval:   2 * time.Second,
		MaxConcurrentTrials: 4,
		LivenessGrace:       10 * time.Second,
		StaleTrialTimeout:   30 * time.Minute,
		DefaultMaxRetries:   2,
		Isolation:           IsolationProcess,
		SchedulerLockPath:   "evaluator.scheduler.lock",
		AutoStartScheduler:  true,
		AgentTimeout:        5 * time.Minute,
		LLMTimeout:          60 * time.Second,
		JudgeModel:          "gpt-4o-mini",
		SuggestionModel:     "gpt-4o-mini",
		LogLevel:            "info",
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.SchedulerInterval = getEnvDuration("SCHEDULER_INTERVAL_MS", c.SchedulerInterval)
	c.MaxConcurrentTrials = getEnvInt("MAX_CONCURRENT_TRIALS", c.MaxConcurrentTrials)
	c.LivenessGrace = getEnvDuration("LIVENESS_GRACE_MS", c.LivenessGrace)
	c.StaleTrialTimeout = getEnvDuration("STALE_TRIAL_TIMEOUT_MS", c.StaleTrialTimeout)
	c.DefaultMaxRetries = getEnvInt("DEFAULT_MAX_RETRIES", c.DefaultMaxRetries)
	c.Isolation = getEnv("ISOLATION", c.Isolation)
	c.SchedulerLockPath = getEnv("SCHEDULER_LOCK_PATH", c.SchedulerLockPath)
	c.AutoStartScheduler = getEnvBool("AUTO_START_SCHEDULER", c.AutoStartScheduler)
	c.AgentTimeout = getEnvDuration("AGENT_TIMEOUT_MS", c.AgentTimeout)
	c.LLMTimeout = getEnvDuration("LLM_TIMEOUT_MS", c.LLMTimeout)
	c.LLMBaseURL = getEnv("LLM_BASE_URL", c.LLMBaseURL)
	c.LLMAPIKey = getEnv("LLM_API_KEY", c.LLMAPIKey)
	c.JudgeModel = getEnv("JUDGE_MODEL", c.JudgeModel)
	c.SuggestionModel = getEnv("SUGGESTION_MODEL", c.SuggestionModel)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Validate checks the configuration for values the scheduler cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		problems = append(problems, fmt.Sprintf("http_port %d out of range", c.HTTPPort))
	}
	if c.DatabaseURL == "" {
		problems = append(problems, "database_url is required")
	}
	if c.SchedulerInterval <= 0 {
		problems = append(problems, "scheduler_interval must be positive")
	}
	if c.MaxConcurrentTrials <= 0 {
		problems = append(problems, "max_concurrent_trials must be positive")
	}
	if c.LivenessGrace <= 0 {
		problems = append(problems, "liveness_grace must be positive")
	}
	if c.StaleTrialTimeout <= 0 {
		problems = append(problems, "stale_trial_timeout must be positive")
	}
	if c.DefaultMaxRetries < 0 {
		problems = append(problems, "default_max_retries must not be negative")
	}
	switch c.Isolation {
	case IsolationProcess, IsolationGoroutine:
	default:
		problems = append(problems, fmt.Sprintf("isolation %q must be %q or %q", c.Isolation, IsolationProcess, IsolationGoroutine))
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// getEnvDuration reads a millisecond count.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
