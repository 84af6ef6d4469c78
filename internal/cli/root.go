// Package cli provides the evaluator command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xiaot623/gogo/evaluator/internal/adapter/agentclient"
	"github.com/xiaot623/gogo/evaluator/internal/adapter/llm"
	"github.com/xiaot623/gogo/evaluator/internal/assertion"
	"github.com/xiaot623/gogo/evaluator/internal/config"
	"github.com/xiaot623/gogo/evaluator/internal/repository"
	"github.com/xiaot623/gogo/evaluator/internal/service"
	"github.com/xiaot623/gogo/evaluator/policy"
)

// Exit codes of execute-trial.
const (
	ExitOK             = 0
	ExitExecutionError = 1
	ExitDataIntegrity  = 2
)

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var cfgFile string

// NewRootCmd builds the evaluator command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "evaluator",
		Short:         "Trial scheduler and evaluation pipeline for data agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file path")
	root.AddCommand(newServeCmd())
	root.AddCommand(newExecuteTrialCmd())
	root.AddCommand(newReportCmd())
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	err := NewRootCmd().ExecuteContext(context.Background())
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		log.Printf("ERROR: %v", ee.err)
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(cfg.LogLevel, "debug") {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}
	return cfg, nil
}

// app is everything a command needs to talk to the store.
type app struct {
	cfg   *config.Config
	store *store.SQLiteStore
	svc   *service.Service
}

func (r *app) Close() {
	if err := r.store.Close(); err != nil {
		log.Printf("WARN: failed to close store: %v", err)
	}
}

// openApp loads configuration and wires the store, the LLM-backed judge
// and suggester, the admission policy and the service.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	llmClient := llm.NewLLMClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout)
	engine := assertion.NewEngine(llm.NewJudge(llmClient, cfg.JudgeModel))
	suggester := llm.NewSuggester(llmClient, cfg.SuggestionModel)

	policyEngine, err := policy.NewEngine(cmd.Context(), policy.DefaultPolicy)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	svc := service.New(db, agentclient.NewClient(cfg.AgentTimeout), engine, suggester, cfg, policyEngine)
	return &app{cfg: cfg, store: db, svc: svc}, nil
}
