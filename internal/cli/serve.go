package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xiaot623/gogo/evaluator/internal/config"
	"github.com/xiaot623/gogo/evaluator/internal/isolation"
	"github.com/xiaot623/gogo/evaluator/internal/scheduler"
	"github.com/xiaot623/gogo/evaluator/internal/service"
	server "github.com/xiaot623/gogo/evaluator/internal/transport/http"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the trial scheduler",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

// newLauncher picks the isolation mode. Process executors are re-invoked
// with the same config file as the server.
func newLauncher(cfg *config.Config, svc *service.Service) (isolation.Launcher, error) {
	switch cfg.Isolation {
	case config.IsolationGoroutine:
		return isolation.NewGoroutineLauncher(svc.ExecuteTrial), nil
	default:
		var extra []string
		if cfgFile != "" {
			extra = append(extra, "--config", cfgFile)
		}
		return isolation.NewProcessLauncher(extra...)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	log.Printf("Starting evaluator...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Isolation: %s, max concurrent trials: %d", cfg.Isolation, cfg.MaxConcurrentTrials)

	launcher, err := newLauncher(cfg, a.svc)
	if err != nil {
		return err
	}
	sched := scheduler.New(a.svc, launcher, scheduler.OptionsFromConfig(cfg))
	if cfg.AutoStartScheduler {
		if err := sched.Start(context.Background()); err != nil {
			// Another instance owns scheduling; this one still serves the API.
			log.Printf("WARN: scheduler not started: %v", err)
		}
	}
	defer sched.Stop()

	e := server.NewServer(a.svc, sched)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-cmd.Context().Done():
	}

	log.Println("Shutting down evaluator...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("Evaluator stopped")
	return nil
}
