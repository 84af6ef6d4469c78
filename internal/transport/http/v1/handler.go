// Package v1 provides the /v1 HTTP handlers for the evaluator.
package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/gogo/evaluator/internal/domain"
	"github.com/xiaot623/gogo/evaluator/internal/scheduler"
	"github.com/xiaot623/gogo/evaluator/internal/service"
)

// SchedulerControl is what the handlers need from the scheduler.
type SchedulerControl interface {
	Start(ctx context.Context) error
	Stop()
	Status(ctx context.Context) (scheduler.Status, error)
}

// Handler handles HTTP requests.
type Handler struct {
	service   *service.Service
	scheduler SchedulerControl
}

// NewHandler creates a new handler. sched may be nil, in which case the
// scheduler routes answer 503.
func NewHandler(service *service.Service, sched SchedulerControl) *Handler {
	return &Handler{
		service:   service,
		scheduler: sched,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Agent registry API
	e.POST("/v1/agents/register", h.RegisterAgent)
	e.GET("/v1/agents", h.ListAgents)
	e.GET("/v1/agents/:agent_id", h.GetAgent)

	// Suites and snapshots
	e.POST("/v1/suites", h.CreateSuite)
	e.POST("/v1/suites/:suite_id/snapshots", h.CreateSnapshot)

	// Runs
	e.POST("/v1/runs", h.CreateRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.DELETE("/v1/runs/:run_id", h.DeleteRun)
	e.GET("/v1/runs/:run_id/trials", h.ListTrials)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.POST("/v1/runs/:run_id/pause", h.PauseRun)
	e.POST("/v1/runs/:run_id/resume", h.ResumeRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)

	// Trials and suggestions
	e.GET("/v1/trials/:trial_id", h.GetTrial)
	e.POST("/v1/trials/:trial_id/retry", h.RetryTrial)
	e.GET("/v1/trials/:trial_id/suggestions", h.ListSuggestions)
	e.POST("/v1/suggestions/:suggestion_id/accept", h.AcceptSuggestion)
	e.POST("/v1/suggestions/:suggestion_id/reject", h.RejectSuggestion)

	// Scheduler control
	e.GET("/v1/scheduler", h.SchedulerStatus)
	e.POST("/v1/scheduler/start", h.StartScheduler)
	e.POST("/v1/scheduler/stop", h.StopScheduler)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorJSON maps service errors onto status codes.
func errorJSON(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrAdmissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrSchedulerLocked):
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
