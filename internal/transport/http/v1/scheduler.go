package v1

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

func (h *Handler) schedulerUnavailable(c echo.Context) error {
	return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "scheduler not configured"})
}

// SchedulerStatus reports whether the control loop is running.
// GET /v1/scheduler
func (h *Handler) SchedulerStatus(c echo.Context) error {
	if h.scheduler == nil {
		return h.schedulerUnavailable(c)
	}
	status, err := h.scheduler.Status(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// StartScheduler starts the control loop.
// POST /v1/scheduler/start
func (h *Handler) StartScheduler(c echo.Context) error {
	if h.scheduler == nil {
		return h.schedulerUnavailable(c)
	}
	// The loop outlives the request.
	if err := h.scheduler.Start(context.Background()); err != nil {
		return errorJSON(c, err)
	}
	return h.SchedulerStatus(c)
}

// StopScheduler stops the control loop. Running executors are left alone.
// POST /v1/scheduler/stop
func (h *Handler) StopScheduler(c echo.Context) error {
	if h.scheduler == nil {
		return h.schedulerUnavailable(c)
	}
	h.scheduler.Stop()
	return h.SchedulerStatus(c)
}
