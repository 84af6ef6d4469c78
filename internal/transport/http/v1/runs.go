package v1

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

// CreateRun admits and queues a run.
// POST /v1/runs
func (h *Handler) CreateRun(c echo.Context) error {
	var req domain.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	run, trials, err := h.service.CreateRun(c.Request().Context(), req)
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"run":    run,
		"trials": trials,
	})
}

// GetRun returns a run with its derived duration.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorJSON(c, err)
	}

	var durationMs *int64
	if d, ok := run.Duration(); ok {
		ms := d.Milliseconds()
		durationMs = &ms
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run":         run,
		"duration_ms": durationMs,
	})
}

// DeleteRun deletes a run and everything it owns.
// DELETE /v1/runs/:run_id
func (h *Handler) DeleteRun(c echo.Context) error {
	if err := h.service.DeleteRun(c.Request().Context(), c.Param("run_id")); err != nil {
		return errorJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListTrials lists a run's trials in creation order.
// GET /v1/runs/:run_id/trials
func (h *Handler) ListTrials(c echo.Context) error {
	trials, err := h.service.ListTrials(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	if trials == nil {
		trials = []domain.Trial{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"trials": trials,
	})
}

// GetRunEvents retrieves events for a run.
// GET /v1/runs/:run_id/events
func (h *Handler) GetRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	afterTs := int64(0)
	if t := c.QueryParam("after_ts"); t != "" {
		if val, err := strconv.ParseInt(t, 10, 64); err == nil {
			afterTs = val
		}
	}
	var types []string
	if t := c.QueryParam("types"); t != "" {
		types = strings.Split(t, ",")
	}

	events, err := h.service.GetRunEvents(c.Request().Context(), runID, afterTs, types, limit)
	if err != nil {
		return errorJSON(c, err)
	}
	if events == nil {
		events = []domain.Event{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

// PauseRun pauses a run.
// POST /v1/runs/:run_id/pause
func (h *Handler) PauseRun(c echo.Context) error {
	run, err := h.service.PauseRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ResumeRun resumes a paused run.
// POST /v1/runs/:run_id/resume
func (h *Handler) ResumeRun(c echo.Context) error {
	run, err := h.service.ResumeRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// CancelRun cancels a run.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	run, err := h.service.CancelRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":  run.RunID,
		"status":  run.Status,
		"message": "run cancelled successfully",
	})
}
