package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

// GetTrial returns a trial with its question and assertion results.
// GET /v1/trials/:trial_id
func (h *Handler) GetTrial(c echo.Context) error {
	detail, err := h.service.GetTrial(c.Request().Context(), c.Param("trial_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// RetryTrial requeues a finished trial.
// POST /v1/trials/:trial_id/retry
func (h *Handler) RetryTrial(c echo.Context) error {
	trial, err := h.service.RetryTrial(c.Request().Context(), c.Param("trial_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, trial)
}

// ListSuggestions lists the assertions suggested for a trial.
// GET /v1/trials/:trial_id/suggestions
func (h *Handler) ListSuggestions(c echo.Context) error {
	suggestions, err := h.service.ListSuggestions(c.Request().Context(), c.Param("trial_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	if suggestions == nil {
		suggestions = []domain.SuggestedAssertion{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"suggestions": suggestions,
	})
}

// AcceptSuggestion turns a suggestion into a live assertion.
// POST /v1/suggestions/:suggestion_id/accept
func (h *Handler) AcceptSuggestion(c echo.Context) error {
	a, err := h.service.AcceptSuggestion(c.Request().Context(), c.Param("suggestion_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":        true,
		"assertion": a,
	})
}

// RejectSuggestion rejects a suggestion.
// POST /v1/suggestions/:suggestion_id/reject
func (h *Handler) RejectSuggestion(c echo.Context) error {
	if err := h.service.RejectSuggestion(c.Request().Context(), c.Param("suggestion_id")); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok": true,
	})
}
