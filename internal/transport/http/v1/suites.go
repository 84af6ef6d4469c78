package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

// CreateSuite imports a suite with its examples and assertions.
// POST /v1/suites
func (h *Handler) CreateSuite(c echo.Context) error {
	var req domain.CreateSuiteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	suite, err := h.service.CreateSuite(c.Request().Context(), req)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, suite)
}

// CreateSnapshot freezes a suite.
// POST /v1/suites/:suite_id/snapshots
func (h *Handler) CreateSnapshot(c echo.Context) error {
	snap, err := h.service.CreateSnapshot(c.Request().Context(), c.Param("suite_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, snap)
}
