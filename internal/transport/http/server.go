// Package http provides the HTTP server implementation for the evaluator.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/xiaot623/gogo/evaluator/internal/service"
	v1 "github.com/xiaot623/gogo/evaluator/internal/transport/http/v1"
)

// NewServer creates and configures the HTTP server exposing runs, trials,
// suggestions and scheduler control. sched may be nil.
func NewServer(svc *service.Service, sched v1.SchedulerControl) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc, sched)

	// Register Routes
	v1Handler.RegisterRoutes(e)

	return e
}
