package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/iceos-ai/iceos/cmd/orchestrator/container"
	"github.com/iceos-ai/iceos/cmd/orchestrator/handlers"
)

// RegisterRunRoutes registers run execution and event stream routes.
func RegisterRunRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRunHandler(c.Runs, c.Blueprints, c.Limiter,
		c.Components.Config.RateLimit.GlobalPerMinute)

	runs := e.Group("/api/v1/runs")
	{
		runs.POST("", h.Start)              // POST /api/v1/runs (202 + run snapshot)
		runs.GET("", h.List)                // GET /api/v1/runs?blueprint_id=&status=
		runs.GET("/:id", h.Get)             // GET /api/v1/runs/{run_id}
		runs.POST("/:id/cancel", h.Cancel)  // POST /api/v1/runs/{run_id}/cancel
		runs.GET("/:id/events", h.Events)   // GET /api/v1/runs/{run_id}/events?since= (SSE on Accept: text/event-stream)
	}
}
