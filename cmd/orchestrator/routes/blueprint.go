package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/iceos-ai/iceos/cmd/orchestrator/container"
	"github.com/iceos-ai/iceos/cmd/orchestrator/handlers"
)

// RegisterBlueprintRoutes registers blueprint CRUD routes.
func RegisterBlueprintRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewBlueprintHandler(c.Blueprints, c.Compiler)

	bps := e.Group("/api/v1/blueprints")
	{
		bps.POST("", h.Create)       // POST /api/v1/blueprints
		bps.GET("", h.List)          // GET /api/v1/blueprints
		bps.GET("/:id", h.Get)       // GET /api/v1/blueprints/{id}
		bps.PUT("/:id", h.Put)       // PUT /api/v1/blueprints/{id} (X-Version-Lock)
		bps.PATCH("/:id", h.Patch)   // PATCH /api/v1/blueprints/{id} (X-Version-Lock)
		bps.DELETE("/:id", h.Delete) // DELETE /api/v1/blueprints/{id}
	}
}
