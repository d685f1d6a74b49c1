package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/iceos-ai/iceos/cmd/orchestrator/container"
	"github.com/iceos-ai/iceos/cmd/orchestrator/handlers"
)

// RegisterComponentRoutes registers the shared component registry routes.
func RegisterComponentRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewComponentHandler(c.Registry)

	components := e.Group("/api/v1/components")
	{
		components.POST("", h.Register)                // POST /api/v1/components
		components.POST("/validate", h.Validate)       // POST /api/v1/components/validate (dry run)
		components.GET("", h.List)                     // GET /api/v1/components?kind=&prefix=
		components.GET("/:kind/:name", h.Get)          // GET /api/v1/components/{kind}/{name}
		components.PUT("/:kind/:name", h.Update)       // PUT /api/v1/components/{kind}/{name} (X-Version-Lock)
		components.DELETE("/:kind/:name", h.Delete)    // DELETE /api/v1/components/{kind}/{name}
	}
}
