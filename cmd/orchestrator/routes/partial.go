package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/iceos-ai/iceos/cmd/orchestrator/container"
	"github.com/iceos-ai/iceos/cmd/orchestrator/handlers"
)

// RegisterPartialRoutes registers the incremental blueprint construction
// routes. The static /partial segment takes precedence over the
// /blueprints/:id parameter routes.
func RegisterPartialRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewPartialHandler(c.Blueprints, c.Compiler)

	partial := e.Group("/api/v1/blueprints/partial")
	{
		partial.POST("", h.Create)                 // POST /api/v1/blueprints/partial
		partial.GET("/:id", h.Get)                 // GET /api/v1/blueprints/partial/{id}
		partial.PUT("/:id", h.Put)                 // PUT /api/v1/blueprints/partial/{id} (X-Version-Lock)
		partial.POST("/:id/mutate", h.Mutate)      // POST /api/v1/blueprints/partial/{id}/mutate (X-Version-Lock)
		partial.POST("/:id/suggest", h.Suggest)    // POST /api/v1/blueprints/partial/{id}/suggest
		partial.POST("/:id/finalize", h.Finalize)  // POST /api/v1/blueprints/partial/{id}/finalize (X-Version-Lock)
		partial.DELETE("/:id", h.Delete)           // DELETE /api/v1/blueprints/partial/{id}
	}
}
