package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/iceos-ai/iceos/cmd/orchestrator/container"
	"github.com/iceos-ai/iceos/cmd/orchestrator/handlers"
)

// RegisterMetaRoutes registers the builder discovery routes. These stay
// open even when dev auth is enabled.
func RegisterMetaRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewMetaHandler(c.Catalog)

	meta := e.Group("/api/v1/meta")
	{
		meta.GET("/nodes/types", h.NodeTypes)          // GET /api/v1/meta/nodes/types
		meta.GET("/nodes/:kind/schema", h.NodeSchema)  // GET /api/v1/meta/nodes/{kind}/schema
		meta.GET("/models", h.Models)                  // GET /api/v1/meta/models
		meta.GET("/code/languages", h.Languages)       // GET /api/v1/meta/code/languages
		meta.GET("/limits", h.Limits)                  // GET /api/v1/meta/limits
	}
}
