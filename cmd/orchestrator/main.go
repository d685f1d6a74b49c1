package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iceos-ai/iceos/cmd/orchestrator/container"
	"github.com/iceos-ai/iceos/cmd/orchestrator/middleware"
	"github.com/iceos-ai/iceos/cmd/orchestrator/routes"
	"github.com/iceos-ai/iceos/common/bootstrap"
	"github.com/iceos-ai/iceos/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap shared components (config, logger, Redis, optional archive DB)
	components, err := bootstrap.Setup(ctx, "orchestrator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap orchestrator: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.New(ctx, components, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	e := setupEcho()
	setupMiddleware(e, serviceContainer)
	setupHealthCheck(e, serviceContainer)
	registerRoutes(e, serviceContainer)

	startServer(e, serviceContainer)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, c *container.Container) {
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(echomw.RequestID())
	e.Use(middleware.DevAuth(c.Components.Config.Service.DevAuthToken))
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, c *container.Container) {
	e.GET("/health", func(ec echo.Context) error {
		if err := c.Components.Health(ec.Request().Context()); err != nil {
			return ec.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		return ec.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "orchestrator",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterBlueprintRoutes(e, c)
	routes.RegisterPartialRoutes(e, c)
	routes.RegisterComponentRoutes(e, c)
	routes.RegisterRunRoutes(e, c)
	routes.RegisterMetaRoutes(e, c)
}

// startServer starts the HTTP server and drains live runs on shutdown
func startServer(e *echo.Echo, c *container.Container) {
	components := c.Components
	srv := server.New("orchestrator", components.Config.Service.Port, e, components.Logger)
	srv.OnShutdown(c.Runs.Drain)

	if err := srv.Start(); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
