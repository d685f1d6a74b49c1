package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/registry"
)

// ComponentHandler serves /api/v1/components, the shared registry of
// tools, agents, workflows and code components.
type ComponentHandler struct {
	registry *registry.Registry
}

// NewComponentHandler creates a component handler.
func NewComponentHandler(reg *registry.Registry) *ComponentHandler {
	return &ComponentHandler{registry: reg}
}

// Register validates and stores a new component definition.
// POST /api/v1/components
func (h *ComponentHandler) Register(c echo.Context) error {
	var def registry.Definition
	if err := c.Bind(&def); err != nil {
		return writeError(c, apperrors.Wrap(apperrors.KindValidation, err, "request body is not a component definition"))
	}

	lock, err := h.registry.Register(c.Request().Context(), &def, versionLock(c))
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set(VersionLockHeader, lock)
	return c.JSON(http.StatusCreated, &def)
}

// Validate dry-runs a definition without storing it.
// POST /api/v1/components/validate
func (h *ComponentHandler) Validate(c echo.Context) error {
	var def registry.Definition
	if err := c.Bind(&def); err != nil {
		return writeError(c, apperrors.Wrap(apperrors.KindValidation, err, "request body is not a component definition"))
	}

	if err := h.registry.Validate(&def); err != nil {
		kind := apperrors.KindOf(err)
		return c.JSON(http.StatusOK, map[string]any{
			"valid": false,
			"kind":  string(kind),
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"valid": true})
}

// List returns definitions, optionally filtered by kind and name prefix.
// GET /api/v1/components?kind=&prefix=
func (h *ComponentHandler) List(c echo.Context) error {
	kind := registry.Kind(c.QueryParam("kind"))
	defs := h.registry.List(kind, c.QueryParam("prefix"))
	return c.JSON(http.StatusOK, map[string]any{
		"components":      defs,
		"count":           len(defs),
		"snapshot_digest": h.registry.SnapshotDigest(),
	})
}

// Get returns one definition with its version lock.
// GET /api/v1/components/:kind/:name
func (h *ComponentHandler) Get(c echo.Context) error {
	def, lock, err := h.registry.GetWithLock(c.Request().Context(),
		registry.Kind(c.Param("kind")), c.Param("name"))
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set(VersionLockHeader, lock)
	return c.JSON(http.StatusOK, def)
}

// Update replaces a definition under its version lock.
// PUT /api/v1/components/:kind/:name
func (h *ComponentHandler) Update(c echo.Context) error {
	lock := versionLock(c)
	if lock == "" {
		return writeError(c, apperrors.New(apperrors.KindValidation,
			"updating a component requires the %s header", VersionLockHeader))
	}

	var def registry.Definition
	if err := c.Bind(&def); err != nil {
		return writeError(c, apperrors.Wrap(apperrors.KindValidation, err, "request body is not a component definition"))
	}
	def.Kind = registry.Kind(c.Param("kind"))
	def.Name = c.Param("name")

	fresh, err := h.registry.Update(c.Request().Context(), &def, lock)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set(VersionLockHeader, fresh)
	return c.JSON(http.StatusOK, &def)
}

// Delete removes a definition.
// DELETE /api/v1/components/:kind/:name
func (h *ComponentHandler) Delete(c echo.Context) error {
	err := h.registry.Delete(c.Request().Context(),
		registry.Kind(c.Param("kind")), c.Param("name"))
	if err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
