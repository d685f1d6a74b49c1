package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/plan"
)

// BlueprintHandler serves /api/v1/blueprints.
type BlueprintHandler struct {
	store    *blueprint.Store
	compiler *plan.Compiler
}

// NewBlueprintHandler creates a blueprint handler.
func NewBlueprintHandler(store *blueprint.Store, compiler *plan.Compiler) *BlueprintHandler {
	return &BlueprintHandler{store: store, compiler: compiler}
}

// Create validates and persists a new blueprint.
// POST /api/v1/blueprints
func (h *BlueprintHandler) Create(c echo.Context) error {
	var bp blueprint.Blueprint
	if err := c.Bind(&bp); err != nil {
		return writeError(c, apperrors.Wrap(apperrors.KindValidation, err, "request body is not a blueprint"))
	}

	if err := h.compiler.Validate(c.Request().Context(), &bp); err != nil {
		return writeError(c, err)
	}
	id, lock, err := h.store.Create(c.Request().Context(), &bp)
	if err != nil {
		return writeError(c, err)
	}

	c.Response().Header().Set(VersionLockHeader, lock)
	bp.ID = id
	return c.JSON(http.StatusCreated, &bp)
}

// Get returns a blueprint with its version lock header.
// GET /api/v1/blueprints/:id
func (h *BlueprintHandler) Get(c echo.Context) error {
	bp, lock, err := h.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set(VersionLockHeader, lock)
	return c.JSON(http.StatusOK, bp)
}

// List returns all blueprints.
// GET /api/v1/blueprints
func (h *BlueprintHandler) List(c echo.Context) error {
	bps, err := h.store.List(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"blueprints": bps, "count": len(bps)})
}

// Put replaces a blueprint under its version lock.
// PUT /api/v1/blueprints/:id
func (h *BlueprintHandler) Put(c echo.Context) error {
	lock := versionLock(c)
	if lock == "" {
		return writeError(c, apperrors.New(apperrors.KindValidation,
			"replacing a blueprint requires the %s header", VersionLockHeader))
	}

	var bp blueprint.Blueprint
	if err := c.Bind(&bp); err != nil {
		return writeError(c, apperrors.Wrap(apperrors.KindValidation, err, "request body is not a blueprint"))
	}
	bp.ID = c.Param("id")

	if err := h.compiler.Validate(c.Request().Context(), &bp); err != nil {
		return writeError(c, err)
	}
	fresh, err := h.store.Put(c.Request().Context(), bp.ID, &bp, lock)
	if err != nil {
		return writeError(c, err)
	}

	c.Response().Header().Set(VersionLockHeader, fresh)
	return c.JSON(http.StatusOK, &bp)
}

// Patch applies an RFC 7386 merge patch under the version lock. The
// patched result must still validate.
// PATCH /api/v1/blueprints/:id
func (h *BlueprintHandler) Patch(c echo.Context) error {
	lock := versionLock(c)
	if lock == "" {
		return writeError(c, apperrors.New(apperrors.KindValidation,
			"patching a blueprint requires the %s header", VersionLockHeader))
	}

	patch, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return writeError(c, apperrors.Wrap(apperrors.KindValidation, err, "read patch body"))
	}

	ctx := c.Request().Context()

	// Validate the merged result before committing it.
	current, _, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	preview, err := blueprint.ApplyMergePatch(current, patch)
	if err != nil {
		return writeError(c, err)
	}
	if err := h.compiler.Validate(ctx, preview); err != nil {
		return writeError(c, err)
	}

	next, fresh, err := h.store.Patch(ctx, c.Param("id"), patch, lock)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set(VersionLockHeader, fresh)
	return c.JSON(http.StatusOK, next)
}

// Delete removes a blueprint.
// DELETE /api/v1/blueprints/:id
func (h *BlueprintHandler) Delete(c echo.Context) error {
	if err := h.store.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
