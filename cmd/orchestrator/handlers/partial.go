package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/plan"
)

// PartialHandler serves /api/v1/blueprints/partial, the incremental
// construction surface.
type PartialHandler struct {
	store    *blueprint.Store
	compiler *plan.Compiler
}

// NewPartialHandler creates a partial-blueprint handler.
func NewPartialHandler(store *blueprint.Store, compiler *plan.Compiler) *PartialHandler {
	return &PartialHandler{store: store, compiler: compiler}
}

// Create starts a new partial blueprint, possibly empty.
// POST /api/v1/blueprints/partial
func (h *PartialHandler) Create(c echo.Context) error {
	var p blueprint.PartialBlueprint
	if err := c.Bind(&p); err != nil {
		return writeError(c, apperrors.Wrap(apperrors.KindValidation, err, "request body is not a partial blueprint"))
	}

	id, lock, err := h.store.CreatePartial(c.Request().Context(), &p)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set(VersionLockHeader, lock)
	p.ID = id
	return c.JSON(http.StatusCreated, &p)
}

// Get returns a partial blueprint with its version lock.
// GET /api/v1/blueprints/partial/:id
func (h *PartialHandler) Get(c echo.Context) error {
	p, lock, err := h.store.GetPartial(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set(VersionLockHeader, lock)
	return c.JSON(http.StatusOK, p)
}

// Put replaces a partial blueprint under its version lock.
// PUT /api/v1/blueprints/partial/:id
func (h *PartialHandler) Put(c echo.Context) error {
	lock := versionLock(c)
	if lock == "" {
		return writeError(c, apperrors.New(apperrors.KindValidation,
			"replacing a partial blueprint requires the %s header", VersionLockHeader))
	}

	var p blueprint.PartialBlueprint
	if err := c.Bind(&p); err != nil {
		return writeError(c, apperrors.Wrap(apperrors.KindValidation, err, "request body is not a partial blueprint"))
	}
	p.ID = c.Param("id")

	fresh, err := h.store.PutPartial(c.Request().Context(), p.ID, &p, lock)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set(VersionLockHeader, fresh)
	return c.JSON(http.StatusOK, &p)
}

// Mutate applies a batch of incremental mutations atomically.
// POST /api/v1/blueprints/partial/:id/mutate
func (h *PartialHandler) Mutate(c echo.Context) error {
	lock := versionLock(c)
	if lock == "" {
		return writeError(c, apperrors.New(apperrors.KindValidation,
			"mutating a partial blueprint requires the %s header", VersionLockHeader))
	}

	var body struct {
		Mutations []blueprint.Mutation `json:"mutations"`
	}
	if err := c.Bind(&body); err != nil {
		return writeError(c, apperrors.Wrap(apperrors.KindValidation, err, "request body is not a mutation batch"))
	}
	if len(body.Mutations) == 0 {
		return writeError(c, apperrors.New(apperrors.KindValidation, "mutation batch is empty"))
	}

	p, fresh, err := h.store.Mutate(c.Request().Context(), c.Param("id"), body.Mutations, lock)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set(VersionLockHeader, fresh)
	return c.JSON(http.StatusOK, p)
}

// Suggest returns next-node suggestions without modifying the draft.
// POST /api/v1/blueprints/partial/:id/suggest
func (h *PartialHandler) Suggest(c echo.Context) error {
	p, err := h.store.SuggestNext(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"open_questions": p.OpenQuestions,
		"suggestions":    p.Suggestions,
	})
}

// Finalize promotes a completed draft into a validated blueprint.
// POST /api/v1/blueprints/partial/:id/finalize
func (h *PartialHandler) Finalize(c echo.Context) error {
	lock := versionLock(c)
	if lock == "" {
		return writeError(c, apperrors.New(apperrors.KindValidation,
			"finalizing a partial blueprint requires the %s header", VersionLockHeader))
	}

	bp, bpLock, err := h.store.Finalize(c.Request().Context(), c.Param("id"), lock,
		func(ctx context.Context, bp *blueprint.Blueprint) error {
			return h.compiler.Validate(ctx, bp)
		})
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set(VersionLockHeader, bpLock)
	return c.JSON(http.StatusCreated, bp)
}

// Delete discards a draft.
// DELETE /api/v1/blueprints/partial/:id
func (h *PartialHandler) Delete(c echo.Context) error {
	if err := h.store.DeletePartial(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
