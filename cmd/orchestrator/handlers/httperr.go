// Package handlers implements the /api/v1 HTTP surface: blueprints,
// partial blueprints, components, runs and meta endpoints.
package handlers

import (
	"errors"

	"github.com/labstack/echo/v4"

	"github.com/iceos-ai/iceos/common/apperrors"
)

// VersionLockHeader carries the opaque optimistic-concurrency token on
// blueprint and component responses and conditional writes.
const VersionLockHeader = "X-Version-Lock"

// writeError maps a taxonomy error onto its HTTP status and envelope.
// Map-shaped details are promoted to top-level envelope fields (e.g. the
// budget pre-flight's estimate_usd and ceiling_usd); other detail shapes
// stay under "details".
func writeError(c echo.Context, err error) error {
	kind := apperrors.KindOf(err)
	body := map[string]any{
		"kind":  string(kind),
		"error": err.Error(),
	}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		body["error"] = appErr.Message
		if appErr.NodeID != "" {
			body["failing_node_id"] = appErr.NodeID
		}
		switch details := appErr.Details.(type) {
		case nil:
		case map[string]any:
			for k, v := range details {
				if _, taken := body[k]; !taken {
					body[k] = v
				}
			}
		default:
			body["details"] = details
		}
	}
	return c.JSON(apperrors.HTTPStatus(kind), body)
}

// versionLock reads the lock from header or query, header winning.
func versionLock(c echo.Context) string {
	if lock := c.Request().Header.Get(VersionLockHeader); lock != "" {
		return lock
	}
	return c.QueryParam("version_lock")
}
