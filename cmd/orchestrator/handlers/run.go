package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/common/ratelimit"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/runs"
)

// RunHandler serves /api/v1/runs: execution, cancellation and the
// per-run event stream.
type RunHandler struct {
	controller *runs.Controller
	blueprints *blueprint.Store

	// limiter is nil when rate limiting is disabled.
	limiter     *ratelimit.Limiter
	globalLimit int64
}

// NewRunHandler creates a run handler.
func NewRunHandler(controller *runs.Controller, blueprints *blueprint.Store, limiter *ratelimit.Limiter, globalLimit int64) *RunHandler {
	return &RunHandler{
		controller:  controller,
		blueprints:  blueprints,
		limiter:     limiter,
		globalLimit: globalLimit,
	}
}

// Start compiles a blueprint and launches a run. The response is the
// run snapshot in running state; progress arrives on the event stream.
// POST /api/v1/runs
func (h *RunHandler) Start(c echo.Context) error {
	var req runs.StartRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperrors.Wrap(apperrors.KindValidation, err, "request body is not a run request"))
	}

	if h.limiter != nil {
		if done, err := h.throttle(c, &req); err != nil {
			return writeError(c, err)
		} else if done {
			return nil
		}
	}

	run, err := h.controller.Start(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, run)
}

// throttle applies the global and per-client tier limits. It reports
// done=true when a 429 response has already been written.
func (h *RunHandler) throttle(c echo.Context, req *runs.StartRequest) (bool, error) {
	ctx := c.Request().Context()

	res, err := h.limiter.CheckGlobal(ctx, h.globalLimit)
	if err != nil {
		return false, err
	}
	if !res.Allowed {
		return true, tooManyRuns(c, res, "")
	}

	bp := req.Blueprint
	if bp == nil {
		stored, _, err := h.blueprints.Get(ctx, req.BlueprintID)
		if err != nil {
			return false, err
		}
		bp = stored
	}
	tier := ratelimit.Classify(bp)

	res, err = h.limiter.CheckClient(ctx, c.RealIP(), tier)
	if err != nil {
		return false, err
	}
	if !res.Allowed {
		return true, tooManyRuns(c, res, tier)
	}
	return false, nil
}

func tooManyRuns(c echo.Context, res *ratelimit.Result, tier ratelimit.Tier) error {
	c.Response().Header().Set("Retry-After", strconv.FormatInt(res.RetryAfterSeconds, 10))
	body := map[string]any{
		"kind":                "rate_limited",
		"error":               "run start rate limit exceeded",
		"limit":               res.Limit,
		"retry_after_seconds": res.RetryAfterSeconds,
	}
	if tier != "" {
		body["tier"] = string(tier)
	}
	return c.JSON(http.StatusTooManyRequests, body)
}

// Get returns a run snapshot.
// GET /api/v1/runs/:id
func (h *RunHandler) Get(c echo.Context) error {
	run, err := h.controller.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// Cancel requests cooperative cancellation of a live run.
// POST /api/v1/runs/:id/cancel
func (h *RunHandler) Cancel(c echo.Context) error {
	run, err := h.controller.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// List returns runs filtered by blueprint and status.
// GET /api/v1/runs?blueprint_id=&status=&limit=&offset=
func (h *RunHandler) List(c echo.Context) error {
	filter := runs.ListFilter{
		BlueprintID: c.QueryParam("blueprint_id"),
		Status:      runs.Status(c.QueryParam("status")),
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return writeError(c, apperrors.New(apperrors.KindValidation, "limit must be an integer"))
		}
		filter.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return writeError(c, apperrors.New(apperrors.KindValidation, "offset must be an integer"))
		}
		filter.Offset = n
	}

	list, err := h.controller.List(c.Request().Context(), filter)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": list, "count": len(list)})
}

// Events returns the run's event records after a sequence cursor, or
// streams them as server-sent events when the client asks for
// text/event-stream.
// GET /api/v1/runs/:id/events?since=
func (h *RunHandler) Events(c echo.Context) error {
	var since int64
	if v := c.QueryParam("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return writeError(c, apperrors.New(apperrors.KindValidation, "since must be an integer sequence number"))
		}
		since = n
	}

	if c.Request().Header.Get("Accept") == "text/event-stream" {
		return h.stream(c, since)
	}

	recs, err := h.controller.Events(c.Request().Context(), c.Param("id"), since)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": recs, "count": len(recs)})
}

// stream pushes events as SSE until the run finishes or the client
// disconnects. Reconnecting clients resume from Last-Event-ID.
func (h *RunHandler) stream(c echo.Context, since int64) error {
	if v := c.Request().Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = n
		}
	}

	ctx := c.Request().Context()
	ch, cancel, err := h.controller.Subscribe(ctx, c.Param("id"), since)
	if err != nil {
		return writeError(c, err)
	}
	defer cancel()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			fmt.Fprintf(res, "id: %d\nevent: %s\ndata: %s\n\n", rec.Seq, rec.Kind, data)
			res.Flush()
		}
	}
}
