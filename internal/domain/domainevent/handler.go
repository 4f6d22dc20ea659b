package domainevent

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/apperr"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/auth"
	"github.com/parrot-sketch/nSculpt-sub003/pkg/pagination"
)

// SessionIDHeader carries the client session identifier recorded on events.
const SessionIDHeader = "X-Session-ID"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "auditor", "physician", "nurse"))
	read.GET("/events", h.ListEvents)
	read.GET("/events/:id", h.GetEvent)
	read.GET("/events/:id/chain", h.GetCausalChain)
	read.GET("/correlations/:correlationId/events", h.GetCorrelated)

	verify := api.Group("", auth.RequireRole("admin", "auditor"))
	verify.GET("/events/:id/verify", h.VerifyEvent)
	verify.GET("/events/verify", h.VerifyRange)

	write := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar"))
	write.POST("/events", h.AppendEvent)
}

func (h *Handler) AppendEvent(c echo.Context) error {
	var in AppendInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	// Events are attributed to the caller. Only admins may record on behalf of
	// another user.
	caller, authenticated := auth.UserUUIDFromContext(ctx)
	switch {
	case in.CreatedBy == nil:
		if authenticated {
			in.CreatedBy = &caller
		}
	case (!authenticated || *in.CreatedBy != caller) && !auth.HasRole(ctx, "admin"):
		return echo.NewHTTPError(http.StatusForbidden, "created_by must be the authenticated user")
	}
	if in.RequestID == nil {
		if rid, _ := c.Get("request_id").(string); rid != "" {
			in.RequestID = &rid
		}
	}
	if in.SessionID == nil {
		if sid := c.Request().Header.Get(SessionIDHeader); sid != "" {
			in.SessionID = &sid
		}
	}

	e, err := h.svc.Append(ctx, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) GetEvent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.GetEvent(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ListEvents(c echo.Context) error {
	pg := pagination.FromContext(c)
	events, total, err := h.svc.ListByAggregate(c.Request().Context(),
		c.QueryParam("aggregate_type"), c.QueryParam("aggregate_id"), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, pg.Limit, pg.Offset))
}

func (h *Handler) VerifyEvent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	valid, err := h.svc.VerifyIntegrity(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, VerificationResult{EventID: id, Valid: valid})
}

func (h *Handler) VerifyRange(c echo.Context) error {
	start, err := time.Parse(time.RFC3339Nano, c.QueryParam("start"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "start must be an RFC 3339 timestamp")
	}
	end, err := time.Parse(time.RFC3339Nano, c.QueryParam("end"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "end must be an RFC 3339 timestamp")
	}

	results, err := h.svc.VerifyRange(c.Request().Context(), start, end)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	invalid := 0
	for _, r := range results {
		if !r.Valid {
			invalid++
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"start":   start,
		"end":     end,
		"checked": len(results),
		"invalid": invalid,
		"results": results,
	})
}

func (h *Handler) GetCausalChain(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	chain, err := h.svc.GetCausalChain(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, chain)
}

func (h *Handler) GetCorrelated(c echo.Context) error {
	events, err := h.svc.GetCorrelated(c.Request().Context(), c.Param("correlationId"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, events)
}
