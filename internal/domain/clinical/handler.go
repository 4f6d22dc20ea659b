package clinical

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/apperr"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/auth"
	"github.com/parrot-sketch/nSculpt-sub003/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse, auditor
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "auditor"))
	readGroup.GET("/observations", h.ListObservations)
	readGroup.GET("/observations/:id", h.GetObservation)
	readGroup.GET("/observations/:id/versions", h.ListObservationVersions)
	readGroup.GET("/conditions", h.ListConditions)
	readGroup.GET("/conditions/:id", h.GetCondition)
	readGroup.GET("/conditions/:id/versions", h.ListConditionVersions)

	// Write endpoints – admin, physician, nurse
	writeGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	writeGroup.POST("/observations", h.CreateObservation)
	writeGroup.POST("/observations/:id/amend", h.AmendObservation)
	writeGroup.POST("/conditions", h.CreateCondition)
	writeGroup.POST("/conditions/:id/amend", h.AmendCondition)
}

func parseOptionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

// =========== Observation Handlers ===========

func (h *Handler) CreateObservation(c echo.Context) error {
	userID, err := auth.UserUUID(c)
	if err != nil {
		return err
	}
	var o Observation
	if err := c.Bind(&o); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.AddObservation(c.Request().Context(), &o, userID); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) AmendObservation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	userID, err := auth.UserUUID(c)
	if err != nil {
		return err
	}
	var changes ObservationChanges
	if err := c.Bind(&changes); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.AmendObservation(c.Request().Context(), userID, id, changes)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) GetObservation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	o, err := h.svc.GetObservation(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListObservations(c echo.Context) error {
	pg := pagination.FromContext(c)
	pid, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	encID, err := parseOptionalUUID(c, "encounter_id")
	if err != nil {
		return err
	}
	f := ObservationFilter{
		Category:    c.QueryParam("category"),
		CodeValue:   c.QueryParam("code"),
		EncounterID: encID,
	}
	items, total, err := h.svc.ListLatestObservations(c.Request().Context(), pid, f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListObservationVersions(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListObservationVersions(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

// =========== Condition Handlers ===========

func (h *Handler) CreateCondition(c echo.Context) error {
	userID, err := auth.UserUUID(c)
	if err != nil {
		return err
	}
	var cond Condition
	if err := c.Bind(&cond); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.AddCondition(c.Request().Context(), &cond, userID); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, cond)
}

func (h *Handler) AmendCondition(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	userID, err := auth.UserUUID(c)
	if err != nil {
		return err
	}
	var changes ConditionChanges
	if err := c.Bind(&changes); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cond, err := h.svc.AmendCondition(c.Request().Context(), userID, id, changes)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, cond)
}

func (h *Handler) GetCondition(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cond, err := h.svc.GetCondition(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, cond)
}

func (h *Handler) ListConditions(c echo.Context) error {
	pg := pagination.FromContext(c)
	pid, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	encID, err := parseOptionalUUID(c, "encounter_id")
	if err != nil {
		return err
	}
	f := ConditionFilter{
		ClinicalStatus: c.QueryParam("clinical_status"),
		Category:       c.QueryParam("category"),
		CodeValue:      c.QueryParam("code"),
		EncounterID:    encID,
	}
	items, total, err := h.svc.ListLatestConditions(c.Request().Context(), pid, f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListConditionVersions(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListConditionVersions(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}
