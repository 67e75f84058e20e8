package episode

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/claimrisk/claimrisk/internal/platform/apperr"
	"github.com/claimrisk/claimrisk/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/episodes", h.List)
	api.GET("/episodes/:id", h.Get)
	api.POST("/episodes/:id/link", h.Link)
	api.POST("/episodes/:id/status", h.UpdateStatus)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.Get(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "episode not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f Filter
	if v := c.QueryParam("claim_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid claim_id")
		}
		f.ClaimID = &id
	}
	if v := c.QueryParam("status"); v != "" {
		if !ValidStatus(v) {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
		}
		f.Status = v
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type linkRequest struct {
	ClaimID      uuid.UUID `json:"claim_id"`
	RemittanceID uuid.UUID `json:"remittance_id"`
}

func (h *Handler) Link(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req linkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ClaimID == uuid.Nil || req.RemittanceID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "claim_id and remittance_id are required")
	}
	result, err := h.svc.ManualLink(c.Request().Context(), id, req.ClaimID, req.RemittanceID)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "episode not found")
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInput {
			return echo.NewHTTPError(http.StatusBadRequest, apperr.ToBody(err).Error.Message)
		}
		return err
	}
	return c.JSON(http.StatusOK, result)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	e, err := h.svc.UpdateStatus(c.Request().Context(), id, req.Status)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "episode not found")
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInput {
			return echo.NewHTTPError(http.StatusBadRequest, apperr.ToBody(err).Error.Message)
		}
		return err
	}
	return c.JSON(http.StatusOK, e)
}
