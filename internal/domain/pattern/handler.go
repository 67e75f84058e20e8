package pattern

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/claimrisk/claimrisk/internal/platform/auth"
	"github.com/claimrisk/claimrisk/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patterns", h.List)
	api.GET("/patterns/:id", h.Get)
	api.POST("/patterns/detect", h.Detect, auth.RequireRole(auth.RoleAdmin))
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f Filter
	if v := c.QueryParam("payer_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid payer_id")
		}
		f.PayerID = &id
	}
	f.DenialReasonCode = c.QueryParam("denial_reason_code")
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "pattern not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

type detectRequest struct {
	PayerID    *uuid.UUID `json:"payer_id,omitempty"`
	WindowDays int        `json:"window_days,omitempty"`
}

func (h *Handler) Detect(c echo.Context) error {
	var req detectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.WindowDays < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "window_days must be positive")
	}
	params := Params{PayerID: req.PayerID}
	if req.WindowDays > 0 {
		params.Window = time.Duration(req.WindowDays) * 24 * time.Hour
	}
	report, err := h.svc.Detect(c.Request().Context(), params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}
