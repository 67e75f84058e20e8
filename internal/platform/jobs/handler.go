package jobs

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// HTTPHandler exposes job status lookups over the API.
type HTTPHandler struct {
	store Store
}

// NewHTTPHandler creates a handler backed by the given store.
func NewHTTPHandler(store Store) *HTTPHandler {
	return &HTTPHandler{store: store}
}

// RegisterRoutes binds job routes to the given Echo group.
func (h *HTTPHandler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.ListJobs)
	g.GET("/:id", h.GetJob)
}

// GetJob handles GET /jobs/:id.
func (h *HTTPHandler) GetJob(c echo.Context) error {
	job, err := h.store.GetJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// ListJobs handles GET /jobs with optional status and limit filters.
func (h *HTTPHandler) ListJobs(c echo.Context) error {
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err == nil && parsed > 0 {
			limit = parsed
		}
	}

	list, err := h.store.ListJobs(c.Request().Context(), c.QueryParam("status"), limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*Job{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  list,
		"total": len(list),
	})
}
