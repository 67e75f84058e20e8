package risk

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/claimrisk/claimrisk/internal/domain/claim"
	"github.com/claimrisk/claimrisk/internal/platform/jobs"
)

type Handler struct {
	scorer *Scorer
	jobs   JobEnqueuer
}

// JobEnqueuer enqueues background jobs; the production implementation is
// the jobs dispatcher.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}) (*jobs.Job, error)
}

func NewHandler(scorer *Scorer, jobs JobEnqueuer) *Handler {
	return &Handler{scorer: scorer, jobs: jobs}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/risk/:claim_id", h.Latest)
	api.GET("/risk/:claim_id/history", h.History)
	api.POST("/risk/:claim_id/recalculate", h.Recalculate)
}

func (h *Handler) Latest(c echo.Context) error {
	claimID, err := uuid.Parse(c.Param("claim_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid claim_id")
	}
	score, err := h.scorer.Latest(c.Request().Context(), claimID)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "claim has not been scored")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, score)
}

func (h *Handler) History(c echo.Context) error {
	claimID, err := uuid.Parse(c.Param("claim_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid claim_id")
	}
	limit := 20
	scores, err := h.scorer.History(c.Request().Context(), claimID, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": scores})
}

func (h *Handler) Recalculate(c echo.Context) error {
	claimID, err := uuid.Parse(c.Param("claim_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid claim_id")
	}
	ctx := c.Request().Context()
	if _, err := h.scorer.claims.GetByID(ctx, claimID); err != nil {
		if errors.Is(err, claim.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "claim not found")
		}
		return err
	}
	job, err := h.jobs.Enqueue(ctx, JobTypeRecalculate, RecalculatePayload{ClaimID: claimID})
	if err != nil {
		if errors.Is(err, jobs.ErrQueueFull) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "job queue is full")
		}
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"job_id": job.ID})
}
