package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/claimrisk/claimrisk/internal/platform/filestore"
	"github.com/claimrisk/claimrisk/internal/platform/jobs"
)

const (
	// memorySpoolLimit is the size above which an upload spills to disk
	// while being received.
	memorySpoolLimit = 10 << 20
	// maxUploadBytes bounds a single upload.
	maxUploadBytes = 200 << 20
)

// JobEnqueuer enqueues background jobs; the production implementation is
// the jobs dispatcher.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}) (*jobs.Job, error)
}

// Handler receives file uploads, spools them, and hands them to the job
// queue. The response is always 202 with the job id; processing status
// is polled through the jobs API or pushed over the file_progress
// channel.
type Handler struct {
	enq      JobEnqueuer
	spoolDir string
	logger   zerolog.Logger
}

func NewHandler(enq JobEnqueuer, spoolDir string, logger zerolog.Logger) *Handler {
	return &Handler{enq: enq, spoolDir: spoolDir, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/claims/upload", h.UploadClaims)
	api.POST("/remits/upload", h.UploadRemits)
}

func (h *Handler) UploadClaims(c echo.Context) error {
	return h.upload(c, JobTypeClaimFile)
}

func (h *Handler) UploadRemits(c echo.Context) error {
	return h.upload(c, JobTypeRemitFile)
}

func (h *Handler) upload(c echo.Context, jobType string) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' is required")
	}
	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read upload")
	}
	defer src.Close()

	spool, err := filestore.New(src, h.spoolDir, memorySpoolLimit, maxUploadBytes)
	if err != nil {
		if errors.Is(err, filestore.ErrTooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		}
		return err
	}
	defer spool.Close()

	if spool.Size() == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "uploaded file is empty")
	}

	// Workers outlive the request, so the spool is persisted to a named
	// file the job payload can point at.
	path := filepath.Join(h.spoolDir, uuid.New().String()+".edi")
	if err := writeSpool(spool, path); err != nil {
		return err
	}

	job, err := h.enq.Enqueue(c.Request().Context(), jobType, FilePayload{
		Path:     path,
		FileName: fileHeader.Filename,
		SHA256:   spool.SHA256(),
		Size:     spool.Size(),
	})
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			h.logger.Warn().Err(rmErr).Msg("orphaned spool cleanup failed")
		}
		if errors.Is(err, jobs.ErrQueueFull) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "ingest queue is full")
		}
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func writeSpool(spool *filestore.Spool, path string) error {
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return err
	}
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, spool); err != nil {
		dst.Close()
		os.Remove(path)
		return err
	}
	return dst.Close()
}
