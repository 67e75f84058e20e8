package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/claimrisk/claimrisk/internal/platform/apperr"
)

func testDispatcher(cfg DispatcherConfig, opts ...Option) (*Dispatcher, *InMemoryStore) {
	store := NewInMemoryStore()
	d := NewDispatcher(cfg, store, zerolog.New(os.Stderr), opts...)
	return d, store
}

func waitForStatus(t *testing.T, store Store, id string, status string) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(context.Background(), id)
		if err == nil && job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := store.GetJob(context.Background(), id)
	t.Fatalf("job %s never reached status %s (last: %+v)", id, status, job)
	return nil
}

func TestDispatcher_RunsJob(t *testing.T) {
	d, store := testDispatcher(DispatcherConfig{Workers: 2, QueueSize: 10, SoftDeadline: time.Minute})
	defer d.Stop(context.Background())

	var ran atomic.Bool
	d.Register("noop", func(ctx context.Context, job *Job, report ProgressReporter) error {
		ran.Store(true)
		return nil
	})
	d.Start()

	job, err := d.Enqueue(context.Background(), "noop", nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	final := waitForStatus(t, store, job.ID, StatusCompleted)
	if !ran.Load() {
		t.Fatal("handler never ran")
	}
	if final.Progress != 1 {
		t.Errorf("expected progress 1, got %v", final.Progress)
	}
	if final.StartedAt == nil || final.FinishedAt == nil {
		t.Error("expected started_at and finished_at to be set")
	}
}

func TestDispatcher_PayloadRoundTrip(t *testing.T) {
	d, store := testDispatcher(DispatcherConfig{Workers: 1, QueueSize: 10, SoftDeadline: time.Minute})
	defer d.Stop(context.Background())

	var got string
	var mu sync.Mutex
	d.Register("echo", func(ctx context.Context, job *Job, report ProgressReporter) error {
		var payload struct {
			FileID string `json:"file_id"`
		}
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}
		mu.Lock()
		got = payload.FileID
		mu.Unlock()
		return nil
	})
	d.Start()

	job, err := d.Enqueue(context.Background(), "echo", map[string]string{"file_id": "f-1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitForStatus(t, store, job.ID, StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	if got != "f-1" {
		t.Errorf("expected payload file_id f-1, got %q", got)
	}
}

func TestDispatcher_UnknownType(t *testing.T) {
	d, _ := testDispatcher(DispatcherConfig{Workers: 1, QueueSize: 1, SoftDeadline: time.Minute})
	defer d.Stop(context.Background())
	d.Start()

	if _, err := d.Enqueue(context.Background(), "missing", nil); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	d, _ := testDispatcher(DispatcherConfig{Workers: 1, QueueSize: 1, SoftDeadline: time.Minute})

	block := make(chan struct{})
	d.Register("block", func(ctx context.Context, job *Job, report ProgressReporter) error {
		<-block
		return nil
	})
	d.Start()
	defer func() {
		close(block)
		d.Stop(context.Background())
	}()

	// First job occupies the worker, second fills the queue slot.
	if _, err := d.Enqueue(context.Background(), "block", nil); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	// Give the worker a moment to pull the first job off the queue.
	time.Sleep(50 * time.Millisecond)
	if _, err := d.Enqueue(context.Background(), "block", nil); err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}
	if _, err := d.Enqueue(context.Background(), "block", nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestDispatcher_RetriesTransientErrors(t *testing.T) {
	d, store := testDispatcher(DispatcherConfig{
		Workers: 1, QueueSize: 10, SoftDeadline: time.Minute,
		MaxRetries: 3, BackoffBase: time.Millisecond,
	})
	defer d.Stop(context.Background())

	var calls atomic.Int32
	d.Register("flaky", func(ctx context.Context, job *Job, report ProgressReporter) error {
		if calls.Add(1) < 3 {
			return apperr.Resource("db_unavailable", errors.New("connection refused"))
		}
		return nil
	})
	d.Start()

	job, _ := d.Enqueue(context.Background(), "flaky", nil)
	final := waitForStatus(t, store, job.ID, StatusCompleted)
	if final.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", final.Attempts)
	}
}

func TestDispatcher_DoesNotRetryPermanentErrors(t *testing.T) {
	d, store := testDispatcher(DispatcherConfig{
		Workers: 1, QueueSize: 10, SoftDeadline: time.Minute,
		MaxRetries: 3, BackoffBase: time.Millisecond,
	})
	defer d.Stop(context.Background())

	var calls atomic.Int32
	d.Register("broken", func(ctx context.Context, job *Job, report ProgressReporter) error {
		calls.Add(1)
		return apperr.Input("bad_file", "not an X12 interchange")
	})
	d.Start()

	job, _ := d.Enqueue(context.Background(), "broken", nil)
	final := waitForStatus(t, store, job.ID, StatusFailed)
	if calls.Load() != 1 {
		t.Errorf("expected 1 call for permanent error, got %d", calls.Load())
	}
	if final.Error == "" {
		t.Error("expected error message on failed job")
	}
}

func TestDispatcher_HardDeadlineCancelsContext(t *testing.T) {
	d, store := testDispatcher(DispatcherConfig{
		Workers: 1, QueueSize: 10, SoftDeadline: 10 * time.Millisecond,
	})
	defer d.Stop(context.Background())

	d.Register("hang", func(ctx context.Context, job *Job, report ProgressReporter) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d.Start()

	job, _ := d.Enqueue(context.Background(), "hang", nil)
	final := waitForStatus(t, store, job.ID, StatusFailed)
	if final.Error == "" {
		t.Error("expected deadline error on failed job")
	}
}

func TestDispatcher_SoftDeadlineObservable(t *testing.T) {
	d, store := testDispatcher(DispatcherConfig{
		Workers: 1, QueueSize: 10, SoftDeadline: 10 * time.Millisecond,
	})
	defer d.Stop(context.Background())

	var sawSoftStop atomic.Bool
	d.Register("batchy", func(ctx context.Context, job *Job, report ProgressReporter) error {
		for i := 0; i < 100; i++ {
			if SoftDeadlineExceeded(ctx) {
				sawSoftStop.Store(true)
				return nil
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	})
	d.Start()

	job, _ := d.Enqueue(context.Background(), "batchy", nil)
	waitForStatus(t, store, job.ID, StatusCompleted)
	if !sawSoftStop.Load() {
		t.Error("handler never observed soft deadline")
	}
}

func TestDispatcher_ProgressReported(t *testing.T) {
	var events []Job
	var mu sync.Mutex
	listener := func(job Job) {
		mu.Lock()
		events = append(events, job)
		mu.Unlock()
	}

	d, store := testDispatcher(
		DispatcherConfig{Workers: 1, QueueSize: 10, SoftDeadline: time.Minute},
		WithJobListener(listener),
	)
	defer d.Stop(context.Background())

	d.Register("progress", func(ctx context.Context, job *Job, report ProgressReporter) error {
		report(0.5, "halfway")
		return nil
	})
	d.Start()

	job, _ := d.Enqueue(context.Background(), "progress", nil)
	waitForStatus(t, store, job.ID, StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	sawHalfway := false
	for _, ev := range events {
		if ev.Progress == 0.5 && ev.Message == "halfway" {
			sawHalfway = true
		}
	}
	if !sawHalfway {
		t.Error("listener never saw progress update")
	}
}

func TestDispatcher_StopWaitsForInflight(t *testing.T) {
	d, store := testDispatcher(DispatcherConfig{Workers: 1, QueueSize: 10, SoftDeadline: time.Minute})

	release := make(chan struct{})
	d.Register("slow", func(ctx context.Context, job *Job, report ProgressReporter) error {
		<-release
		return nil
	})
	d.Start()

	job, _ := d.Enqueue(context.Background(), "slow", nil)
	waitForStatus(t, store, job.ID, StatusRunning)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	final, _ := store.GetJob(context.Background(), job.ID)
	if final.Status != StatusCompleted {
		t.Errorf("expected completed after graceful stop, got %s", final.Status)
	}

	if _, err := d.Enqueue(context.Background(), "slow", nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// HTTP handler tests
// ---------------------------------------------------------------------------

func TestHTTPHandler_GetJob(t *testing.T) {
	store := NewInMemoryStore()
	job := &Job{ID: "j-1", Type: "noop", Status: StatusQueued, CreatedAt: time.Now().UTC()}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	h := NewHTTPHandler(store)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/j-1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("j-1")

	if err := h.GetJob(c); err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var got Job
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.ID != "j-1" || got.Status != StatusQueued {
		t.Errorf("unexpected job in response: %+v", got)
	}
}

func TestHTTPHandler_GetJobNotFound(t *testing.T) {
	h := NewHTTPHandler(NewInMemoryStore())
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")

	err := h.GetJob(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPError, got %v", err)
	}
}

func TestHTTPHandler_ListJobsFiltersByStatus(t *testing.T) {
	store := NewInMemoryStore()
	store.CreateJob(context.Background(), &Job{ID: "a", Type: "t", Status: StatusCompleted, CreatedAt: time.Now()})
	store.CreateJob(context.Background(), &Job{ID: "b", Type: "t", Status: StatusFailed, CreatedAt: time.Now()})

	h := NewHTTPHandler(store)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=failed", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListJobs(c); err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}

	var body struct {
		Data  []Job `json:"data"`
		Total int   `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Total != 1 || body.Data[0].ID != "b" {
		t.Errorf("unexpected filtered list: %+v", body)
	}
}
