package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claimrisk/claimrisk/internal/platform/apperr"
)

// DispatcherConfig holds worker pool settings.
type DispatcherConfig struct {
	Workers      int
	QueueSize    int
	SoftDeadline time.Duration // graceful stop; hard deadline is 2x this
	MaxRetries   int
	BackoffBase  time.Duration
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:      4,
		QueueSize:    100,
		SoftDeadline: 10 * time.Minute,
		MaxRetries:   3,
		BackoffBase:  time.Second,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithJobListener registers a callback invoked after every persisted state
// change (queued, running, progress, completed, failed). Listeners must not
// block.
func WithJobListener(fn func(job Job)) Option {
	return func(d *Dispatcher) { d.listener = fn }
}

// Dispatcher runs background jobs on a fixed worker pool fed by a bounded
// queue. Enqueue fails fast when the queue is full.
type Dispatcher struct {
	cfg      DispatcherConfig
	store    Store
	logger   zerolog.Logger
	handlers map[string]Handler
	queue    chan *Job
	listener func(job Job)

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Call Register for each job type, then
// Start.
func NewDispatcher(cfg DispatcherConfig, store Store, logger zerolog.Logger, opts ...Option) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	d := &Dispatcher{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		handlers: make(map[string]Handler),
		queue:    make(chan *Job, cfg.QueueSize),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Register binds a handler to a job type. Must be called before Start.
func (d *Dispatcher) Register(jobType string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[jobType] = handler
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop closes the queue and waits for in-flight jobs to finish or the
// context to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue persists a queued job and hands it to the worker pool. Returns
// the job so callers can report its id immediately.
func (d *Dispatcher) Enqueue(ctx context.Context, jobType string, payload interface{}) (*Job, error) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, ErrStopped
	}
	_, ok := d.handlers[jobType]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, jobType)
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal job payload: %w", err)
		}
		raw = data
	}

	job := &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Status:    StatusQueued,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	d.notify(job)

	select {
	case d.queue <- job:
		return job, nil
	default:
		job.Status = StatusFailed
		job.Error = ErrQueueFull.Error()
		now := time.Now().UTC()
		job.FinishedAt = &now
		if err := d.store.UpdateJob(ctx, job); err != nil {
			d.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job rejected")
		}
		return nil, ErrQueueFull
	}
}

// worker consumes jobs until the queue is closed.
func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for job := range d.queue {
		d.run(job, id)
	}
}

// run executes one job with deadlines and retries.
func (d *Dispatcher) run(job *Job, workerID int) {
	logger := d.logger.With().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Int("worker", workerID).
		Logger()

	d.mu.Lock()
	handler := d.handlers[job.Type]
	d.mu.Unlock()

	soft := d.cfg.SoftDeadline
	hard := 2 * soft

	ctx, cancel := context.WithTimeout(context.Background(), hard)
	defer cancel()
	ctx = withSoftDeadline(ctx, time.Now().Add(soft))

	now := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	d.persist(ctx, job, logger)

	report := func(progress float64, message string) {
		if progress < 0 {
			progress = 0
		}
		if progress > 1 {
			progress = 1
		}
		job.Progress = progress
		job.Message = message
		d.persist(ctx, job, logger)
	}

	var err error
	for attempt := 1; ; attempt++ {
		job.Attempts = attempt
		err = handler(ctx, job, report)
		if err == nil || !apperr.Retryable(err) || attempt > d.cfg.MaxRetries {
			break
		}
		backoff := d.cfg.BackoffBase << (attempt - 1)
		logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("job failed with transient error, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = ctx.Err()
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
	}

	finished := time.Now().UTC()
	job.FinishedAt = &finished
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		logger.Error().Err(err).Int("attempts", job.Attempts).Msg("job failed")
	} else {
		job.Status = StatusCompleted
		job.Progress = 1
		logger.Info().
			Dur("duration", finished.Sub(*job.StartedAt)).
			Int("attempts", job.Attempts).
			Msg("job completed")
	}
	// Persist final state even when the job context is already cancelled.
	d.persist(context.Background(), job, logger)
}

// persist writes the job row and fans out to the listener.
func (d *Dispatcher) persist(ctx context.Context, job *Job, logger zerolog.Logger) {
	if err := d.store.UpdateJob(ctx, job); err != nil {
		logger.Error().Err(err).Msg("failed to persist job state")
	}
	d.notify(job)
}

func (d *Dispatcher) notify(job *Job) {
	if d.listener != nil {
		d.listener(*job)
	}
}
