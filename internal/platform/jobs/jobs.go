// Package jobs provides an in-process background job dispatcher with a
// bounded queue, worker pool, per-job deadlines, and retry with exponential
// backoff for transient failures. Job rows are persisted so status survives
// for API polling.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Common errors returned by the dispatcher.
var (
	ErrQueueFull   = errors.New("job queue is full")
	ErrUnknownType = errors.New("no handler registered for job type")
	ErrJobNotFound = errors.New("job not found")
	ErrStopped     = errors.New("dispatcher is stopped")
)

// Job is a unit of background work and its observable state.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Progress   float64         `json:"progress"`
	Message    string          `json:"message,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// ProgressReporter lets a handler publish forward progress. Progress is
// clamped to [0, 1].
type ProgressReporter func(progress float64, message string)

// Handler executes a job. The supplied context carries the hard deadline;
// handlers doing batch work should check SoftDeadlineExceeded at batch
// boundaries and return early with a nil error to stop gracefully.
type Handler func(ctx context.Context, job *Job, report ProgressReporter) error

// Store defines the persistence interface for job rows.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, status string, limit int) ([]*Job, error)
}

// ---------------------------------------------------------------------------
// InMemoryStore
// ---------------------------------------------------------------------------

// InMemoryStore is a thread-safe, in-memory implementation of Store.
type InMemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewInMemoryStore creates a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{jobs: make(map[string]*Job)}
}

func (s *InMemoryStore) CreateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *InMemoryStore) UpdateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrJobNotFound)
	}
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *InMemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	copied := *job
	return &copied, nil
}

func (s *InMemoryStore) ListJobs(_ context.Context, status string, limit int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Job
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		copied := *job
		results = append(results, &copied)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ---------------------------------------------------------------------------
// Soft deadline propagation
// ---------------------------------------------------------------------------

type softDeadlineKey struct{}

// withSoftDeadline stores the soft deadline on the job context.
func withSoftDeadline(ctx context.Context, deadline time.Time) context.Context {
	return context.WithValue(ctx, softDeadlineKey{}, deadline)
}

// SoftDeadlineExceeded reports whether the job's soft deadline has passed.
// Handlers check this at batch boundaries to stop gracefully before the
// hard deadline cancels the context.
func SoftDeadlineExceeded(ctx context.Context) bool {
	deadline, ok := ctx.Value(softDeadlineKey{}).(time.Time)
	if !ok {
		return false
	}
	return time.Now().After(deadline)
}
