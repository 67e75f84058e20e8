package auditlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claimrisk/claimrisk/internal/platform/middleware"
)

// ErrBufferFull is returned when an entry is dropped because the write
// buffer is saturated.
var ErrBufferFull = errors.New("auditlog: buffer full, entry dropped")

const (
	defaultBuffer = 1024
	writeTimeout  = 5 * time.Second
)

// Service writes audit entries through a buffered channel so the request
// path never waits on the database. A saturated buffer drops the entry
// and reports the drop; requests are never blocked.
type Service struct {
	repo   Repository
	logger zerolog.Logger
	queue  chan AuditLog

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	s := &Service{
		repo:    repo,
		logger:  logger,
		queue:   make(chan AuditLog, defaultBuffer),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go s.writer()
	return s
}

// RecordAccess implements middleware.AuditRecorder. It never blocks.
func (s *Service) RecordAccess(entry middleware.AuditEntry) error {
	row := AuditLog{
		ID:         uuid.New(),
		UserID:     entry.UserID,
		UserRoles:  entry.UserRoles,
		Resource:   entry.Resource,
		Action:     entry.Action,
		IPAddress:  entry.IPAddress,
		UserAgent:  entry.UserAgent,
		Path:       entry.Path,
		Method:     entry.Method,
		Timestamp:  entry.Timestamp,
		RequestID:  entry.RequestID,
		StatusCode: entry.StatusCode,
		LatencyMS:  entry.LatencyMS,
	}
	select {
	case s.queue <- row:
		return nil
	default:
		return ErrBufferFull
	}
}

// writer drains the queue until Close.
func (s *Service) writer() {
	defer close(s.drained)
	for {
		select {
		case row := <-s.queue:
			s.write(row)
		case <-s.done:
			for {
				select {
				case row := <-s.queue:
					s.write(row)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) write(row AuditLog) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.repo.Insert(ctx, &row); err != nil {
		s.logger.Error().Err(err).
			Str("request_id", row.RequestID).
			Msg("audit write failed, entry dropped")
	}
}

// Close stops the writer after draining buffered entries, or when the
// context expires.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List returns a filtered page with the total.
func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*AuditLog, int, error) {
	items, err := s.repo.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Stats aggregates the trail over the trailing number of days.
func (s *Service) Stats(ctx context.Context, days int) (*Stats, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	stats, err := s.repo.Aggregate(ctx, since)
	if err != nil {
		return nil, err
	}
	stats.Days = days
	return stats, nil
}
