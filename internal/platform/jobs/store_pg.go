package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claimrisk/claimrisk/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore persists job rows in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed job store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const jobCols = `id, job_type, status, progress, message, error, attempts, payload, result, created_at, started_at, finished_at`

func (s *PGStore) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO jobs (
			id, job_type, status, progress, message, error, attempts, payload, result, created_at, started_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		job.ID, job.Type, job.Status, job.Progress, job.Message, job.Error,
		job.Attempts, job.Payload, job.Result, job.CreatedAt, job.StartedAt, job.FinishedAt,
	)
	return err
}

func (s *PGStore) UpdateJob(ctx context.Context, job *Job) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE jobs SET
			status = $2, progress = $3, message = $4, error = $5,
			attempts = $6, result = $7, started_at = $8, finished_at = $9
		WHERE id = $1`,
		job.ID, job.Status, job.Progress, job.Message, job.Error,
		job.Attempts, job.Result, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrJobNotFound)
	}
	return nil
}

func (s *PGStore) GetJob(ctx context.Context, id string) (*Job, error) {
	return scanJob(s.conn(ctx).QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, id))
}

func (s *PGStore) ListJobs(ctx context.Context, status string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if status != "" {
		rows, err = s.conn(ctx).Query(ctx, `
			SELECT `+jobCols+` FROM jobs WHERE status = $1
			ORDER BY created_at DESC LIMIT $2`, status, limit)
	} else {
		rows, err = s.conn(ctx).Query(ctx, `
			SELECT `+jobCols+` FROM jobs
			ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*Job, error) {
	var job Job
	err := row.Scan(
		&job.ID, &job.Type, &job.Status, &job.Progress, &job.Message, &job.Error,
		&job.Attempts, &job.Payload, &job.Result, &job.CreatedAt, &job.StartedAt, &job.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}
