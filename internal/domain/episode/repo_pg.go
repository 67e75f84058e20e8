package episode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claimrisk/claimrisk/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the Postgres-backed repository.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const episodeCols = `id, claim_id, remittance_id, status, denial_count,
	total_paid, total_adjustment, created_at, last_updated_at`

func scanEpisode(row pgx.Row) (*Episode, error) {
	var e Episode
	err := row.Scan(&e.ID, &e.ClaimID, &e.RemittanceID, &e.Status, &e.DenialCount,
		&e.TotalPaid, &e.TotalAdjustment, &e.CreatedAt, &e.LastUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &e, err
}

func (r *repoPG) Create(ctx context.Context, e *Episode) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusOpen
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO claim_episodes (id, claim_id, remittance_id, status, denial_count,
			total_paid, total_adjustment)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.ClaimID, e.RemittanceID, e.Status, e.DenialCount,
		e.TotalPaid, e.TotalAdjustment)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

func (r *repoPG) Update(ctx context.Context, e *Episode) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claim_episodes
		SET remittance_id = $2, status = $3, denial_count = $4,
		    total_paid = $5, total_adjustment = $6, last_updated_at = NOW()
		WHERE id = $1`,
		e.ID, e.RemittanceID, e.Status, e.DenialCount, e.TotalPaid, e.TotalAdjustment)
	if err != nil {
		return fmt.Errorf("update episode: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Episode, error) {
	return scanEpisode(r.conn(ctx).QueryRow(ctx,
		`SELECT `+episodeCols+` FROM claim_episodes WHERE id = $1`, id))
}

func (r *repoPG) GetByClaimID(ctx context.Context, claimID uuid.UUID) (*Episode, error) {
	return scanEpisode(r.conn(ctx).QueryRow(ctx,
		`SELECT `+episodeCols+` FROM claim_episodes WHERE claim_id = $1`, claimID))
}

func filterSQL(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.ClaimID != nil {
		args = append(args, *f.ClaimID)
		conds = append(conds, fmt.Sprintf("claim_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Episode, error) {
	where, args := filterSQL(f)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM claim_episodes%s ORDER BY last_updated_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		episodeCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *repoPG) Count(ctx context.Context, f Filter) (int, error) {
	where, args := filterSQL(f)
	var total int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claim_episodes`+where, args...).Scan(&total)
	return total, err
}

// MarkApplied is a conditional update so two workers racing on the same
// remittance claim settle on a single application.
func (r *repoPG) MarkApplied(ctx context.Context, remittanceClaimID, episodeID uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE remittance_claims SET episode_id = $2
		WHERE id = $1 AND episode_id IS NULL`,
		remittanceClaimID, episodeID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
