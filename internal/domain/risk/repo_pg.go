package risk

import (
	"context"
	"errors"
	"fmt"

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

const scoreCols = `id, claim_id, overall_score, level, factors, calculated_at`

func scanScore(row pgx.Row) (*RiskScore, error) {
	var s RiskScore
	err := row.Scan(&s.ID, &s.ClaimID, &s.OverallScore, &s.Level, &s.Factors, &s.CalculatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &s, err
}

func (r *repoPG) Create(ctx context.Context, score *RiskScore) error {
	if score.ID == uuid.Nil {
		score.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO risk_scores (id, claim_id, overall_score, level, factors, calculated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		score.ID, score.ClaimID, score.OverallScore, score.Level, score.Factors, score.CalculatedAt)
	if err != nil {
		return fmt.Errorf("insert risk score: %w", err)
	}
	return nil
}

func (r *repoPG) LatestByClaim(ctx context.Context, claimID uuid.UUID) (*RiskScore, error) {
	return scanScore(r.conn(ctx).QueryRow(ctx, `
		SELECT `+scoreCols+` FROM risk_scores
		WHERE claim_id = $1
		ORDER BY calculated_at DESC, id DESC LIMIT 1`, claimID))
}

func (r *repoPG) HistoryByClaim(ctx context.Context, claimID uuid.UUID, limit int) ([]*RiskScore, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+scoreCols+` FROM risk_scores
		WHERE claim_id = $1
		ORDER BY calculated_at DESC, id DESC LIMIT $2`, claimID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*RiskScore
	for rows.Next() {
		s, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}
