package pattern

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

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

const patternCols = `id, payer_id, denial_reason_code, procedure_code, diagnosis_code,
	frequency, confidence, occurrence_count, first_observed, last_observed`

func scanPattern(row pgx.Row) (*DenialPattern, error) {
	var p DenialPattern
	err := row.Scan(&p.ID, &p.PayerID, &p.DenialReasonCode, &p.ProcedureCode, &p.DiagnosisCode,
		&p.Frequency, &p.Confidence, &p.OccurrenceCount, &p.FirstObserved, &p.LastObserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

// Upsert inserts or refreshes a pattern. The conflict target is the
// COALESCE'd uniqueness index so NULL refinements collapse to one row.
// occurrence_count and last_observed only move forward.
func (r *repoPG) Upsert(ctx context.Context, p *DenialPattern) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO denial_patterns (id, payer_id, denial_reason_code, procedure_code,
			diagnosis_code, frequency, confidence, occurrence_count, first_observed, last_observed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
		ON CONFLICT (payer_id, denial_reason_code,
			COALESCE(procedure_code, ''), COALESCE(diagnosis_code, ''))
		DO UPDATE SET
			frequency = EXCLUDED.frequency,
			occurrence_count = GREATEST(denial_patterns.occurrence_count, EXCLUDED.occurrence_count),
			confidence = LEAST(1.0,
				GREATEST(denial_patterns.occurrence_count, EXCLUDED.occurrence_count)::float8 / 20),
			last_observed = GREATEST(denial_patterns.last_observed, EXCLUDED.last_observed)
		RETURNING `+patternCols,
		p.ID, p.PayerID, p.DenialReasonCode, p.ProcedureCode, p.DiagnosisCode,
		p.Frequency, p.Confidence, p.OccurrenceCount, p.LastObserved)
	got, err := scanPattern(row)
	if err != nil {
		return fmt.Errorf("upsert denial pattern: %w", err)
	}
	*p = *got
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*DenialPattern, error) {
	return scanPattern(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patternCols+` FROM denial_patterns WHERE id = $1`, id))
}

func filterSQL(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.PayerID != nil {
		args = append(args, *f.PayerID)
		conds = append(conds, fmt.Sprintf("payer_id = $%d", len(args)))
	}
	if f.DenialReasonCode != "" {
		args = append(args, f.DenialReasonCode)
		conds = append(conds, fmt.Sprintf("denial_reason_code = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*DenialPattern, error) {
	where, args := filterSQL(f)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM denial_patterns%s
		 ORDER BY frequency DESC, occurrence_count DESC, id LIMIT $%d OFFSET $%d`,
		patternCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DenialPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *repoPG) Count(ctx context.Context, f Filter) (int, error) {
	where, args := filterSQL(f)
	var total int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM denial_patterns`+where, args...).Scan(&total)
	return total, err
}

// Observations walks denied and partially paid episodes in the window and
// yields one row per adjustment reason, carrying the claim's first
// procedure code and principal diagnosis for refinement.
func (r *repoPG) Observations(ctx context.Context, payerID *uuid.UUID, since time.Time) ([]Observation, error) {
	args := []interface{}{since}
	payerCond := ""
	if payerID != nil {
		args = append(args, *payerID)
		payerCond = fmt.Sprintf(" AND c.payer_id = $%d", len(args))
	}
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT e.id, c.payer_id, a.reason_code,
		       COALESCE(l.procedure_code, ''), COALESCE(d.code, '')
		FROM claim_episodes e
		JOIN claims c ON c.id = e.claim_id
		JOIN remittance_claims rc ON rc.episode_id = e.id
		JOIN adjustments a ON a.remittance_claim_id = rc.id
		LEFT JOIN LATERAL (
			SELECT procedure_code FROM claim_lines
			WHERE claim_id = c.id ORDER BY line_number LIMIT 1
		) l ON true
		LEFT JOIN LATERAL (
			SELECT code FROM claim_diagnoses
			WHERE claim_id = c.id AND principal ORDER BY sequence LIMIT 1
		) d ON true
		WHERE e.status IN ('denied', 'partial') AND e.last_updated_at >= $1%s
		ORDER BY c.payer_id, a.reason_code, e.id`, payerCond), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var obs []Observation
	for rows.Next() {
		var o Observation
		if err := rows.Scan(&o.EpisodeID, &o.PayerID, &o.ReasonCode,
			&o.ProcedureCode, &o.DiagnosisCode); err != nil {
			return nil, err
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}
