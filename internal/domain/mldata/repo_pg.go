package mldata

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) Rows(ctx context.Context, start, end time.Time) ([]Row, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.id, c.id, c.total_charge_amount,
			COALESCE(l.line_count, 0), COALESCE(l.invalid_procedures, 0),
			COALESCE(d.diagnosis_count, 0), COALESCE(d.invalid_diagnoses, 0),
			c.service_date_from IS NOT NULL,
			e.status = 'denied'
		FROM claim_episodes e
		JOIN claims c ON c.id = e.claim_id
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS line_count,
				COUNT(*) FILTER (WHERE NOT procedure_code_valid) AS invalid_procedures
			FROM claim_lines WHERE claim_id = c.id
		) l ON TRUE
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS diagnosis_count,
				COUNT(*) FILTER (WHERE NOT valid) AS invalid_diagnoses
			FROM claim_diagnoses WHERE claim_id = c.id
		) d ON TRUE
		WHERE e.status IN ('paid', 'denied', 'partial', 'closed')
		  AND c.service_date_from >= $1 AND c.service_date_from < $2
		ORDER BY c.service_date_from, c.id`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("query training rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.EpisodeID, &row.ClaimID, &row.TotalCharge,
			&row.LineCount, &row.InvalidProcedures,
			&row.DiagnosisCount, &row.InvalidDiagnoses,
			&row.HasServiceDate, &row.Denied); err != nil {
			return nil, fmt.Errorf("scan training row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
