package claim

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

const claimCols = `id, claim_control_number, patient_control_number, hashed_patient_id,
	subscriber_id, payer_id, provider_id, total_charge_amount,
	service_date_from, service_date_to, place_of_service, frequency_code,
	status, warnings, created_at, updated_at`

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.ClaimControlNumber, &c.PatientControlNumber, &c.HashedPatientID,
		&c.SubscriberID, &c.PayerID, &c.ProviderID, &c.TotalChargeAmount,
		&c.ServiceDateFrom, &c.ServiceDateTo, &c.PlaceOfService, &c.FrequencyCode,
		&c.Status, &c.Warnings, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &c, err
}

// CreateBatch inserts the claims plus their lines and diagnoses. Run it
// inside db.RunInTx; a failure anywhere rolls back the whole batch.
func (r *repoPG) CreateBatch(ctx context.Context, claims []*Claim) error {
	q := r.conn(ctx)
	for _, c := range claims {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.Status == "" {
			c.Status = StatusSubmitted
		}
		_, err := q.Exec(ctx, `
			INSERT INTO claims (id, claim_control_number, patient_control_number, hashed_patient_id,
				subscriber_id, payer_id, provider_id, total_charge_amount,
				service_date_from, service_date_to, place_of_service, frequency_code,
				status, warnings)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			c.ID, c.ClaimControlNumber, c.PatientControlNumber, c.HashedPatientID,
			c.SubscriberID, c.PayerID, c.ProviderID, c.TotalChargeAmount,
			c.ServiceDateFrom, c.ServiceDateTo, c.PlaceOfService, c.FrequencyCode,
			c.Status, c.Warnings)
		if err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}
		for i := range c.Lines {
			l := &c.Lines[i]
			if l.ID == uuid.Nil {
				l.ID = uuid.New()
			}
			l.ClaimID = c.ID
			_, err := q.Exec(ctx, `
				INSERT INTO claim_lines (id, claim_id, line_number, procedure_code, modifiers,
					charge_amount, units, unit_basis, revenue_code, service_date, procedure_code_valid)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
				l.ID, l.ClaimID, l.LineNumber, l.ProcedureCode, l.Modifiers,
				l.ChargeAmount, l.Units, l.UnitBasis, l.RevenueCode, l.ServiceDate, l.ProcedureCodeValid)
			if err != nil {
				return fmt.Errorf("insert claim line: %w", err)
			}
		}
		for i := range c.Diagnoses {
			d := &c.Diagnoses[i]
			if d.ID == uuid.Nil {
				d.ID = uuid.New()
			}
			d.ClaimID = c.ID
			_, err := q.Exec(ctx, `
				INSERT INTO claim_diagnoses (id, claim_id, sequence, code_system, code, principal, valid)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				d.ID, d.ClaimID, d.Sequence, d.CodeSystem, d.Code, d.Principal, d.Valid)
			if err != nil {
				return fmt.Errorf("insert claim diagnosis: %w", err)
			}
		}
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Projection, error) {
	q := r.conn(ctx)
	var p Projection
	var score *int
	var level *string
	var calculatedAt *time.Time
	err := q.QueryRow(ctx, `
		SELECT c.id, c.claim_control_number, c.patient_control_number, c.hashed_patient_id,
			c.subscriber_id, c.payer_id, c.provider_id, c.total_charge_amount,
			c.service_date_from, c.service_date_to, c.place_of_service, c.frequency_code,
			c.status, c.warnings, c.created_at, c.updated_at,
			r.overall_score, r.level, r.calculated_at
		FROM claims c
		LEFT JOIN LATERAL (
			SELECT overall_score, level, calculated_at
			FROM risk_scores
			WHERE claim_id = c.id
			ORDER BY calculated_at DESC, id DESC
			LIMIT 1
		) r ON true
		WHERE c.id = $1`, id).Scan(
		&p.ID, &p.ClaimControlNumber, &p.PatientControlNumber, &p.HashedPatientID,
		&p.SubscriberID, &p.PayerID, &p.ProviderID, &p.TotalChargeAmount,
		&p.ServiceDateFrom, &p.ServiceDateTo, &p.PlaceOfService, &p.FrequencyCode,
		&p.Status, &p.Warnings, &p.CreatedAt, &p.UpdatedAt,
		&score, &level, &calculatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if score != nil && level != nil && calculatedAt != nil {
		p.LatestRiskScore = &RiskSummary{OverallScore: *score, Level: *level, CalculatedAt: *calculatedAt}
	}
	if p.Lines, err = r.lines(ctx, id); err != nil {
		return nil, err
	}
	if p.Diagnoses, err = r.diagnoses(ctx, id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) lines(ctx context.Context, claimID uuid.UUID) ([]Line, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, claim_id, line_number, procedure_code, modifiers,
			charge_amount, units, unit_basis, revenue_code, service_date, procedure_code_valid
		FROM claim_lines WHERE claim_id = $1 ORDER BY line_number`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.ClaimID, &l.LineNumber, &l.ProcedureCode, &l.Modifiers,
			&l.ChargeAmount, &l.Units, &l.UnitBasis, &l.RevenueCode, &l.ServiceDate, &l.ProcedureCodeValid); err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

func (r *repoPG) diagnoses(ctx context.Context, claimID uuid.UUID) ([]Diagnosis, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, claim_id, sequence, code_system, code, principal, valid
		FROM claim_diagnoses WHERE claim_id = $1 ORDER BY sequence`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Diagnosis
	for rows.Next() {
		var d Diagnosis
		if err := rows.Scan(&d.ID, &d.ClaimID, &d.Sequence, &d.CodeSystem, &d.Code, &d.Principal, &d.Valid); err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// GetByControlNumber resolves ambiguous control numbers to the earliest
// created claim.
func (r *repoPG) GetByControlNumber(ctx context.Context, controlNumber string) (*Claim, error) {
	return scanClaim(r.conn(ctx).QueryRow(ctx,
		`SELECT `+claimCols+` FROM claims WHERE claim_control_number = $1 ORDER BY created_at, id LIMIT 1`,
		controlNumber))
}

func (r *repoPG) FindByPatientWindow(ctx context.Context, hashedPatientID string, date time.Time, window time.Duration) ([]*Claim, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+claimCols+` FROM claims
		WHERE hashed_patient_id = $1
		  AND service_date_from IS NOT NULL
		  AND service_date_from BETWEEN $2 AND $3
		ORDER BY created_at, id`,
		hashedPatientID, date.Add(-window), date.Add(window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// filterSQL builds the WHERE clause for a Filter. Filters are fixed-shape,
// so inline building beats a query-builder dependency here.
func filterSQL(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.PayerID != nil {
		add("payer_id = $%d", *f.PayerID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.ServiceDateFrom != nil {
		add("service_date_from >= $%d", *f.ServiceDateFrom)
	}
	if f.ServiceDateTo != nil {
		add("service_date_from <= $%d", *f.ServiceDateTo)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Projection, error) {
	where, args := filterSQL(f)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT c.id, c.claim_control_number, c.patient_control_number, c.hashed_patient_id,
			c.subscriber_id, c.payer_id, c.provider_id, c.total_charge_amount,
			c.service_date_from, c.service_date_to, c.place_of_service, c.frequency_code,
			c.status, c.warnings, c.created_at, c.updated_at,
			r.overall_score, r.level, r.calculated_at
		FROM (SELECT %s FROM claims%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d) c
		LEFT JOIN LATERAL (
			SELECT overall_score, level, calculated_at
			FROM risk_scores
			WHERE claim_id = c.id
			ORDER BY calculated_at DESC, id DESC
			LIMIT 1
		) r ON true`,
		claimCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Projection
	for rows.Next() {
		var p Projection
		var score *int
		var level *string
		var calculatedAt *time.Time
		if err := rows.Scan(&p.ID, &p.ClaimControlNumber, &p.PatientControlNumber, &p.HashedPatientID,
			&p.SubscriberID, &p.PayerID, &p.ProviderID, &p.TotalChargeAmount,
			&p.ServiceDateFrom, &p.ServiceDateTo, &p.PlaceOfService, &p.FrequencyCode,
			&p.Status, &p.Warnings, &p.CreatedAt, &p.UpdatedAt,
			&score, &level, &calculatedAt); err != nil {
			return nil, err
		}
		if score != nil && level != nil && calculatedAt != nil {
			p.LatestRiskScore = &RiskSummary{OverallScore: *score, Level: *level, CalculatedAt: *calculatedAt}
		}
		items = append(items, &p)
	}
	return items, rows.Err()
}

func (r *repoPG) Count(ctx context.Context, f Filter) (int, error) {
	where, args := filterSQL(f)
	var total int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claims`+where, args...).Scan(&total)
	return total, err
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE claims SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch bumps updated_at, used when a downstream mutation (re-score,
// episode link) must invalidate claim-level caches.
func (r *repoPG) Touch(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE claims SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
