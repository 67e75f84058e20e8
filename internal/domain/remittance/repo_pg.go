package remittance

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

const remitCols = `id, remittance_control_number, payer_id, payee_npi,
	payment_amount, payment_method, payment_date, warnings, created_at`

func scanRemittance(row pgx.Row) (*Remittance, error) {
	var m Remittance
	err := row.Scan(&m.ID, &m.RemittanceControlNumber, &m.PayerID, &m.PayeeNPI,
		&m.PaymentAmount, &m.PaymentMethod, &m.PaymentDate, &m.Warnings, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &m, err
}

func (r *repoPG) Create(ctx context.Context, m *Remittance) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO remittances (id, remittance_control_number, payer_id, payee_npi,
			payment_amount, payment_method, payment_date, warnings)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.RemittanceControlNumber, m.PayerID, m.PayeeNPI,
		m.PaymentAmount, m.PaymentMethod, m.PaymentDate, m.Warnings)
	if err != nil {
		return fmt.Errorf("insert remittance: %w", err)
	}
	return nil
}

func (r *repoPG) CreateClaims(ctx context.Context, claims []*RemittanceClaim) error {
	q := r.conn(ctx)
	for _, rc := range claims {
		if rc.ID == uuid.Nil {
			rc.ID = uuid.New()
		}
		_, err := q.Exec(ctx, `
			INSERT INTO remittance_claims (id, remittance_id, claim_control_number,
				payer_claim_number, claim_status_code, charge_amount, paid_amount,
				patient_responsibility, hashed_patient_id, service_date)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			rc.ID, rc.RemittanceID, rc.ClaimControlNumber,
			rc.PayerClaimNumber, rc.ClaimStatusCode, rc.ChargeAmount, rc.PaidAmount,
			rc.PatientResponsibility, rc.HashedPatientID, rc.ServiceDate)
		if err != nil {
			return fmt.Errorf("insert remittance claim: %w", err)
		}
		for i := range rc.Adjustments {
			a := &rc.Adjustments[i]
			a.RemittanceClaimID = rc.ID
			if err := r.insertAdjustment(ctx, q, a); err != nil {
				return err
			}
		}
		for i := range rc.ServiceLines {
			sl := &rc.ServiceLines[i]
			if sl.ID == uuid.Nil {
				sl.ID = uuid.New()
			}
			sl.RemittanceClaimID = rc.ID
			_, err := q.Exec(ctx, `
				INSERT INTO remittance_services (id, remittance_claim_id, procedure_code,
					modifiers, charge_amount, paid_amount, units)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				sl.ID, sl.RemittanceClaimID, sl.ProcedureCode,
				sl.Modifiers, sl.ChargeAmount, sl.PaidAmount, sl.Units)
			if err != nil {
				return fmt.Errorf("insert remittance service: %w", err)
			}
			for j := range sl.Adjustments {
				a := &sl.Adjustments[j]
				a.RemittanceClaimID = rc.ID
				a.RemittanceServiceID = &sl.ID
				if err := r.insertAdjustment(ctx, q, a); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *repoPG) insertAdjustment(ctx context.Context, q queryable, a *Adjustment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := q.Exec(ctx, `
		INSERT INTO adjustments (id, remittance_claim_id, remittance_service_id,
			group_code, reason_code, amount, quantity)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.RemittanceClaimID, a.RemittanceServiceID,
		a.GroupCode, a.ReasonCode, a.Amount, a.Quantity)
	if err != nil {
		return fmt.Errorf("insert adjustment: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Remittance, error) {
	m, err := scanRemittance(r.conn(ctx).QueryRow(ctx,
		`SELECT `+remitCols+` FROM remittances WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	claims, err := r.ClaimsForRemittance(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Claims = make([]RemittanceClaim, 0, len(claims))
	for _, rc := range claims {
		m.Claims = append(m.Claims, *rc)
	}
	return m, nil
}

const remitClaimCols = `id, remittance_id, claim_control_number, payer_claim_number,
	claim_status_code, charge_amount, paid_amount, patient_responsibility,
	hashed_patient_id, service_date, episode_id, created_at`

func (r *repoPG) ClaimsForRemittance(ctx context.Context, remittanceID uuid.UUID) ([]*RemittanceClaim, error) {
	q := r.conn(ctx)
	rows, err := q.Query(ctx,
		`SELECT `+remitClaimCols+` FROM remittance_claims WHERE remittance_id = $1 ORDER BY created_at, id`,
		remittanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*RemittanceClaim
	byID := map[uuid.UUID]*RemittanceClaim{}
	for rows.Next() {
		var rc RemittanceClaim
		if err := rows.Scan(&rc.ID, &rc.RemittanceID, &rc.ClaimControlNumber, &rc.PayerClaimNumber,
			&rc.ClaimStatusCode, &rc.ChargeAmount, &rc.PaidAmount, &rc.PatientResponsibility,
			&rc.HashedPatientID, &rc.ServiceDate, &rc.EpisodeID, &rc.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &rc)
		byID[rc.ID] = &rc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return items, nil
	}

	svcRows, err := q.Query(ctx, `
		SELECT s.id, s.remittance_claim_id, s.procedure_code, s.modifiers,
			s.charge_amount, s.paid_amount, s.units
		FROM remittance_services s
		JOIN remittance_claims rc ON rc.id = s.remittance_claim_id
		WHERE rc.remittance_id = $1
		ORDER BY s.id`, remittanceID)
	if err != nil {
		return nil, err
	}
	defer svcRows.Close()
	svcByID := map[uuid.UUID]*RemittanceService{}
	svcByClaim := map[uuid.UUID][]*RemittanceService{}
	for svcRows.Next() {
		s := &RemittanceService{}
		if err := svcRows.Scan(&s.ID, &s.RemittanceClaimID, &s.ProcedureCode, &s.Modifiers,
			&s.ChargeAmount, &s.PaidAmount, &s.Units); err != nil {
			return nil, err
		}
		svcByID[s.ID] = s
		svcByClaim[s.RemittanceClaimID] = append(svcByClaim[s.RemittanceClaimID], s)
	}
	if err := svcRows.Err(); err != nil {
		return nil, err
	}

	adjRows, err := q.Query(ctx, `
		SELECT a.id, a.remittance_claim_id, a.remittance_service_id,
			a.group_code, a.reason_code, a.amount, a.quantity
		FROM adjustments a
		JOIN remittance_claims rc ON rc.id = a.remittance_claim_id
		WHERE rc.remittance_id = $1
		ORDER BY a.id`, remittanceID)
	if err != nil {
		return nil, err
	}
	defer adjRows.Close()
	for adjRows.Next() {
		var a Adjustment
		if err := adjRows.Scan(&a.ID, &a.RemittanceClaimID, &a.RemittanceServiceID,
			&a.GroupCode, &a.ReasonCode, &a.Amount, &a.Quantity); err != nil {
			return nil, err
		}
		if a.RemittanceServiceID != nil {
			if sl, ok := svcByID[*a.RemittanceServiceID]; ok {
				sl.Adjustments = append(sl.Adjustments, a)
			}
			continue
		}
		if rc, ok := byID[a.RemittanceClaimID]; ok {
			rc.Adjustments = append(rc.Adjustments, a)
		}
	}
	if err := adjRows.Err(); err != nil {
		return nil, err
	}

	for _, rc := range items {
		for _, sl := range svcByClaim[rc.ID] {
			rc.ServiceLines = append(rc.ServiceLines, *sl)
		}
	}
	return items, nil
}

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
	if f.PaymentDateFrom != nil {
		add("payment_date >= $%d", *f.PaymentDateFrom)
	}
	if f.PaymentDateTo != nil {
		add("payment_date <= $%d", *f.PaymentDateTo)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Remittance, error) {
	where, args := filterSQL(f)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM remittances%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		remitCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Remittance
	for rows.Next() {
		m, err := scanRemittance(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *repoPG) Count(ctx context.Context, f Filter) (int, error) {
	where, args := filterSQL(f)
	var total int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM remittances`+where, args...).Scan(&total)
	return total, err
}
