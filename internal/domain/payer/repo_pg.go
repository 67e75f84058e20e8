package payer

import (
	"context"
	"errors"
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

const payerCols = `id, payer_id_external, name, created_at, updated_at`

func scanPayer(row pgx.Row) (*Payer, error) {
	var p Payer
	err := row.Scan(&p.ID, &p.PayerIDExternal, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

// UpsertPayer inserts or refreshes the payer identified by externalID. The
// RETURNING clause makes two racing workers converge on the same row. The
// name only overwrites when the file actually carried one.
func (r *repoPG) UpsertPayer(ctx context.Context, externalID, name string) (*Payer, error) {
	return scanPayer(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payers (id, payer_id_external, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (payer_id_external) DO UPDATE
			SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE payers.name END,
			    updated_at = NOW()
		RETURNING `+payerCols,
		uuid.New(), externalID, name))
}

func (r *repoPG) GetPayer(ctx context.Context, id uuid.UUID) (*Payer, error) {
	return scanPayer(r.conn(ctx).QueryRow(ctx,
		`SELECT `+payerCols+` FROM payers WHERE id = $1`, id))
}

func (r *repoPG) GetPayerByExternalID(ctx context.Context, externalID string) (*Payer, error) {
	return scanPayer(r.conn(ctx).QueryRow(ctx,
		`SELECT `+payerCols+` FROM payers WHERE payer_id_external = $1`, externalID))
}

func (r *repoPG) ListPayers(ctx context.Context, limit, offset int) ([]*Payer, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM payers`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+payerCols+` FROM payers ORDER BY name, payer_id_external LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Payer
	for rows.Next() {
		p, err := scanPayer(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

const providerCols = `id, npi, name, taxonomy, created_at, updated_at`

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(&p.ID, &p.NPI, &p.Name, &p.Taxonomy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

func (r *repoPG) UpsertProvider(ctx context.Context, npi, name string, taxonomy *string) (*Provider, error) {
	return scanProvider(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO providers (id, npi, name, taxonomy)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (npi) DO UPDATE
			SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE providers.name END,
			    taxonomy = COALESCE(EXCLUDED.taxonomy, providers.taxonomy),
			    updated_at = NOW()
		RETURNING `+providerCols,
		uuid.New(), npi, name, taxonomy))
}

func (r *repoPG) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	return scanProvider(r.conn(ctx).QueryRow(ctx,
		`SELECT `+providerCols+` FROM providers WHERE id = $1`, id))
}

func (r *repoPG) GetProviderByNPI(ctx context.Context, npi string) (*Provider, error) {
	return scanProvider(r.conn(ctx).QueryRow(ctx,
		`SELECT `+providerCols+` FROM providers WHERE npi = $1`, npi))
}

func (r *repoPG) ListProviders(ctx context.Context, limit, offset int) ([]*Provider, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM providers`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+providerCols+` FROM providers ORDER BY name, npi LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// DenialStats counts the payer's claims created since the cutoff and how
// many of them carry a denied episode.
func (r *repoPG) DenialStats(ctx context.Context, payerID uuid.UUID, since time.Time) (DenialStats, error) {
	stats := DenialStats{PayerID: payerID}
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE e.status = 'denied')
		FROM claims c
		LEFT JOIN claim_episodes e ON e.claim_id = c.id
		WHERE c.payer_id = $1 AND c.created_at >= $2`,
		payerID, since).Scan(&stats.TotalCount, &stats.DeniedCount)
	return stats, err
}
