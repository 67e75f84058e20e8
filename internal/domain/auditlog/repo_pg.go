package auditlog

import (
	"context"
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

const auditCols = `id, user_id, user_roles, resource, action, ip_address, user_agent,
	path, method, timestamp, request_id, status_code, latency_ms`

func (r *repoPG) Insert(ctx context.Context, entry *AuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_logs (`+auditCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		entry.ID, entry.UserID, entry.UserRoles, entry.Resource, entry.Action,
		entry.IPAddress, entry.UserAgent, entry.Path, entry.Method,
		entry.Timestamp, entry.RequestID, entry.StatusCode, entry.LatencyMS)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func filterSQL(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.Method != "" {
		args = append(args, f.Method)
		conds = append(conds, fmt.Sprintf("method = $%d", len(args)))
	}
	if f.Path != "" {
		args = append(args, f.Path+"%")
		conds = append(conds, fmt.Sprintf("path LIKE $%d", len(args)))
	}
	if f.StatusCode != nil {
		args = append(args, *f.StatusCode)
		conds = append(conds, fmt.Sprintf("status_code = $%d", len(args)))
	}
	if f.StartDate != nil {
		args = append(args, *f.StartDate)
		conds = append(conds, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if f.EndDate != nil {
		args = append(args, *f.EndDate)
		conds = append(conds, fmt.Sprintf("timestamp <= $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*AuditLog, error) {
	where, args := filterSQL(f)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM audit_logs%s ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d`,
		auditCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AuditLog
	for rows.Next() {
		var e AuditLog
		if err := rows.Scan(&e.ID, &e.UserID, &e.UserRoles, &e.Resource, &e.Action,
			&e.IPAddress, &e.UserAgent, &e.Path, &e.Method,
			&e.Timestamp, &e.RequestID, &e.StatusCode, &e.LatencyMS); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

func (r *repoPG) Count(ctx context.Context, f Filter) (int, error) {
	where, args := filterSQL(f)
	var total int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total)
	return total, err
}

func (r *repoPG) Aggregate(ctx context.Context, since time.Time) (*Stats, error) {
	stats := &Stats{
		ByMethod:   make(map[string]int),
		ByResource: make(map[string]int),
		ByStatus:   make(map[string]int),
	}

	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status_code >= 400),
		       COALESCE(AVG(latency_ms), 0)
		FROM audit_logs WHERE timestamp >= $1`, since).
		Scan(&stats.TotalRequests, &stats.ErrorCount, &stats.AvgLatencyMS)
	if err != nil {
		return nil, err
	}

	if err := r.groupCount(ctx, since, "method", stats.ByMethod); err != nil {
		return nil, err
	}
	if err := r.groupCount(ctx, since, "resource", stats.ByResource); err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT status_code::text, COUNT(*) FROM audit_logs
		WHERE timestamp >= $1 GROUP BY status_code`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[k] = n
	}
	return stats, rows.Err()
}

func (r *repoPG) groupCount(ctx context.Context, since time.Time, column string, into map[string]int) error {
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*) FROM audit_logs
		WHERE timestamp >= $1 GROUP BY %s`, column, column), since)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}
