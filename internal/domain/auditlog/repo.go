package auditlog

import (
	"context"
	"time"
)

// Repository persists audit rows. There is no update or delete: the
// trail only grows.
type Repository interface {
	Insert(ctx context.Context, entry *AuditLog) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*AuditLog, error)
	Count(ctx context.Context, f Filter) (int, error)
	Aggregate(ctx context.Context, since time.Time) (*Stats, error)
}
