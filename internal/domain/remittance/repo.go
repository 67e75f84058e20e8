package remittance

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the requested remittance does not exist.
var ErrNotFound = errors.New("remittance: not found")

// Repository persists remittances. CreateClaims callers run inside a
// transaction so one remittance's claim payments land atomically.
type Repository interface {
	Create(ctx context.Context, r *Remittance) error
	CreateClaims(ctx context.Context, claims []*RemittanceClaim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Remittance, error)
	ClaimsForRemittance(ctx context.Context, remittanceID uuid.UUID) ([]*RemittanceClaim, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Remittance, error)
	Count(ctx context.Context, f Filter) (int, error)
}
