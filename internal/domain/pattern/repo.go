package pattern

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the requested pattern does not exist.
var ErrNotFound = errors.New("pattern: not found")

// Repository persists denial patterns and serves the mining query.
// Upsert keeps occurrence_count and last_observed monotone: a re-run
// over the same window never shrinks either.
type Repository interface {
	Upsert(ctx context.Context, p *DenialPattern) error
	GetByID(ctx context.Context, id uuid.UUID) (*DenialPattern, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*DenialPattern, error)
	Count(ctx context.Context, f Filter) (int, error)
	// Observations returns one row per (denied episode, adjustment
	// reason) since the given instant, optionally narrowed to a payer.
	Observations(ctx context.Context, payerID *uuid.UUID, since time.Time) ([]Observation, error)
}
