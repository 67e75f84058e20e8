package episode

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the requested episode does not exist.
var ErrNotFound = errors.New("episode: not found")

// Repository persists episodes. MarkApplied is the idempotency gate: it
// claims a remittance payment for an episode exactly once, even under
// concurrent re-links.
type Repository interface {
	Create(ctx context.Context, e *Episode) error
	Update(ctx context.Context, e *Episode) error
	GetByID(ctx context.Context, id uuid.UUID) (*Episode, error)
	GetByClaimID(ctx context.Context, claimID uuid.UUID) (*Episode, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Episode, error)
	Count(ctx context.Context, f Filter) (int, error)
	// MarkApplied stamps the remittance claim with the episode that
	// consumed it. Returns false when it was already applied.
	MarkApplied(ctx context.Context, remittanceClaimID, episodeID uuid.UUID) (bool, error)
}
