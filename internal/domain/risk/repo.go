package risk

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a claim has never been scored.
var ErrNotFound = errors.New("risk: score not found")

// Repository persists score rows. Rows are append-only history.
type Repository interface {
	Create(ctx context.Context, score *RiskScore) error
	LatestByClaim(ctx context.Context, claimID uuid.UUID) (*RiskScore, error)
	HistoryByClaim(ctx context.Context, claimID uuid.UUID, limit int) ([]*RiskScore, error)
}
