package claim

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the requested claim does not exist.
var ErrNotFound = errors.New("claim: not found")

// Repository persists claims with their lines and diagnoses. CreateBatch
// callers are expected to run inside a transaction (db.RunInTx) so one bad
// batch rolls back as a unit.
type Repository interface {
	CreateBatch(ctx context.Context, claims []*Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Projection, error)
	GetByControlNumber(ctx context.Context, controlNumber string) (*Claim, error)
	// FindByPatientWindow returns claims for a hashed patient id whose
	// service date falls within ±window of date, for fuzzy remittance
	// matching.
	FindByPatientWindow(ctx context.Context, hashedPatientID string, date time.Time, window time.Duration) ([]*Claim, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Projection, error)
	Count(ctx context.Context, f Filter) (int, error)
	// UpdateStatus moves the claim's lifecycle status, typically driven by
	// an episode transition.
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	Touch(ctx context.Context, id uuid.UUID) error
}
