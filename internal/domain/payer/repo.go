package payer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the requested payer or provider does not
// exist.
var ErrNotFound = errors.New("payer: not found")

// Repository persists payers and providers. Upserts are idempotent on the
// external identity and always return the surviving row.
type Repository interface {
	UpsertPayer(ctx context.Context, externalID, name string) (*Payer, error)
	GetPayer(ctx context.Context, id uuid.UUID) (*Payer, error)
	GetPayerByExternalID(ctx context.Context, externalID string) (*Payer, error)
	ListPayers(ctx context.Context, limit, offset int) ([]*Payer, int, error)

	UpsertProvider(ctx context.Context, npi, name string, taxonomy *string) (*Provider, error)
	GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetProviderByNPI(ctx context.Context, npi string) (*Provider, error)
	ListProviders(ctx context.Context, limit, offset int) ([]*Provider, int, error)

	// DenialStats counts a payer's claims and their denied episodes since
	// the given time.
	DenialStats(ctx context.Context, payerID uuid.UUID, since time.Time) (DenialStats, error)
}
