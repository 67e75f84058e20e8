// Package payer resolves payer and provider identity. Both entities are
// content-addressed: a payer is whatever external id the EDI carries, a
// provider is its NPI. Concurrent ingest workers converge on one row per
// identity via upsert-returning.
package payer

import (
	"time"

	"github.com/google/uuid"
)

// Payer maps to the payers table.
type Payer struct {
	ID              uuid.UUID `db:"id" json:"id"`
	PayerIDExternal string    `db:"payer_id_external" json:"payer_id_external"`
	Name            string    `db:"name" json:"name"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Provider maps to the providers table.
type Provider struct {
	ID        uuid.UUID `db:"id" json:"id"`
	NPI       string    `db:"npi" json:"npi"`
	Name      string    `db:"name" json:"name"`
	Taxonomy  *string   `db:"taxonomy" json:"taxonomy,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DenialStats is a payer's denial history over a window.
type DenialStats struct {
	PayerID     uuid.UUID `json:"payer_id"`
	DeniedCount int64     `json:"denied_count"`
	TotalCount  int64     `json:"total_count"`
}

// Rate returns denied/total, zero when the payer has no claims.
func (s DenialStats) Rate() float64 {
	if s.TotalCount == 0 {
		return 0
	}
	return float64(s.DeniedCount) / float64(s.TotalCount)
}
