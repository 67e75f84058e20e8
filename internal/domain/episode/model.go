// Package episode tracks the lifetime of one claim across all its
// remittance outcomes. The linker matches incoming remittance claims to
// claims, creates or updates the episode, and keeps its status monotone
// along the lattice open < partial < paid/denied < appealed < closed.
package episode

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Episode statuses.
const (
	StatusOpen     = "open"
	StatusPartial  = "partial"
	StatusPaid     = "paid"
	StatusDenied   = "denied"
	StatusAppealed = "appealed"
	StatusClosed   = "closed"
)

// statusRank orders the lattice. Paid and denied share a rank: they are
// alternative outcomes, not successive ones.
var statusRank = map[string]int{
	StatusOpen:     0,
	StatusPartial:  1,
	StatusPaid:     2,
	StatusDenied:   2,
	StatusAppealed: 3,
	StatusClosed:   4,
}

// ValidStatus reports whether s is a known episode status.
func ValidStatus(s string) bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransition reports whether a manual move from to is allowed: forward
// or sideways along the lattice, never backwards.
func CanTransition(from, to string) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr >= fr
}

// Episode maps to the claim_episodes table. RemittanceID points at the
// most recently applied remittance.
type Episode struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	ClaimID         uuid.UUID       `db:"claim_id" json:"claim_id"`
	RemittanceID    *uuid.UUID      `db:"remittance_id" json:"remittance_id,omitempty"`
	Status          string          `db:"status" json:"status"`
	DenialCount     int             `db:"denial_count" json:"denial_count"`
	TotalPaid       decimal.Decimal `db:"total_paid" json:"total_paid"`
	TotalAdjustment decimal.Decimal `db:"total_adjustment" json:"total_adjustment"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	LastUpdatedAt   time.Time       `db:"last_updated_at" json:"last_updated_at"`
}

// Filter narrows episode lists. Zero values mean "any".
type Filter struct {
	ClaimID *uuid.UUID
	Status  string
}

// LinkResult summarizes one linker pass over a remittance.
type LinkResult struct {
	RemittanceID uuid.UUID   `json:"remittance_id"`
	Linked       int         `json:"linked"`
	AlreadyDone  int         `json:"already_linked"`
	Unmatched    int         `json:"unmatched"`
	EpisodeIDs   []uuid.UUID `json:"episode_ids,omitempty"`
}
