// Package pattern mines recurring denial patterns from denied and
// partially paid episodes. A pattern is a (payer, reason code) pair,
// optionally refined with the procedure or diagnosis code that dominates
// the denials carrying that reason.
package pattern

import (
	"time"

	"github.com/google/uuid"
)

// Detection defaults.
const (
	DefaultWindow         = 90 * 24 * time.Hour
	DefaultMinFrequency   = 0.05
	DefaultMinOccurrences = 5

	// refineThreshold is the conditional frequency a procedure or
	// diagnosis code must reach within a reason group to be included.
	refineThreshold = 0.5

	// confidenceSaturation is the occurrence count at which confidence
	// reaches 1.0.
	confidenceSaturation = 20
)

// DenialPattern maps to the denial_patterns table. Uniqueness is
// (payer_id, denial_reason_code, procedure_code, diagnosis_code) with
// NULLs participating.
type DenialPattern struct {
	ID               uuid.UUID `db:"id" json:"id"`
	PayerID          uuid.UUID `db:"payer_id" json:"payer_id"`
	DenialReasonCode string    `db:"denial_reason_code" json:"denial_reason_code"`
	ProcedureCode    *string   `db:"procedure_code" json:"procedure_code,omitempty"`
	DiagnosisCode    *string   `db:"diagnosis_code" json:"diagnosis_code,omitempty"`
	Frequency        float64   `db:"frequency" json:"frequency"`
	Confidence       float64   `db:"confidence" json:"confidence"`
	OccurrenceCount  int       `db:"occurrence_count" json:"occurrence_count"`
	FirstObserved    time.Time `db:"first_observed" json:"first_observed"`
	LastObserved     time.Time `db:"last_observed" json:"last_observed"`
}

// Observation is one (episode, adjustment reason) row from the mining
// query: the denial reason together with the claim's leading procedure
// and principal diagnosis.
type Observation struct {
	EpisodeID     uuid.UUID
	PayerID       uuid.UUID
	ReasonCode    string
	ProcedureCode string
	DiagnosisCode string
}

// Params controls one detection run. Zero values fall back to defaults.
type Params struct {
	Window         time.Duration
	MinFrequency   float64
	MinOccurrences int
	PayerID        *uuid.UUID
}

func (p Params) withDefaults() Params {
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	if p.MinFrequency <= 0 {
		p.MinFrequency = DefaultMinFrequency
	}
	if p.MinOccurrences <= 0 {
		p.MinOccurrences = DefaultMinOccurrences
	}
	return p
}

// Report summarizes one detection run.
type Report struct {
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	PayersSeen   int       `json:"payers_seen"`
	Observations int       `json:"observations"`
	Upserted     int       `json:"upserted"`
}

// Filter narrows pattern lists.
type Filter struct {
	PayerID          *uuid.UUID
	DenialReasonCode string
}
