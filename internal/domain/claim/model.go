// Package claim persists and serves 837 claims: the claim header, its
// service lines, and its diagnoses. Monetary amounts are fixed-point
// decimals end to end; floats never touch storage.
package claim

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/claimrisk/claimrisk/internal/platform/x12"
)

// Claim statuses. A claim starts submitted and mirrors the payment
// outcome its episode settles on; the episode remains the source of
// truth for the full adjudication lattice.
const (
	StatusSubmitted = "submitted"
	StatusPartial   = "partial"
	StatusPaid      = "paid"
	StatusDenied    = "denied"
	StatusAppealed  = "appealed"
	StatusClosed    = "closed"
)

// Claim maps to the claims table. PatientControlNumber is PHI and persists
// only here; HashedPatientID is the salted hash used for matching, logs,
// and audit rows.
type Claim struct {
	ID                   uuid.UUID       `db:"id" json:"id"`
	ClaimControlNumber   string          `db:"claim_control_number" json:"claim_control_number"`
	PatientControlNumber string          `db:"patient_control_number" json:"-"`
	HashedPatientID      string          `db:"hashed_patient_id" json:"hashed_patient_id"`
	SubscriberID         string          `db:"subscriber_id" json:"-"`
	PayerID              uuid.UUID       `db:"payer_id" json:"payer_id"`
	ProviderID           *uuid.UUID      `db:"provider_id" json:"provider_id,omitempty"`
	TotalChargeAmount    decimal.Decimal `db:"total_charge_amount" json:"total_charge_amount"`
	ServiceDateFrom      *time.Time      `db:"service_date_from" json:"service_date_from,omitempty"`
	ServiceDateTo        *time.Time      `db:"service_date_to" json:"service_date_to,omitempty"`
	PlaceOfService       string          `db:"place_of_service" json:"place_of_service,omitempty"`
	FrequencyCode        string          `db:"frequency_code" json:"frequency_code,omitempty"`
	Status               string          `db:"status" json:"status"`
	Warnings             []x12.Warning   `db:"warnings" json:"warnings,omitempty"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at" json:"updated_at"`

	Lines     []Line      `json:"lines,omitempty"`
	Diagnoses []Diagnosis `json:"diagnoses,omitempty"`
}

// Line maps to the claim_lines table.
type Line struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	ClaimID            uuid.UUID       `db:"claim_id" json:"claim_id"`
	LineNumber         int             `db:"line_number" json:"line_number"`
	ProcedureCode      string          `db:"procedure_code" json:"procedure_code"`
	Modifiers          []string        `db:"modifiers" json:"modifiers,omitempty"`
	ChargeAmount       decimal.Decimal `db:"charge_amount" json:"charge_amount"`
	Units              decimal.Decimal `db:"units" json:"units"`
	UnitBasis          string          `db:"unit_basis" json:"unit_basis,omitempty"`
	RevenueCode        string          `db:"revenue_code" json:"revenue_code,omitempty"`
	ServiceDate        *time.Time      `db:"service_date" json:"service_date,omitempty"`
	ProcedureCodeValid bool            `db:"procedure_code_valid" json:"procedure_code_valid"`
}

// Diagnosis maps to the claim_diagnoses table, ordered by sequence.
type Diagnosis struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ClaimID    uuid.UUID `db:"claim_id" json:"claim_id"`
	Sequence   int       `db:"sequence" json:"sequence"`
	CodeSystem string    `db:"code_system" json:"code_system"`
	Code       string    `db:"code" json:"code"`
	Principal  bool      `db:"principal" json:"principal"`
	Valid      bool      `db:"valid" json:"valid"`
}

// RiskSummary is the latest-risk-score projection embedded in claim reads.
type RiskSummary struct {
	OverallScore int       `json:"overall_score"`
	Level        string    `json:"level"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// Projection is a claim with its eager children and latest risk score.
type Projection struct {
	Claim
	LatestRiskScore *RiskSummary `json:"latest_risk_score,omitempty"`
}

// Filter narrows claim lists. Zero values mean "any".
type Filter struct {
	PayerID         *uuid.UUID
	Status          string
	ServiceDateFrom *time.Time
	ServiceDateTo   *time.Time
}
