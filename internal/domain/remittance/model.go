// Package remittance persists 835 remittance advices: the payment header,
// per-claim payment records, their service lines, and adjustment triples
// at both claim and service level.
package remittance

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/claimrisk/claimrisk/internal/platform/x12"
)

// Remittance maps to the remittances table (one 835 payment envelope).
type Remittance struct {
	ID                      uuid.UUID       `db:"id" json:"id"`
	RemittanceControlNumber string          `db:"remittance_control_number" json:"remittance_control_number"`
	PayerID                 uuid.UUID       `db:"payer_id" json:"payer_id"`
	PayeeNPI                string          `db:"payee_npi" json:"payee_npi,omitempty"`
	PaymentAmount           decimal.Decimal `db:"payment_amount" json:"payment_amount"`
	PaymentMethod           string          `db:"payment_method" json:"payment_method,omitempty"`
	PaymentDate             *time.Time      `db:"payment_date" json:"payment_date,omitempty"`
	Warnings                []x12.Warning   `db:"warnings" json:"warnings,omitempty"`
	CreatedAt               time.Time       `db:"created_at" json:"created_at"`

	Claims []RemittanceClaim `json:"claims,omitempty"`
}

// RemittanceClaim maps to the remittance_claims table (one CLP block).
type RemittanceClaim struct {
	ID                    uuid.UUID       `db:"id" json:"id"`
	RemittanceID          uuid.UUID       `db:"remittance_id" json:"remittance_id"`
	ClaimControlNumber    string          `db:"claim_control_number" json:"claim_control_number"`
	PayerClaimNumber      string          `db:"payer_claim_number" json:"payer_claim_number,omitempty"`
	ClaimStatusCode       string          `db:"claim_status_code" json:"claim_status_code"`
	ChargeAmount          decimal.Decimal `db:"charge_amount" json:"charge_amount"`
	PaidAmount            decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	PatientResponsibility decimal.Decimal `db:"patient_responsibility" json:"patient_responsibility"`
	HashedPatientID       string          `db:"hashed_patient_id" json:"hashed_patient_id,omitempty"`
	ServiceDate           *time.Time      `db:"service_date" json:"service_date,omitempty"`
	// EpisodeID is set once the linker has applied this payment to an
	// episode; it is the idempotency marker for re-links.
	EpisodeID *uuid.UUID `db:"episode_id" json:"episode_id,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`

	Adjustments  []Adjustment        `json:"adjustments,omitempty"`
	ServiceLines []RemittanceService `json:"service_lines,omitempty"`
}

// RemittanceService maps to the remittance_services table (one SVC line
// under a CLP). Service-level CAS entries hang off the line so denial
// reasons keep their procedure context.
type RemittanceService struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	RemittanceClaimID uuid.UUID       `db:"remittance_claim_id" json:"remittance_claim_id"`
	ProcedureCode     string          `db:"procedure_code" json:"procedure_code"`
	Modifiers         []string        `db:"modifiers" json:"modifiers,omitempty"`
	ChargeAmount      decimal.Decimal `db:"charge_amount" json:"charge_amount"`
	PaidAmount        decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	Units             decimal.Decimal `db:"units" json:"units"`

	Adjustments []Adjustment `json:"adjustments,omitempty"`
}

// Adjustment maps to the adjustments table (one CAS triple). A null
// RemittanceServiceID means the adjustment was reported at claim level;
// otherwise it belongs to that service line. Either way it stays keyed
// to its claim so reason-code aggregation sees both.
type Adjustment struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	RemittanceClaimID   uuid.UUID       `db:"remittance_claim_id" json:"remittance_claim_id"`
	RemittanceServiceID *uuid.UUID      `db:"remittance_service_id" json:"remittance_service_id,omitempty"`
	GroupCode           string          `db:"group_code" json:"group_code"`
	ReasonCode          string          `db:"reason_code" json:"reason_code"`
	Amount              decimal.Decimal `db:"amount" json:"amount"`
	Quantity            decimal.Decimal `db:"quantity" json:"quantity"`
}

// Filter narrows remittance lists. Zero values mean "any".
type Filter struct {
	PayerID         *uuid.UUID
	PaymentDateFrom *time.Time
	PaymentDateTo   *time.Time
}

// Denied reports whether the CLP status code marks the claim denied.
// Status code 4 is "denied"; 22 is a reversal of a prior payment, which
// downstream treats as a denial event as well.
func (rc RemittanceClaim) Denied() bool {
	return rc.ClaimStatusCode == "4" || rc.ClaimStatusCode == "22"
}

// Paid reports a processed-as-primary/secondary/tertiary payment (codes
// 1, 2, 3, 19, 20, 21).
func (rc RemittanceClaim) Paid() bool {
	switch rc.ClaimStatusCode {
	case "1", "2", "3", "19", "20", "21":
		return true
	}
	return false
}

// TotalAdjustment sums the adjustment amounts at both claim and service
// level, mirroring the CLP balance rule (paid + adjustments = charge).
func (rc RemittanceClaim) TotalAdjustment() decimal.Decimal {
	sum := decimal.Zero
	for _, a := range rc.Adjustments {
		sum = sum.Add(a.Amount)
	}
	for _, sl := range rc.ServiceLines {
		for _, a := range sl.Adjustments {
			sum = sum.Add(a.Amount)
		}
	}
	return sum
}
