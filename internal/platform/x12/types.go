package x12

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType identifies the X12 transaction set of a file.
type TransactionType string

const (
	TransactionClaim      TransactionType = "837"
	TransactionRemittance TransactionType = "835"
)

// Envelope carries the ISA/GS/ST metadata stamped on every record emitted
// from one interchange.
type Envelope struct {
	InterchangeControlNumber string
	GroupControlNumber       string
	TransactionControlNumber string
	SenderID                 string
	ReceiverID               string
	Type                     TransactionType
	Date                     time.Time
}

// Warning is a recoverable parse anomaly attached to the record it was
// observed on. Warnings never abort the file.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Segment string `json:"segment,omitempty"`
}

// Warning codes emitted by the parser and extractors.
const (
	WarnChargeMismatch    = "charge_mismatch"
	WarnInvalidProcedure  = "invalid_procedure_code"
	WarnInvalidDiagnosis  = "invalid_diagnosis_code"
	WarnMalformedSegment  = "malformed_segment"
	WarnMissingLines      = "missing_service_lines"
	WarnTruncatedTrailer  = "truncated_trailer"
	WarnUnbalancedPayment = "unbalanced_payment"
	WarnNoClaims          = "no_claims_in_file"
)

// ClaimRecord is a normalized 837 claim block.
type ClaimRecord struct {
	Envelope             Envelope
	ClaimControlNumber   string
	PatientControlNumber string
	SubscriberID         string
	SubscriberLastName   string
	SubscriberFirstName  string
	PayerIDExternal      string
	PayerName            string
	ProviderNPI          string
	ProviderName         string
	ProviderTaxonomy     string
	TotalChargeAmount    decimal.Decimal
	ServiceDateFrom      *time.Time
	ServiceDateTo        *time.Time
	PlaceOfService       string
	FrequencyCode        string
	Diagnoses            []Diagnosis
	Lines                []ServiceLine
	ReferenceIDs         map[string]string // REF qualifier -> value
	Warnings             []Warning
}

// Diagnosis is one HI code entry, in transmission order.
type Diagnosis struct {
	CodeSystem string // e.g. ABK, ABF (ICD-10), BK, BF (ICD-9)
	Code       string
	Principal  bool
	Valid      bool
}

// ServiceLine is one SV1/SV2 service line with its satellites.
type ServiceLine struct {
	LineNumber     int
	ProcedureCode  string
	Modifiers      []string
	ChargeAmount   decimal.Decimal
	Units          decimal.Decimal
	UnitBasis      string
	RevenueCode    string
	ServiceDate    *time.Time
	ProcedureValid bool
	Notes          []string
	Adjustments    []Adjustment
}

// RemittanceRecord is the 835 header: the payment envelope (BPR/TRN) plus
// file-level references. Claim details stream separately as
// RemittanceClaimRecord values.
type RemittanceRecord struct {
	Envelope                 Envelope
	RemittanceControlNumber  string
	PayerIDExternal          string
	PayerName                string
	PayeeNPI                 string
	PayeeName                string
	PaymentAmount            decimal.Decimal
	PaymentMethod            string
	PaymentDate              *time.Time
	Warnings                 []Warning
}

// RemittanceClaimRecord is one CLP block inside an 835.
type RemittanceClaimRecord struct {
	Envelope              Envelope
	ClaimControlNumber    string
	PayerClaimNumber      string
	ClaimStatusCode       string
	ChargeAmount          decimal.Decimal
	PaidAmount            decimal.Decimal
	PatientResponsibility decimal.Decimal
	PatientControlNumber  string
	ServiceDate           *time.Time
	Adjustments           []Adjustment
	ServiceLines          []RemittanceService
	Warnings              []Warning
}

// Adjustment is one (group, reason, amount, quantity) entry from a CAS
// segment. A single CAS carries one group code and up to six triples.
type Adjustment struct {
	GroupCode  string
	ReasonCode string
	Amount     decimal.Decimal
	Quantity   decimal.Decimal
}

// RemittanceService is one SVC line under a CLP.
type RemittanceService struct {
	ProcedureCode string
	Modifiers     []string
	ChargeAmount  decimal.Decimal
	PaidAmount    decimal.Decimal
	Units         decimal.Decimal
	Adjustments   []Adjustment
}

// SummaryRecord is the 835 tail: provider-level adjustments (PLB) and
// counts, emitted once after the last claim block.
type SummaryRecord struct {
	Envelope       Envelope
	ProviderAdjust []ProviderAdjustment
	ClaimCount     int
	Warnings       []Warning
}

// ProviderAdjustment is one PLB reason/amount pair.
type ProviderAdjustment struct {
	ProviderID  string
	FiscalYear  string
	ReasonCode  string
	ReferenceID string
	Amount      decimal.Decimal
}
