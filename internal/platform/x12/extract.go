package x12

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Code-system validation at the extractor boundary. EDI elements arrive as
// strings; everything downstream sees typed, validated values.
var (
	cptPattern   = regexp.MustCompile(`^[0-9]{5}$`)
	hcpcsPattern = regexp.MustCompile(`^[A-Z][0-9]{4}$`)
	icd10Pattern = regexp.MustCompile(`^[A-Z][0-9]{2}(\.[0-9]{0,2})?$`)
	icd9Pattern  = regexp.MustCompile(`^[0-9]{3,5}(\.[0-9]{0,2})?$`)
)

// ValidProcedureCode reports whether code is a well-formed CPT or HCPCS
// code. A trailing "-XX" modifier suffix is tolerated.
func ValidProcedureCode(code string) bool {
	if i := strings.Index(code, "-"); i >= 0 {
		code = code[:i]
	}
	return cptPattern.MatchString(code) || hcpcsPattern.MatchString(code)
}

// ValidDiagnosisCode reports whether code is a well-formed ICD-10 or ICD-9
// code of plausible length.
func ValidDiagnosisCode(code string) bool {
	if len(code) < 3 || len(code) > 10 {
		return false
	}
	return icd10Pattern.MatchString(code) || icd9Pattern.MatchString(code)
}

// chargeTolerance is the reconciliation slack for summed monetary values,
// one cent either way.
var chargeToleranceValue = decimal.New(1, -2)

func chargeTolerance() decimal.Decimal { return chargeToleranceValue }

func decimalZero() decimal.Decimal { return decimal.Zero }

// parseAmount decodes a monetary element into a scale-2 decimal, rounding
// half-up. Empty elements decode to zero, which is how X12 transmits
// absent amounts.
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("x12: bad amount %q: %w", s, err)
	}
	return d.Round(2), nil
}

// parseDate decodes a CCYYMMDD element. YYMMDD is accepted for ISA dates.
func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	layout := "20060102"
	if len(s) == 6 {
		layout = "060102"
	}
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("x12: bad date %q: %w", s, err)
	}
	return &t, nil
}

// parseDateRange decodes DTP/DTM values in D8 (single date) or RD8
// (CCYYMMDD-CCYYMMDD) formats.
func parseDateRange(format, value string) (from, to *time.Time, err error) {
	switch format {
	case "RD8":
		parts := strings.SplitN(value, "-", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("x12: bad RD8 range %q", value)
		}
		if from, err = parseDate(parts[0]); err != nil {
			return nil, nil, err
		}
		if to, err = parseDate(parts[1]); err != nil {
			return nil, nil, err
		}
		return from, to, nil
	default:
		from, err = parseDate(value)
		return from, from, err
	}
}

// extractCLM decodes the claim header. CLM01 is the patient control
// number (the provider's claim identifier), CLM02 the total charge,
// CLM05 the place-of-service composite.
func extractCLM(seg Segment, d Delimiters, rec *ClaimRecord) {
	rec.PatientControlNumber = seg.Get(1)
	rec.ClaimControlNumber = seg.Get(1)
	amt, err := parseAmount(seg.Get(2))
	if err != nil {
		rec.Warnings = append(rec.Warnings, Warning{
			Code: WarnMalformedSegment, Message: err.Error(), Segment: "CLM",
		})
	}
	rec.TotalChargeAmount = amt
	if comps := seg.Components(5, d); len(comps) > 0 {
		rec.PlaceOfService = comps[0]
		if len(comps) > 2 {
			rec.FrequencyCode = comps[2]
		}
	}
}

// extractDTP decodes claim/line dates. Qualifier 472 is service date,
// 434 statement dates, 435 admission.
func extractDTP(seg Segment) (qualifier string, from, to *time.Time, err error) {
	qualifier = seg.Get(1)
	from, to, err = parseDateRange(seg.Get(2), seg.Get(3))
	return qualifier, from, to, err
}

// extractNM1 decodes a name segment. NM101 qualifies the entity: IL
// subscriber, QC patient, 85 billing provider, 82 rendering provider,
// PR payer, PE payee, 41 submitter, 40 receiver.
type nm1Entity struct {
	Qualifier  string
	EntityType string // 1 person, 2 organization
	LastOrOrg  string
	First      string
	IDQualifier string // XX = NPI, PI = payer id
	ID          string
}

func extractNM1(seg Segment) nm1Entity {
	return nm1Entity{
		Qualifier:   seg.Get(1),
		EntityType:  seg.Get(2),
		LastOrOrg:   seg.Get(3),
		First:       seg.Get(4),
		IDQualifier: seg.Get(8),
		ID:          seg.Get(9),
	}
}

// extractHI decodes a health-information segment into ordered diagnosis
// entries. The first code of a BK/ABK composite is the principal
// diagnosis.
func extractHI(seg Segment, d Delimiters) []Diagnosis {
	var out []Diagnosis
	for i := 1; i <= len(seg.Elements); i++ {
		comps := seg.Components(i, d)
		if len(comps) < 2 {
			continue
		}
		system, code := comps[0], comps[1]
		out = append(out, Diagnosis{
			CodeSystem: system,
			Code:       code,
			Principal:  system == "BK" || system == "ABK",
			Valid:      ValidDiagnosisCode(code),
		})
	}
	return out
}

// extractSV1 decodes a professional service line. SV101 is the composite
// procedure (qualifier:code:mod1..mod4), SV102 the charge, SV103/SV104
// the unit basis and count.
func extractSV1(seg Segment, d Delimiters, line *ServiceLine) error {
	comps := seg.Components(1, d)
	if len(comps) >= 2 {
		line.ProcedureCode = comps[1]
		for _, m := range comps[2:] {
			if m != "" && len(line.Modifiers) < 4 {
				line.Modifiers = append(line.Modifiers, m)
			}
		}
	}
	line.ProcedureValid = ValidProcedureCode(line.ProcedureCode)
	amt, err := parseAmount(seg.Get(2))
	if err != nil {
		return err
	}
	line.ChargeAmount = amt
	line.UnitBasis = seg.Get(3)
	units, err := parseAmount(seg.Get(4))
	if err != nil {
		return err
	}
	line.Units = units
	return nil
}

// extractSV2 decodes an institutional service line. SV201 is the revenue
// code, SV202 the composite procedure, SV203 the charge, SV204/SV205 the
// unit basis and count.
func extractSV2(seg Segment, d Delimiters, line *ServiceLine) error {
	line.RevenueCode = seg.Get(1)
	comps := seg.Components(2, d)
	if len(comps) >= 2 {
		line.ProcedureCode = comps[1]
		for _, m := range comps[2:] {
			if m != "" && len(line.Modifiers) < 4 {
				line.Modifiers = append(line.Modifiers, m)
			}
		}
	}
	line.ProcedureValid = line.ProcedureCode == "" || ValidProcedureCode(line.ProcedureCode)
	amt, err := parseAmount(seg.Get(3))
	if err != nil {
		return err
	}
	line.ChargeAmount = amt
	line.UnitBasis = seg.Get(4)
	units, err := parseAmount(seg.Get(5))
	if err != nil {
		return err
	}
	line.Units = units
	return nil
}

// extractCAS decodes an adjustments segment: one group code followed by
// up to six (reason, amount, quantity) triples.
func extractCAS(seg Segment) ([]Adjustment, error) {
	group := seg.Get(1)
	var out []Adjustment
	for i := 2; i+1 <= len(seg.Elements); i += 3 {
		reason := seg.Get(i)
		if reason == "" {
			break
		}
		amt, err := parseAmount(seg.Get(i + 1))
		if err != nil {
			return out, err
		}
		qty, err := parseAmount(seg.Get(i + 2))
		if err != nil {
			return out, err
		}
		out = append(out, Adjustment{
			GroupCode:  group,
			ReasonCode: reason,
			Amount:     amt,
			Quantity:   qty,
		})
	}
	return out, nil
}

// extractBPR decodes the 835 payment header. BPR02 is the payment amount,
// BPR04 the method code, BPR16 the payment date.
func extractBPR(seg Segment, rec *RemittanceRecord) error {
	amt, err := parseAmount(seg.Get(2))
	if err != nil {
		return err
	}
	rec.PaymentAmount = amt
	rec.PaymentMethod = seg.Get(4)
	date, err := parseDate(seg.Get(16))
	if err != nil {
		return err
	}
	rec.PaymentDate = date
	return nil
}

// extractCLP decodes a remittance claim block header. CLP01 is the
// claim control number echoed from the 837, CLP02 the status code,
// CLP03/04/05 charge, paid, and patient responsibility, CLP07 the
// payer's internal claim number.
func extractCLP(seg Segment, rec *RemittanceClaimRecord) error {
	rec.ClaimControlNumber = seg.Get(1)
	rec.ClaimStatusCode = seg.Get(2)
	var err error
	if rec.ChargeAmount, err = parseAmount(seg.Get(3)); err != nil {
		return err
	}
	if rec.PaidAmount, err = parseAmount(seg.Get(4)); err != nil {
		return err
	}
	if rec.PatientResponsibility, err = parseAmount(seg.Get(5)); err != nil {
		return err
	}
	rec.PayerClaimNumber = seg.Get(7)
	return nil
}

// extractSVC decodes a remittance service line. SVC01 is the composite
// procedure, SVC02 the charge, SVC03 the paid amount, SVC05 the units.
func extractSVC(seg Segment, d Delimiters) (RemittanceService, error) {
	var svc RemittanceService
	comps := seg.Components(1, d)
	if len(comps) >= 2 {
		svc.ProcedureCode = comps[1]
		for _, m := range comps[2:] {
			if m != "" && len(svc.Modifiers) < 4 {
				svc.Modifiers = append(svc.Modifiers, m)
			}
		}
	}
	var err error
	if svc.ChargeAmount, err = parseAmount(seg.Get(2)); err != nil {
		return svc, err
	}
	if svc.PaidAmount, err = parseAmount(seg.Get(3)); err != nil {
		return svc, err
	}
	if svc.Units, err = parseAmount(seg.Get(5)); err != nil {
		return svc, err
	}
	if svc.Units.IsZero() {
		svc.Units = decimal.NewFromInt(1)
	}
	return svc, nil
}

// extractPLB decodes provider-level adjustments: PLB01 provider id, PLB02
// fiscal period, then (reason composite, amount) pairs.
func extractPLB(seg Segment, d Delimiters) ([]ProviderAdjustment, error) {
	provider := seg.Get(1)
	fiscal := seg.Get(2)
	var out []ProviderAdjustment
	for i := 3; i+1 <= len(seg.Elements); i += 2 {
		comps := seg.Components(i, d)
		if len(comps) == 0 || comps[0] == "" {
			break
		}
		adj := ProviderAdjustment{ProviderID: provider, FiscalYear: fiscal, ReasonCode: comps[0]}
		if len(comps) > 1 {
			adj.ReferenceID = comps[1]
		}
		amt, err := parseAmount(seg.Get(i + 1))
		if err != nil {
			return out, err
		}
		adj.Amount = amt
		out = append(out, adj)
	}
	return out, nil
}
