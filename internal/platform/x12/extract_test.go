package x12

import (
	"strings"
	"testing"
)

func TestValidProcedureCode(t *testing.T) {
	cases := []struct {
		code string
		want bool
	}{
		{"99213", true},
		{"J1100", true},
		{"99213-25", true},
		{"9921X", false},
		{"992", false},
		{"j1100", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := ValidProcedureCode(tc.code); got != tc.want {
			t.Errorf("ValidProcedureCode(%q) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestValidDiagnosisCode(t *testing.T) {
	cases := []struct {
		code string
		want bool
	}{
		{"E11.9", true},
		{"E119", false}, // ICD-10 requires the decimal for 4+ chars
		{"E11", true},
		{"250.00", true},
		{"25000", true},
		{"E1", false},
		{"ZZZZZZZZZZZ", false},
	}
	for _, tc := range cases {
		if got := ValidDiagnosisCode(tc.code); got != tc.want {
			t.Errorf("ValidDiagnosisCode(%q) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func segFrom(raw string) Segment {
	parts := strings.Split(raw, "*")
	return Segment{ID: parts[0], Elements: parts[1:]}
}

func TestExtractCASMultipleTriples(t *testing.T) {
	adjs, err := extractCAS(segFrom("CAS*CO*50*300.00*1*45*200.00*2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(adjs) != 2 {
		t.Fatalf("expected 2 adjustments, got %d", len(adjs))
	}
	if adjs[0].GroupCode != "CO" || adjs[0].ReasonCode != "50" ||
		adjs[0].Amount.StringFixed(2) != "300.00" || adjs[0].Quantity.StringFixed(0) != "1" {
		t.Errorf("first adjustment = %+v", adjs[0])
	}
	if adjs[1].ReasonCode != "45" || adjs[1].Amount.StringFixed(2) != "200.00" {
		t.Errorf("second adjustment = %+v", adjs[1])
	}
}

func TestExtractCASMissingQuantity(t *testing.T) {
	adjs, err := extractCAS(segFrom("CAS*PR*1*25.50"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(adjs) != 1 {
		t.Fatalf("expected 1 adjustment, got %d", len(adjs))
	}
	if !adjs[0].Quantity.IsZero() {
		t.Errorf("expected zero quantity, got %s", adjs[0].Quantity)
	}
}

func TestExtractPLB(t *testing.T) {
	d := DefaultDelimiters()
	adjs, err := extractPLB(segFrom("PLB*1234567890*20241231*WO:REF1*-100.00*FB:REF2*25.00"), d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(adjs) != 2 {
		t.Fatalf("expected 2 provider adjustments, got %d", len(adjs))
	}
	if adjs[0].ReasonCode != "WO" || adjs[0].ReferenceID != "REF1" ||
		adjs[0].Amount.StringFixed(2) != "-100.00" {
		t.Errorf("first PLB = %+v", adjs[0])
	}
	if adjs[1].ProviderID != "1234567890" || adjs[1].FiscalYear != "20241231" {
		t.Errorf("second PLB = %+v", adjs[1])
	}
}

func TestParseAmountRounding(t *testing.T) {
	d, err := parseAmount("10.005")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.StringFixed(2) != "10.01" {
		t.Errorf("expected half-up rounding to 10.01, got %s", d.StringFixed(2))
	}
	zero, err := parseAmount("")
	if err != nil || !zero.IsZero() {
		t.Errorf("empty amount should decode to zero, got %s err=%v", zero, err)
	}
}

func TestParseDateRange(t *testing.T) {
	from, to, err := parseDateRange("RD8", "20240101-20240131")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if from.Format("20060102") != "20240101" || to.Format("20060102") != "20240131" {
		t.Errorf("range = %v..%v", from, to)
	}
	from, to, err = parseDateRange("D8", "20240110")
	if err != nil || !from.Equal(*to) {
		t.Errorf("single date range: %v..%v err=%v", from, to, err)
	}
}

func TestExtractHIOrderAndPrincipal(t *testing.T) {
	d := DefaultDelimiters()
	dxs := extractHI(segFrom("HI*ABK:E11.9*ABF:I10*ABF:BAD"), d)
	if len(dxs) != 3 {
		t.Fatalf("expected 3 diagnoses, got %d", len(dxs))
	}
	if !dxs[0].Principal || dxs[1].Principal {
		t.Error("only the ABK entry is principal")
	}
	if !dxs[0].Valid || !dxs[1].Valid {
		t.Error("expected first two codes valid")
	}
	if dxs[2].Valid {
		t.Error("expected BAD flagged invalid")
	}
}
