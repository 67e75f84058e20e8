package x12

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"
)

const isaHeader = "ISA*00*          *00*          *ZZ*SENDER         *ZZ*RECEIVER       *240115*1200*^*00501*000000001*0*P*:~"

func claimFile(claims ...string) string {
	var b strings.Builder
	b.WriteString(isaHeader)
	b.WriteString("GS*HC*SENDER*RECEIVER*20240115*1200*1*X*005010X222A1~")
	b.WriteString("ST*837*0001~")
	b.WriteString("BHT*0019*00*123*20240115*1200*CH~")
	b.WriteString("NM1*85*2*GOOD CLINIC*****XX*1234567890~")
	b.WriteString("PRV*BI*PXC*207Q00000X~")
	b.WriteString("NM1*IL*1*DOE*JANE****MI*MEMBER123~")
	b.WriteString("NM1*PR*2*ACME HEALTH*****PI*PAYER01~")
	for _, c := range claims {
		b.WriteString(c)
	}
	b.WriteString("SE*20*0001~GE*1*1~IEA*1*000000001~")
	return b.String()
}

const simpleClaim = "CLM*CTRL001*1000.00***11:B:1*Y*A*Y*Y~" +
	"DTP*472*D8*20240110~" +
	"HI*ABK:E11.9~" +
	"LX*1~" +
	"SV1*HC:99213*1000.00*UN*1***1~" +
	"DTP*472*D8*20240110~"

func remitFile(body string) string {
	var b strings.Builder
	b.WriteString(isaHeader)
	b.WriteString("GS*HP*PAYER*PROVIDER*20240201*1200*1*X*005010X221A1~")
	b.WriteString("ST*835*0001~")
	b.WriteString("BPR*I*800.00*C*ACH*CCP*01*999*DA*123*1512345678**01*999*DA*123*20240201~")
	b.WriteString("TRN*1*CHECK123*1512345678~")
	b.WriteString("N1*PR*ACME HEALTH~")
	b.WriteString("REF*2U*PAYER01~")
	b.WriteString("N1*PE*GOOD CLINIC*XX*1234567890~")
	b.WriteString(body)
	b.WriteString("SE*20*0001~GE*1*1~IEA*1*000000001~")
	return b.String()
}

func parseClaims(t *testing.T, input string) ([]ClaimRecord, []Warning) {
	t.Helper()
	var claims []ClaimRecord
	var warnings []Warning
	_, err := NewParser().Parse(context.Background(), strings.NewReader(input), Handler{
		OnClaim:   func(c ClaimRecord) error { claims = append(claims, c); return nil },
		OnWarning: func(w Warning) { warnings = append(warnings, w) },
	})
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	return claims, warnings
}

func TestSegmentReaderDiscoversDelimiters(t *testing.T) {
	sr := NewSegmentReader(strings.NewReader(isaHeader + "GS*HC~"))
	seg, err := sr.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seg.ID != "ISA" {
		t.Errorf("expected ISA, got %s", seg.ID)
	}
	d := sr.Delimiters()
	if d.Element != '*' || d.Component != ':' || d.Repetition != '^' || d.Segment != '~' {
		t.Errorf("unexpected delimiters: %+v", d)
	}
	if got := seg.Get(6); strings.TrimSpace(got) != "SENDER" {
		t.Errorf("ISA06 = %q", got)
	}
}

func TestSegmentReaderStripsCRLF(t *testing.T) {
	input := isaHeader + "\r\nGS*HC*A*B~\nST*837*0001~\r"
	sr := NewSegmentReader(strings.NewReader(input))
	var ids []string
	for {
		seg, err := sr.Next()
		if err != nil {
			break
		}
		ids = append(ids, seg.ID)
	}
	want := []string{"ISA", "GS", "ST"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("expected %v, got %v", want, ids)
	}
}

func TestSegmentReaderTruncatedTrailer(t *testing.T) {
	// Final segment lacks its terminator but names a segment: keep it.
	sr := NewSegmentReader(strings.NewReader(isaHeader + "GS*HC*A*B"))
	if _, err := sr.Next(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seg, err := sr.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seg.ID != "GS" || seg.Get(2) != "A" {
		t.Errorf("truncated segment not preserved: %+v", seg)
	}
}

func TestParseEmptyInput(t *testing.T) {
	_, err := NewParser().Parse(context.Background(), strings.NewReader(""), Handler{})
	if !errors.Is(err, ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
}

func TestParseNoTransaction(t *testing.T) {
	input := isaHeader + "GS*HC*SENDER*RECEIVER*20240115*1200*1*X*005010X222A1~IEA*1*000000001~"
	_, err := NewParser().Parse(context.Background(), strings.NewReader(input), Handler{})
	if !errors.Is(err, ErrNoTransaction) {
		t.Errorf("expected ErrNoTransaction, got %v", err)
	}
}

func TestParseEnvelopeOnly(t *testing.T) {
	claims, warnings := parseClaims(t, claimFile())
	if len(claims) != 0 {
		t.Errorf("expected no claims, got %d", len(claims))
	}
	found := false
	for _, w := range warnings {
		if w.Code == WarnNoClaims {
			found = true
		}
	}
	if !found {
		t.Error("expected no_claims_in_file warning")
	}
}

func TestParseSimpleClaim(t *testing.T) {
	claims, _ := parseClaims(t, claimFile(simpleClaim))
	if len(claims) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(claims))
	}
	c := claims[0]
	if c.ClaimControlNumber != "CTRL001" {
		t.Errorf("control number = %q", c.ClaimControlNumber)
	}
	if c.TotalChargeAmount.StringFixed(2) != "1000.00" {
		t.Errorf("total charge = %s", c.TotalChargeAmount)
	}
	if c.PayerIDExternal != "PAYER01" || c.PayerName != "ACME HEALTH" {
		t.Errorf("payer = %q %q", c.PayerIDExternal, c.PayerName)
	}
	if c.ProviderNPI != "1234567890" {
		t.Errorf("provider NPI = %q", c.ProviderNPI)
	}
	if c.ProviderTaxonomy != "207Q00000X" {
		t.Errorf("taxonomy = %q", c.ProviderTaxonomy)
	}
	if c.SubscriberID != "MEMBER123" {
		t.Errorf("subscriber = %q", c.SubscriberID)
	}
	if len(c.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(c.Lines))
	}
	l := c.Lines[0]
	if l.ProcedureCode != "99213" || !l.ProcedureValid {
		t.Errorf("line procedure = %q valid=%v", l.ProcedureCode, l.ProcedureValid)
	}
	if l.ChargeAmount.StringFixed(2) != "1000.00" || l.Units.StringFixed(2) != "1.00" {
		t.Errorf("line charge=%s units=%s", l.ChargeAmount, l.Units)
	}
	if l.ServiceDate == nil || l.ServiceDate.Format("20060102") != "20240110" {
		t.Errorf("line service date = %v", l.ServiceDate)
	}
	if len(c.Diagnoses) != 1 || !c.Diagnoses[0].Principal || !c.Diagnoses[0].Valid {
		t.Errorf("diagnoses = %+v", c.Diagnoses)
	}
	if c.Diagnoses[0].Code != "E11.9" {
		t.Errorf("diagnosis code = %q", c.Diagnoses[0].Code)
	}
	if len(c.Warnings) != 0 {
		t.Errorf("unexpected warnings: %+v", c.Warnings)
	}
}

func TestParseNotifiesPerSegment(t *testing.T) {
	var seen []string
	h := Handler{
		OnSegment: func(seg Segment) { seen = append(seen, seg.ID) },
	}
	if _, err := NewParser().Parse(context.Background(), strings.NewReader(claimFile(simpleClaim)), h); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(seen) == 0 {
		t.Fatal("expected segment notifications")
	}
	counts := map[string]int{}
	for _, id := range seen {
		counts[id]++
	}
	if counts["CLM"] != 1 || counts["SV1"] != 1 {
		t.Errorf("expected one CLM and one SV1 notification, got %v", counts)
	}
}

func TestParseClaimInvalidProcedure(t *testing.T) {
	bad := strings.Replace(simpleClaim, "HC:99213", "HC:9921X", 1)
	claims, _ := parseClaims(t, claimFile(bad))
	if len(claims) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(claims))
	}
	l := claims[0].Lines[0]
	if l.ProcedureValid {
		t.Error("expected procedure_code_valid=false for 9921X")
	}
	found := false
	for _, w := range claims[0].Warnings {
		if w.Code == WarnInvalidProcedure {
			found = true
		}
	}
	if !found {
		t.Error("expected invalid_procedure_code warning")
	}
}

func TestParseClaimChargeMismatch(t *testing.T) {
	bad := strings.Replace(simpleClaim, "CLM*CTRL001*1000.00", "CLM*CTRL001*1500.00", 1)
	claims, _ := parseClaims(t, claimFile(bad))
	if len(claims) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(claims))
	}
	found := false
	for _, w := range claims[0].Warnings {
		if w.Code == WarnChargeMismatch {
			found = true
		}
	}
	if !found {
		t.Error("expected charge_mismatch warning")
	}
}

func TestParseClaimNoLines(t *testing.T) {
	noLines := "CLM*CTRL002*500.00***11:B:1~HI*ABK:E11.9~"
	claims, _ := parseClaims(t, claimFile(noLines))
	if len(claims) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(claims))
	}
	if len(claims[0].Lines) != 0 {
		t.Errorf("expected empty line list")
	}
	found := false
	for _, w := range claims[0].Warnings {
		if w.Code == WarnMissingLines {
			found = true
		}
	}
	if !found {
		t.Error("expected missing_service_lines warning")
	}
}

func TestParseMultipleClaimsOrdered(t *testing.T) {
	second := strings.Replace(simpleClaim, "CTRL001", "CTRL002", 1)
	claims, _ := parseClaims(t, claimFile(simpleClaim+second))
	if len(claims) != 2 {
		t.Fatalf("expected 2 claims, got %d", len(claims))
	}
	if claims[0].ClaimControlNumber != "CTRL001" || claims[1].ClaimControlNumber != "CTRL002" {
		t.Errorf("claims out of order: %s, %s",
			claims[0].ClaimControlNumber, claims[1].ClaimControlNumber)
	}
}

func TestParseIdempotent(t *testing.T) {
	input := claimFile(simpleClaim)
	first, w1 := parseClaims(t, input)
	second, w2 := parseClaims(t, input)
	if !reflect.DeepEqual(first, second) {
		t.Error("parsing the same bytes twice produced different records")
	}
	if !reflect.DeepEqual(w1, w2) {
		t.Error("parsing the same bytes twice produced different warnings")
	}
}

func TestParseRemittancePaid(t *testing.T) {
	body := "CLP*CTRL001*1*1000.00*1000.00*0.00*12*PAYERCLAIM1*11~" +
		"NM1*QC*1*DOE*JANE****MI*MEMBER123~" +
		"DTM*232*20240110~" +
		"SVC*HC:99213*1000.00*1000.00**1~"
	var remit *RemittanceRecord
	var rcs []RemittanceClaimRecord
	var summary *SummaryRecord
	_, err := NewParser().Parse(context.Background(), strings.NewReader(remitFile(body)), Handler{
		OnRemittance:      func(r RemittanceRecord) error { remit = &r; return nil },
		OnRemittanceClaim: func(rc RemittanceClaimRecord) error { rcs = append(rcs, rc); return nil },
		OnSummary:         func(s SummaryRecord) error { summary = &s; return nil },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remit == nil {
		t.Fatal("remittance header not emitted")
	}
	if remit.PaymentAmount.StringFixed(2) != "800.00" || remit.PaymentMethod != "ACH" {
		t.Errorf("payment = %s via %s", remit.PaymentAmount, remit.PaymentMethod)
	}
	if remit.PaymentDate == nil || remit.PaymentDate.Format("20060102") != "20240201" {
		t.Errorf("payment date = %v", remit.PaymentDate)
	}
	if remit.PayerIDExternal != "PAYER01" || remit.PayerName != "ACME HEALTH" {
		t.Errorf("payer = %q %q", remit.PayerIDExternal, remit.PayerName)
	}
	if remit.RemittanceControlNumber != "CHECK123" {
		t.Errorf("control number = %q", remit.RemittanceControlNumber)
	}
	if len(rcs) != 1 {
		t.Fatalf("expected 1 remittance claim, got %d", len(rcs))
	}
	rc := rcs[0]
	if rc.ClaimControlNumber != "CTRL001" || rc.ClaimStatusCode != "1" {
		t.Errorf("claim = %q status %q", rc.ClaimControlNumber, rc.ClaimStatusCode)
	}
	if rc.PaidAmount.StringFixed(2) != "1000.00" {
		t.Errorf("paid = %s", rc.PaidAmount)
	}
	if len(rc.ServiceLines) != 1 || rc.ServiceLines[0].ProcedureCode != "99213" {
		t.Errorf("service lines = %+v", rc.ServiceLines)
	}
	if summary == nil || summary.ClaimCount != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestParseRemittanceDenied(t *testing.T) {
	body := "CLP*CTRL001*4*1000.00*0.00*0.00*12*PAYERCLAIM1*11~" +
		"CAS*CO*50*1000.00~"
	var rcs []RemittanceClaimRecord
	_, err := NewParser().Parse(context.Background(), strings.NewReader(remitFile(body)), Handler{
		OnRemittanceClaim: func(rc RemittanceClaimRecord) error { rcs = append(rcs, rc); return nil },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rcs) != 1 {
		t.Fatalf("expected 1 remittance claim, got %d", len(rcs))
	}
	rc := rcs[0]
	if rc.ClaimStatusCode != "4" {
		t.Errorf("status = %q", rc.ClaimStatusCode)
	}
	if len(rc.Adjustments) != 1 {
		t.Fatalf("expected 1 adjustment, got %d", len(rc.Adjustments))
	}
	a := rc.Adjustments[0]
	if a.GroupCode != "CO" || a.ReasonCode != "50" || a.Amount.StringFixed(2) != "1000.00" {
		t.Errorf("adjustment = %+v", a)
	}
	// Paid 0 + adjusted 1000 balances the 1000 charge.
	for _, w := range rc.Warnings {
		if w.Code == WarnUnbalancedPayment {
			t.Errorf("unexpected unbalanced warning: %+v", w)
		}
	}
}

func TestParseRemittanceUnbalanced(t *testing.T) {
	body := "CLP*CTRL001*4*1000.00*100.00*0.00~CAS*CO*50*500.00~"
	var rcs []RemittanceClaimRecord
	_, err := NewParser().Parse(context.Background(), strings.NewReader(remitFile(body)), Handler{
		OnRemittanceClaim: func(rc RemittanceClaimRecord) error { rcs = append(rcs, rc); return nil },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, w := range rcs[0].Warnings {
		if w.Code == WarnUnbalancedPayment {
			found = true
		}
	}
	if !found {
		t.Error("expected unbalanced_payment warning")
	}
}

func TestParseFirstRecordBeforeEOF(t *testing.T) {
	// The reader blocks after the first claim; the parser must still have
	// emitted it, proving output is not buffered until EOF.
	input := claimFile(simpleClaim + strings.Replace(simpleClaim, "CTRL001", "CTRL002", 1))
	idx := strings.Index(input, "CLM*CTRL002")
	cut := idx + strings.Index(input[idx:], "~") + 1
	r := &stallReader{data: input[:cut], done: make(chan struct{})}
	defer close(r.done)
	emitted := make(chan string, 2)
	go func() {
		NewParser().Parse(context.Background(), r, Handler{
			OnClaim: func(c ClaimRecord) error {
				emitted <- c.ClaimControlNumber
				return nil
			},
		})
	}()
	select {
	case got := <-emitted:
		if got != "CTRL001" {
			t.Errorf("first record = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first claim not emitted before end of input")
	}
}

func TestEnvelopeDetection(t *testing.T) {
	env, _ := NewParser().Parse(context.Background(), strings.NewReader(claimFile()), Handler{})
	if env.Type != TransactionClaim {
		t.Errorf("expected 837, got %s", env.Type)
	}
	env, _ = NewParser().Parse(context.Background(), strings.NewReader(remitFile("")), Handler{})
	if env.Type != TransactionRemittance {
		t.Errorf("expected 835, got %s", env.Type)
	}
	if env.InterchangeControlNumber != "000000001" {
		t.Errorf("interchange control = %q", env.InterchangeControlNumber)
	}
}

// stallReader serves its data then blocks forever instead of returning EOF.
type stallReader struct {
	data string
	pos  int
	done chan struct{}
}

func (s *stallReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		<-s.done
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}
