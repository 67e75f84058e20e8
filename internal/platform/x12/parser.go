package x12

import (
	"context"
	"fmt"
	"io"
	"runtime"
)

// Handler receives records as the parser emits them, in input order. Nil
// callbacks are skipped. A non-nil error from any callback aborts the
// parse and is returned to the caller. OnSegment fires for every body
// segment after envelope discovery, before the segment is interpreted.
type Handler struct {
	OnClaim           func(ClaimRecord) error
	OnRemittance      func(RemittanceRecord) error
	OnRemittanceClaim func(RemittanceClaimRecord) error
	OnSummary         func(SummaryRecord) error
	OnSegment         func(Segment)
	OnWarning         func(Warning)
}

func (h Handler) warn(w Warning) {
	if h.OnWarning != nil {
		h.OnWarning(w)
	}
}

// gcReleaseInterval is how many blocks the parser emits between explicit
// garbage-collection hints on very large files.
const gcReleaseInterval = 500

// Parser streams one X12 interchange. The same parser handles every file
// size; memory stays bounded by the largest single block because only the
// current block is materialized.
type Parser struct {
	gcEvery int
}

// NewParser returns a parser with default settings.
func NewParser() *Parser {
	return &Parser{gcEvery: gcReleaseInterval}
}

// Parse reads one interchange from r and pushes records to h. The envelope
// is returned so callers can dispatch on transaction type without waiting
// for the stream to finish. Empty input and inputs with no ST segment are
// structural errors; everything block-level surfaces as warnings.
func (p *Parser) Parse(ctx context.Context, r io.Reader, h Handler) (Envelope, error) {
	sr := NewSegmentReader(r)
	env, err := ReadEnvelope(sr)
	if err != nil {
		return env, err
	}

	switch env.Type {
	case TransactionClaim:
		err = p.parseClaims(ctx, sr, env, h)
	case TransactionRemittance:
		err = p.parseRemittance(ctx, sr, env, h)
	default:
		err = fmt.Errorf("x12: unsupported transaction type %q", env.Type)
	}
	return env, err
}

// claimContext accumulates loop-level identity (provider, subscriber,
// payer) that applies to every claim until the next loop header.
type claimContext struct {
	providerNPI      string
	providerName     string
	providerTaxonomy string
	subscriberID     string
	subscriberLast   string
	subscriberFirst  string
	payerID          string
	payerName        string
}

// parseClaims partitions an 837 transaction into claim blocks. A block
// starts at CLM and ends at the next CLM or SE; SV1/SV2 between two CLMs
// belong to the preceding claim.
func (p *Parser) parseClaims(ctx context.Context, sr *SegmentReader, env Envelope, h Handler) error {
	d := sr.Delimiters()
	var (
		cc      claimContext
		current *ClaimRecord
		line    *ServiceLine
		blocks  int
		emitted int
	)

	flushLine := func() {
		if line != nil && current != nil {
			current.Lines = append(current.Lines, *line)
		}
		line = nil
	}
	flushClaim := func() error {
		flushLine()
		if current == nil {
			return nil
		}
		finalizeClaim(current)
		for _, w := range current.Warnings {
			h.warn(w)
		}
		emitted++
		blocks++
		if h.OnClaim != nil {
			if err := h.OnClaim(*current); err != nil {
				return err
			}
		}
		current = nil
		if p.gcEvery > 0 && blocks%p.gcEvery == 0 {
			runtime.GC()
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		seg, err := sr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if h.OnSegment != nil {
			h.OnSegment(seg)
		}

		switch seg.ID {
		case "NM1":
			e := extractNM1(seg)
			switch e.Qualifier {
			case "85", "82":
				if e.IDQualifier == "XX" {
					cc.providerNPI = e.ID
				}
				cc.providerName = e.LastOrOrg
			case "IL":
				cc.subscriberID = e.ID
				cc.subscriberLast = e.LastOrOrg
				cc.subscriberFirst = e.First
			case "PR":
				cc.payerID = e.ID
				cc.payerName = e.LastOrOrg
			}
			if current != nil {
				current.SubscriberID = cc.subscriberID
				current.PayerIDExternal = cc.payerID
				current.PayerName = cc.payerName
				current.ProviderNPI = cc.providerNPI
				current.ProviderName = cc.providerName
			}
		case "PRV":
			if seg.Get(1) == "BI" || seg.Get(1) == "PE" {
				cc.providerTaxonomy = seg.Get(3)
			}
		case "CLM":
			if err := flushClaim(); err != nil {
				return err
			}
			current = &ClaimRecord{
				Envelope:            env,
				SubscriberID:        cc.subscriberID,
				SubscriberLastName:  cc.subscriberLast,
				SubscriberFirstName: cc.subscriberFirst,
				PayerIDExternal:     cc.payerID,
				PayerName:           cc.payerName,
				ProviderNPI:         cc.providerNPI,
				ProviderName:        cc.providerName,
				ProviderTaxonomy:    cc.providerTaxonomy,
				ReferenceIDs:        map[string]string{},
			}
			extractCLM(seg, d, current)
		case "DTP":
			q, from, to, err := extractDTP(seg)
			if err != nil {
				if current != nil {
					current.Warnings = append(current.Warnings, Warning{
						Code: WarnMalformedSegment, Message: err.Error(), Segment: "DTP",
					})
				}
				continue
			}
			if q != "472" && q != "434" {
				continue
			}
			if line != nil {
				line.ServiceDate = from
			} else if current != nil {
				if current.ServiceDateFrom == nil {
					current.ServiceDateFrom = from
				}
				current.ServiceDateTo = to
			}
		case "REF":
			if current != nil && seg.Get(1) != "" {
				current.ReferenceIDs[seg.Get(1)] = seg.Get(2)
			}
		case "HI":
			if current != nil {
				current.Diagnoses = append(current.Diagnoses, extractHI(seg, d)...)
			}
		case "LX":
			flushLine()
			if current != nil {
				line = &ServiceLine{LineNumber: len(current.Lines) + 1}
			}
		case "SV1", "SV2":
			if current == nil {
				continue
			}
			if line == nil {
				line = &ServiceLine{LineNumber: len(current.Lines) + 1}
			}
			var err error
			if seg.ID == "SV1" {
				err = extractSV1(seg, d, line)
			} else {
				err = extractSV2(seg, d, line)
			}
			if err != nil {
				current.Warnings = append(current.Warnings, Warning{
					Code: WarnMalformedSegment, Message: err.Error(), Segment: seg.ID,
				})
			}
		case "NTE":
			if line != nil {
				line.Notes = append(line.Notes, seg.Get(2))
			}
		case "SE":
			if err := flushClaim(); err != nil {
				return err
			}
		}
	}

	if err := flushClaim(); err != nil {
		return err
	}
	if emitted == 0 {
		h.warn(Warning{Code: WarnNoClaims, Message: "file contained an envelope but no claims"})
	}
	return nil
}

// finalizeClaim runs end-of-block checks: diagnosis validity warnings,
// line-sum-vs-total reconciliation, and the empty-line case.
func finalizeClaim(c *ClaimRecord) {
	for _, dx := range c.Diagnoses {
		if !dx.Valid {
			c.Warnings = append(c.Warnings, Warning{
				Code:    WarnInvalidDiagnosis,
				Message: fmt.Sprintf("diagnosis code %q failed validation", dx.Code),
				Segment: "HI",
			})
		}
	}
	if len(c.Lines) == 0 {
		c.Warnings = append(c.Warnings, Warning{
			Code:    WarnMissingLines,
			Message: "claim has no service lines",
			Segment: "CLM",
		})
		return
	}
	sum := decimalZero()
	for _, l := range c.Lines {
		sum = sum.Add(l.ChargeAmount)
		if !l.ProcedureValid {
			c.Warnings = append(c.Warnings, Warning{
				Code:    WarnInvalidProcedure,
				Message: fmt.Sprintf("procedure code %q failed validation", l.ProcedureCode),
				Segment: "SV1",
			})
		}
	}
	if sum.Sub(c.TotalChargeAmount).Abs().GreaterThan(chargeTolerance()) {
		c.Warnings = append(c.Warnings, Warning{
			Code: WarnChargeMismatch,
			Message: fmt.Sprintf("service line total %s does not match claim charge %s",
				sum.StringFixed(2), c.TotalChargeAmount.StringFixed(2)),
			Segment: "CLM",
		})
	}
}

// parseRemittance partitions an 835: header segments up to the first CLP,
// then claim blocks (CLP..next CLP/SE), then the PLB tail.
func (p *Parser) parseRemittance(ctx context.Context, sr *SegmentReader, env Envelope, h Handler) error {
	d := sr.Delimiters()
	header := RemittanceRecord{Envelope: env}
	summary := SummaryRecord{Envelope: env}
	var (
		current     *RemittanceClaimRecord
		svc         *RemittanceService
		headerSent  bool
		currentN1   string
		blocks      int
	)

	sendHeader := func() error {
		if headerSent {
			return nil
		}
		headerSent = true
		for _, w := range header.Warnings {
			h.warn(w)
		}
		if h.OnRemittance != nil {
			return h.OnRemittance(header)
		}
		return nil
	}
	flushSvc := func() {
		if svc != nil && current != nil {
			current.ServiceLines = append(current.ServiceLines, *svc)
		}
		svc = nil
	}
	flushClaim := func() error {
		flushSvc()
		if current == nil {
			return nil
		}
		finalizeRemittanceClaim(current)
		for _, w := range current.Warnings {
			h.warn(w)
		}
		summary.ClaimCount++
		blocks++
		if h.OnRemittanceClaim != nil {
			if err := h.OnRemittanceClaim(*current); err != nil {
				return err
			}
		}
		current = nil
		if p.gcEvery > 0 && blocks%p.gcEvery == 0 {
			runtime.GC()
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		seg, err := sr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if h.OnSegment != nil {
			h.OnSegment(seg)
		}

		switch seg.ID {
		case "BPR":
			if err := extractBPR(seg, &header); err != nil {
				header.Warnings = append(header.Warnings, Warning{
					Code: WarnMalformedSegment, Message: err.Error(), Segment: "BPR",
				})
			}
		case "TRN":
			header.RemittanceControlNumber = seg.Get(2)
			if header.PayerIDExternal == "" {
				header.PayerIDExternal = seg.Get(3)
			}
		case "N1":
			currentN1 = seg.Get(1)
			switch currentN1 {
			case "PR":
				header.PayerName = seg.Get(2)
				if id := seg.Get(4); id != "" {
					header.PayerIDExternal = id
				}
			case "PE":
				header.PayeeName = seg.Get(2)
				if seg.Get(3) == "XX" {
					header.PayeeNPI = seg.Get(4)
				}
			}
		case "REF":
			if currentN1 == "PR" && seg.Get(1) == "2U" && !headerSent {
				header.PayerIDExternal = seg.Get(2)
			}
		case "CLP":
			if err := sendHeader(); err != nil {
				return err
			}
			if err := flushClaim(); err != nil {
				return err
			}
			current = &RemittanceClaimRecord{Envelope: env}
			if err := extractCLP(seg, current); err != nil {
				current.Warnings = append(current.Warnings, Warning{
					Code: WarnMalformedSegment, Message: err.Error(), Segment: "CLP",
				})
			}
		case "NM1":
			if current != nil && seg.Get(1) == "QC" {
				current.PatientControlNumber = seg.Get(9)
			}
		case "DTM":
			if current == nil {
				continue
			}
			if q := seg.Get(1); q == "232" || q == "472" {
				if dt, err := parseDate(seg.Get(2)); err == nil {
					current.ServiceDate = dt
				}
			}
		case "CAS":
			adjs, err := extractCAS(seg)
			if err != nil && current != nil {
				current.Warnings = append(current.Warnings, Warning{
					Code: WarnMalformedSegment, Message: err.Error(), Segment: "CAS",
				})
			}
			switch {
			case svc != nil:
				svc.Adjustments = append(svc.Adjustments, adjs...)
			case current != nil:
				current.Adjustments = append(current.Adjustments, adjs...)
			}
		case "SVC":
			flushSvc()
			if current == nil {
				continue
			}
			s, err := extractSVC(seg, d)
			if err != nil {
				current.Warnings = append(current.Warnings, Warning{
					Code: WarnMalformedSegment, Message: err.Error(), Segment: "SVC",
				})
			}
			svc = &s
		case "PLB":
			if err := flushClaim(); err != nil {
				return err
			}
			adjs, err := extractPLB(seg, d)
			if err != nil {
				summary.Warnings = append(summary.Warnings, Warning{
					Code: WarnMalformedSegment, Message: err.Error(), Segment: "PLB",
				})
			}
			summary.ProviderAdjust = append(summary.ProviderAdjust, adjs...)
		case "SE":
			if err := flushClaim(); err != nil {
				return err
			}
		}
	}

	if err := flushClaim(); err != nil {
		return err
	}
	if err := sendHeader(); err != nil {
		return err
	}
	if summary.ClaimCount == 0 {
		h.warn(Warning{Code: WarnNoClaims, Message: "remittance contained no claim payments"})
	}
	for _, w := range summary.Warnings {
		h.warn(w)
	}
	if h.OnSummary != nil {
		return h.OnSummary(summary)
	}
	return nil
}

// finalizeRemittanceClaim reconciles paid + adjustments against the billed
// charge. Payer data is lossy, so imbalance is a warning, never an error.
func finalizeRemittanceClaim(rc *RemittanceClaimRecord) {
	total := rc.PaidAmount
	for _, a := range rc.Adjustments {
		total = total.Add(a.Amount)
	}
	for _, s := range rc.ServiceLines {
		for _, a := range s.Adjustments {
			total = total.Add(a.Amount)
		}
	}
	if total.Sub(rc.ChargeAmount).Abs().GreaterThan(chargeTolerance()) {
		rc.Warnings = append(rc.Warnings, Warning{
			Code: WarnUnbalancedPayment,
			Message: fmt.Sprintf("paid %s plus adjustments %s does not balance charge %s",
				rc.PaidAmount.StringFixed(2), total.Sub(rc.PaidAmount).StringFixed(2),
				rc.ChargeAmount.StringFixed(2)),
			Segment: "CLP",
		})
	}
}
