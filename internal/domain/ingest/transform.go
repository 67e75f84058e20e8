package ingest

import (
	"context"

	"github.com/google/uuid"

	"github.com/claimrisk/claimrisk/internal/domain/claim"
	"github.com/claimrisk/claimrisk/internal/domain/remittance"
	"github.com/claimrisk/claimrisk/internal/platform/x12"
)

// toClaim maps a parsed 837 block to the domain claim. Payer and
// provider identities resolve through the cached upsert path, and the
// patient control number is hashed here so matching and logging never
// see the raw identifier.
func (p *Pipeline) toClaim(ctx context.Context, rec x12.ClaimRecord) (*claim.Claim, error) {
	payerID, err := p.d.Payers.ResolvePayer(ctx, rec.PayerIDExternal, rec.PayerName)
	if err != nil {
		return nil, err
	}
	var providerID *uuid.UUID
	if rec.ProviderNPI != "" {
		var taxonomy *string
		if rec.ProviderTaxonomy != "" {
			taxonomy = &rec.ProviderTaxonomy
		}
		id, err := p.d.Payers.ResolveProvider(ctx, rec.ProviderNPI, rec.ProviderName, taxonomy)
		if err != nil {
			return nil, err
		}
		providerID = &id
	}

	cl := &claim.Claim{
		ID:                   uuid.New(),
		ClaimControlNumber:   rec.ClaimControlNumber,
		PatientControlNumber: rec.PatientControlNumber,
		HashedPatientID:      p.d.Hasher.Hash(rec.PatientControlNumber),
		SubscriberID:         rec.SubscriberID,
		PayerID:              payerID,
		ProviderID:           providerID,
		TotalChargeAmount:    rec.TotalChargeAmount,
		ServiceDateFrom:      rec.ServiceDateFrom,
		ServiceDateTo:        rec.ServiceDateTo,
		PlaceOfService:       rec.PlaceOfService,
		FrequencyCode:        rec.FrequencyCode,
		Status:               claim.StatusSubmitted,
		Warnings:             rec.Warnings,
	}
	for _, l := range rec.Lines {
		cl.Lines = append(cl.Lines, claim.Line{
			ID:                 uuid.New(),
			ClaimID:            cl.ID,
			LineNumber:         l.LineNumber,
			ProcedureCode:      l.ProcedureCode,
			Modifiers:          l.Modifiers,
			ChargeAmount:       l.ChargeAmount,
			Units:              l.Units,
			UnitBasis:          l.UnitBasis,
			RevenueCode:        l.RevenueCode,
			ServiceDate:        l.ServiceDate,
			ProcedureCodeValid: l.ProcedureValid,
		})
	}
	for i, d := range rec.Diagnoses {
		cl.Diagnoses = append(cl.Diagnoses, claim.Diagnosis{
			ID:         uuid.New(),
			ClaimID:    cl.ID,
			Sequence:   i + 1,
			CodeSystem: d.CodeSystem,
			Code:       d.Code,
			Principal:  d.Principal,
			Valid:      d.Valid,
		})
	}
	return cl, nil
}

// toRemittance maps the 835 payment header.
func (p *Pipeline) toRemittance(ctx context.Context, rec x12.RemittanceRecord) (*remittance.Remittance, error) {
	payerID, err := p.d.Payers.ResolvePayer(ctx, rec.PayerIDExternal, rec.PayerName)
	if err != nil {
		return nil, err
	}
	return &remittance.Remittance{
		ID:                      uuid.New(),
		RemittanceControlNumber: rec.RemittanceControlNumber,
		PayerID:                 payerID,
		PayeeNPI:                rec.PayeeNPI,
		PaymentAmount:           rec.PaymentAmount,
		PaymentMethod:           rec.PaymentMethod,
		PaymentDate:             rec.PaymentDate,
		Warnings:                rec.Warnings,
	}, nil
}

// toRemittanceClaim maps one CLP block; the patient control number is
// hashed and the raw value dropped.
func (p *Pipeline) toRemittanceClaim(rec x12.RemittanceClaimRecord) *remittance.RemittanceClaim {
	rc := &remittance.RemittanceClaim{
		ID:                    uuid.New(),
		ClaimControlNumber:    rec.ClaimControlNumber,
		PayerClaimNumber:      rec.PayerClaimNumber,
		ClaimStatusCode:       rec.ClaimStatusCode,
		ChargeAmount:          rec.ChargeAmount,
		PaidAmount:            rec.PaidAmount,
		PatientResponsibility: rec.PatientResponsibility,
		HashedPatientID:       p.d.Hasher.Hash(rec.PatientControlNumber),
		ServiceDate:           rec.ServiceDate,
	}
	for _, a := range rec.Adjustments {
		rc.Adjustments = append(rc.Adjustments, remittance.Adjustment{
			ID:                uuid.New(),
			RemittanceClaimID: rc.ID,
			GroupCode:         a.GroupCode,
			ReasonCode:        a.ReasonCode,
			Amount:            a.Amount,
			Quantity:          a.Quantity,
		})
	}
	for _, sl := range rec.ServiceLines {
		svc := remittance.RemittanceService{
			ID:                uuid.New(),
			RemittanceClaimID: rc.ID,
			ProcedureCode:     sl.ProcedureCode,
			Modifiers:         sl.Modifiers,
			ChargeAmount:      sl.ChargeAmount,
			PaidAmount:        sl.PaidAmount,
			Units:             sl.Units,
		}
		for _, a := range sl.Adjustments {
			svcID := svc.ID
			svc.Adjustments = append(svc.Adjustments, remittance.Adjustment{
				ID:                  uuid.New(),
				RemittanceClaimID:   rc.ID,
				RemittanceServiceID: &svcID,
				GroupCode:           a.GroupCode,
				ReasonCode:          a.ReasonCode,
				Amount:              a.Amount,
				Quantity:            a.Quantity,
			})
		}
		rc.ServiceLines = append(rc.ServiceLines, svc)
	}
	return rc
}
