package risk

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/claimrisk/claimrisk/internal/domain/claim"
	"github.com/claimrisk/claimrisk/internal/domain/pattern"
)

// PatternSource serves the learned denial patterns for one payer.
type PatternSource interface {
	ByPayer(ctx context.Context, payerID uuid.UUID) ([]*pattern.DenialPattern, error)
}

// PatternFactor accumulates frequency x confidence over every learned
// pattern that applies to the claim.
type PatternFactor struct {
	patterns PatternSource
	weight   float64
}

func NewPatternFactor(patterns PatternSource, weight float64) *PatternFactor {
	return &PatternFactor{patterns: patterns, weight: weight}
}

func (f *PatternFactor) Name() string { return "pattern_match" }

func (f *PatternFactor) Evaluate(ctx context.Context, cl *claim.Claim) FactorResult {
	patterns, err := f.patterns.ByPayer(ctx, cl.PayerID)
	if err != nil {
		return FactorResult{
			Name:    f.Name(),
			Weight:  0,
			Reasons: []string{"denial patterns unavailable"},
		}
	}

	var score float64
	var reasons []string
	for _, p := range patterns {
		if !patternApplies(p, cl) {
			continue
		}
		score += p.Frequency * p.Confidence * 100
		reasons = append(reasons, fmt.Sprintf(
			"payer denial pattern: reason %s (confidence %.2f)", p.DenialReasonCode, p.Confidence))
	}

	return FactorResult{
		Name:    f.Name(),
		Score:   clamp(score, 0, 100),
		Weight:  f.weight,
		Reasons: reasons,
	}
}

// patternApplies checks the pattern's refinements against the claim: a
// set procedure_code must match some line, a set diagnosis_code some
// diagnosis. A pattern with no refinements applies to every claim of
// its payer.
func patternApplies(p *pattern.DenialPattern, cl *claim.Claim) bool {
	if p.ProcedureCode != nil {
		found := false
		for _, l := range cl.Lines {
			if l.ProcedureCode == *p.ProcedureCode {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if p.DiagnosisCode != nil {
		found := false
		for _, d := range cl.Diagnoses {
			if d.Code == *p.DiagnosisCode {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
