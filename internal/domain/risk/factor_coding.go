package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/claimrisk/claimrisk/internal/domain/claim"
)

// Coding penalties.
const (
	penaltyInvalidProcedure = 25
	capInvalidProcedure     = 50
	penaltyInvalidDiagnosis = 15
	capInvalidDiagnosis     = 30
	penaltyMissingModifier  = 10
	penaltyUnitMismatch     = 10
)

// lateralityProcedures are site-specific procedures that are routinely
// denied without an LT/RT/50 modifier.
var lateralityProcedures = map[string]struct{}{
	"20610": {}, // major joint injection
	"27447": {}, // total knee arthroplasty
	"64483": {}, // lumbar transforaminal injection
	"66984": {}, // cataract extraction with IOL
	"69210": {}, // cerumen removal
}

// CodingFactor penalizes invalid or incomplete coding on the claim's
// lines and diagnoses.
type CodingFactor struct {
	weight float64
}

func NewCodingFactor(weight float64) *CodingFactor {
	return &CodingFactor{weight: weight}
}

func (f *CodingFactor) Name() string { return "coding" }

func (f *CodingFactor) Evaluate(_ context.Context, cl *claim.Claim) FactorResult {
	var reasons []string

	procPenalty := 0.0
	for _, l := range cl.Lines {
		if !l.ProcedureCodeValid {
			procPenalty += penaltyInvalidProcedure
			reasons = append(reasons, fmt.Sprintf("invalid procedure code %s on line %d", l.ProcedureCode, l.LineNumber))
		}
	}
	procPenalty = clamp(procPenalty, 0, capInvalidProcedure)

	dxPenalty := 0.0
	for _, d := range cl.Diagnoses {
		if !d.Valid {
			dxPenalty += penaltyInvalidDiagnosis
			reasons = append(reasons, fmt.Sprintf("invalid diagnosis code %s", d.Code))
		}
	}
	dxPenalty = clamp(dxPenalty, 0, capInvalidDiagnosis)

	score := procPenalty + dxPenalty
	for _, l := range cl.Lines {
		if needsModifier(l) {
			score += penaltyMissingModifier
			reasons = append(reasons, fmt.Sprintf("procedure %s requires a modifier", l.ProcedureCode))
		}
		if unitsInconsistent(l) {
			score += penaltyUnitMismatch
			reasons = append(reasons, fmt.Sprintf("unit count %s inconsistent with procedure %s", l.Units, l.ProcedureCode))
		}
	}

	return FactorResult{
		Name:    f.Name(),
		Score:   clamp(score, 0, 100),
		Weight:  f.weight,
		Reasons: reasons,
	}
}

func needsModifier(l claim.Line) bool {
	if _, ok := lateralityProcedures[l.ProcedureCode]; !ok {
		return false
	}
	return len(l.Modifiers) == 0
}

// unitsInconsistent flags non-positive units anywhere and multi-unit
// billing of evaluation-and-management visits, which are once per
// encounter.
func unitsInconsistent(l claim.Line) bool {
	if l.Units.LessThanOrEqual(decimal.Zero) {
		return true
	}
	if strings.HasPrefix(l.ProcedureCode, "99") && len(l.ProcedureCode) == 5 {
		return !l.Units.Equal(decimal.NewFromInt(1))
	}
	return false
}
