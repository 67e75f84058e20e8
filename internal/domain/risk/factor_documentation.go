package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/claimrisk/claimrisk/internal/domain/claim"
)

// Documentation penalties.
const (
	penaltyNoPrincipalDx  = 40
	penaltyNoProvider     = 30
	penaltyNoSubscriber   = 20
	penaltyNoServiceDate  = 20
	penaltyChargeMismatch = 20
)

// chargeTolerance absorbs rounding differences between the line total
// and the claim total.
var chargeTolerance = decimal.RequireFromString("0.01")

// DocumentationFactor penalizes structurally incomplete claims: the
// omissions payers bounce before adjudicating at all.
type DocumentationFactor struct {
	weight float64
}

func NewDocumentationFactor(weight float64) *DocumentationFactor {
	return &DocumentationFactor{weight: weight}
}

func (f *DocumentationFactor) Name() string { return "documentation" }

func (f *DocumentationFactor) Evaluate(_ context.Context, cl *claim.Claim) FactorResult {
	var score float64
	var reasons []string

	if !hasPrincipalDiagnosis(cl) {
		score += penaltyNoPrincipalDx
		reasons = append(reasons, "missing principal diagnosis")
	}
	if cl.ProviderID == nil {
		score += penaltyNoProvider
		reasons = append(reasons, "missing billing provider NPI")
	}
	if cl.SubscriberID == "" {
		score += penaltyNoSubscriber
		reasons = append(reasons, "missing subscriber reference")
	}
	if cl.ServiceDateFrom == nil {
		score += penaltyNoServiceDate
		reasons = append(reasons, "missing service date")
	}
	if mismatch, diff := chargeMismatch(cl); mismatch {
		score += penaltyChargeMismatch
		reasons = append(reasons, fmt.Sprintf("line charges differ from claim total by %s", diff))
	}

	return FactorResult{
		Name:    f.Name(),
		Score:   clamp(score, 0, 100),
		Weight:  f.weight,
		Reasons: reasons,
	}
}

func hasPrincipalDiagnosis(cl *claim.Claim) bool {
	for _, d := range cl.Diagnoses {
		if d.Principal {
			return true
		}
	}
	return false
}

func chargeMismatch(cl *claim.Claim) (bool, decimal.Decimal) {
	if len(cl.Lines) == 0 {
		return false, decimal.Zero
	}
	sum := decimal.Zero
	for _, l := range cl.Lines {
		sum = sum.Add(l.ChargeAmount)
	}
	diff := sum.Sub(cl.TotalChargeAmount).Abs()
	return diff.GreaterThan(chargeTolerance), diff
}
