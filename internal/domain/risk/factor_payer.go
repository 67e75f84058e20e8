package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/claimrisk/claimrisk/internal/domain/claim"
)

// DenialRateSource serves the payer's historical denial rate over the
// trailing window. The production source is the payer service, which
// caches the rate for 24 hours.
type DenialRateSource interface {
	DenialRate(ctx context.Context, payerID uuid.UUID) (float64, error)
}

// PayerRule adds a delta when its predicate matches the claim.
type PayerRule struct {
	Description string
	Matches     func(cl *claim.Claim) bool
	Delta       float64
}

// PayerFactor scores the payer's historical behavior: a base from the
// denial rate plus per-payer rule deltas.
type PayerFactor struct {
	rates  DenialRateSource
	rules  []PayerRule
	weight float64
}

func NewPayerFactor(rates DenialRateSource, rules []PayerRule, weight float64) *PayerFactor {
	return &PayerFactor{rates: rates, rules: rules, weight: weight}
}

func (f *PayerFactor) Name() string { return "payer" }

func (f *PayerFactor) Evaluate(ctx context.Context, cl *claim.Claim) FactorResult {
	rate, err := f.rates.DenialRate(ctx, cl.PayerID)
	if err != nil {
		return FactorResult{
			Name:    f.Name(),
			Weight:  0,
			Reasons: []string{"payer denial rate unavailable"},
		}
	}
	score := clamp(math.Round(rate*100), 0, 100)
	reasons := []string{fmt.Sprintf("historical denial rate %.1f%%", rate*100)}
	for _, rule := range f.rules {
		if rule.Matches != nil && rule.Matches(cl) {
			score = clamp(score+rule.Delta, 0, 100)
			reasons = append(reasons, rule.Description)
		}
	}
	return FactorResult{Name: f.Name(), Score: score, Weight: f.weight, Reasons: reasons}
}
