package risk

import (
	"context"

	"github.com/claimrisk/claimrisk/internal/domain/claim"
)

// Factor produces one sub-score for a claim. Implementations swallow
// their own errors: a factor that cannot evaluate returns weight 0 with
// a reason rather than failing the scorer.
type Factor interface {
	Name() string
	Evaluate(ctx context.Context, cl *claim.Claim) FactorResult
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
