// Package risk scores claims for denial risk. A score is the weighted
// sum of independent factors (payer history, coding, documentation,
// learned denial patterns, ML), each returning 0-100 with an explanation
// trail. Scoring is deterministic for a fixed database and cache
// snapshot.
package risk

import (
	"time"

	"github.com/google/uuid"
)

// Risk levels, derived from the overall score. Boundary scores resolve
// upward: exactly 25 is medium.
const (
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

// LevelFor maps an overall score to its level.
func LevelFor(score int) string {
	switch {
	case score < 25:
		return LevelLow
	case score < 50:
		return LevelMedium
	case score < 75:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Default factor weights. They sum to 1.0 and are settable at scorer
// construction.
const (
	WeightPayer         = 0.20
	WeightCoding        = 0.25
	WeightDocumentation = 0.20
	WeightPattern       = 0.20
	WeightML            = 0.15
)

// FactorResult is one factor's contribution: a sub-score in [0,100], the
// weight it carries, and the reasons behind the number. A factor that
// cannot evaluate returns weight 0 so it contributes nothing.
type FactorResult struct {
	Name    string   `json:"name"`
	Score   float64  `json:"score"`
	Weight  float64  `json:"weight"`
	Reasons []string `json:"reasons,omitempty"`
}

// RiskScore maps to the risk_scores table. The latest row per claim is
// canonical; older rows are history. Latest resolves by calculated_at,
// ties broken by id.
type RiskScore struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	ClaimID      uuid.UUID      `db:"claim_id" json:"claim_id"`
	OverallScore int            `db:"overall_score" json:"overall_score"`
	Level        string         `db:"level" json:"level"`
	Factors      []FactorResult `db:"factors" json:"factors"`
	CalculatedAt time.Time      `db:"calculated_at" json:"calculated_at"`
}
