package risk

import (
	"context"
	"math"

	"github.com/claimrisk/claimrisk/internal/domain/claim"
)

// Predictor is a pluggable denial-probability model. Predict maps a
// feature vector to a probability in [0,1].
type Predictor interface {
	Predict(ctx context.Context, features map[string]float64) (float64, error)
}

// MLFactor wraps the predictor. With no model loaded it returns the
// neutral score at weight 0, contributing nothing.
type MLFactor struct {
	predictor Predictor
	weight    float64
}

func NewMLFactor(predictor Predictor, weight float64) *MLFactor {
	return &MLFactor{predictor: predictor, weight: weight}
}

func (f *MLFactor) Name() string { return "ml" }

func (f *MLFactor) Evaluate(ctx context.Context, cl *claim.Claim) FactorResult {
	if f.predictor == nil {
		return FactorResult{Name: f.Name(), Score: 50, Weight: 0, Reasons: []string{"no model"}}
	}
	prob, err := f.predictor.Predict(ctx, Features(cl))
	if err != nil {
		return FactorResult{Name: f.Name(), Weight: 0, Reasons: []string{"prediction failed"}}
	}
	return FactorResult{
		Name:   f.Name(),
		Score:  clamp(math.Round(prob*100), 0, 100),
		Weight: f.weight,
	}
}

// Features extracts the model's feature vector from a claim.
func Features(cl *claim.Claim) map[string]float64 {
	total, _ := cl.TotalChargeAmount.Float64()
	invalidProcs, invalidDx := 0, 0
	for _, l := range cl.Lines {
		if !l.ProcedureCodeValid {
			invalidProcs++
		}
	}
	for _, d := range cl.Diagnoses {
		if !d.Valid {
			invalidDx++
		}
	}
	return map[string]float64{
		"total_charge":       total,
		"line_count":         float64(len(cl.Lines)),
		"diagnosis_count":    float64(len(cl.Diagnoses)),
		"invalid_procedures": float64(invalidProcs),
		"invalid_diagnoses":  float64(invalidDx),
	}
}
