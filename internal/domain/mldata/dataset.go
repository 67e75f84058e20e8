// Package mldata builds the offline training dataset for the denial
// prediction baseline: episode outcomes joined to claim features. It
// backs the data-preparation and model CLI commands; nothing here runs
// in the request path.
package mldata

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Row is one labeled example: a claim's features and whether its episode
// ended denied.
type Row struct {
	EpisodeID         uuid.UUID
	ClaimID           uuid.UUID
	TotalCharge       float64
	LineCount         int
	DiagnosisCount    int
	InvalidProcedures int
	InvalidDiagnoses  int
	HasServiceDate    bool
	Denied            bool
}

// Features returns the model input vector in a fixed column order.
func (r Row) Features() []float64 {
	hasDate := 0.0
	if r.HasServiceDate {
		hasDate = 1.0
	}
	return []float64{
		r.TotalCharge,
		float64(r.LineCount),
		float64(r.DiagnosisCount),
		float64(r.InvalidProcedures),
		float64(r.InvalidDiagnoses),
		hasDate,
	}
}

// FeatureNames are the CSV column headers, aligned with Features.
var FeatureNames = []string{
	"total_charge",
	"line_count",
	"diagnosis_count",
	"invalid_procedures",
	"invalid_diagnoses",
	"has_service_date",
}

// Repository loads labeled rows for a service-date window. Only episodes
// with a terminal-ish outcome (paid, denied, partial, closed) qualify;
// open episodes have no label yet.
type Repository interface {
	Rows(ctx context.Context, start, end time.Time) ([]Row, error)
}
