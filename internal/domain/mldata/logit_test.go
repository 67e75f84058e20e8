package mldata

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// syntheticRows builds a separable dataset: claims with invalid codes and
// no service date are denied, clean claims are paid.
func syntheticRows(n int) []Row {
	rows := make([]Row, 0, n)
	for i := 0; i < n; i++ {
		denied := i%2 == 0
		r := Row{
			EpisodeID:      uuid.New(),
			ClaimID:        uuid.New(),
			TotalCharge:    500 + float64(i%7)*100,
			LineCount:      1 + i%3,
			DiagnosisCount: 1 + i%2,
			HasServiceDate: !denied,
			Denied:         denied,
		}
		if denied {
			r.InvalidProcedures = 2
			r.InvalidDiagnoses = 1
		}
		rows = append(rows, r)
	}
	return rows
}

func TestTrainSeparatesClasses(t *testing.T) {
	rows := syntheticRows(200)
	m, err := Train(rows, DefaultTrainConfig())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	metrics, err := Evaluate(m, rows)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if metrics.Accuracy < 0.95 {
		t.Errorf("expected a separable dataset to fit, accuracy = %.3f", metrics.Accuracy)
	}
	if metrics.Rows != 200 {
		t.Errorf("rows = %d", metrics.Rows)
	}
}

func TestTrainRejectsEmptyInput(t *testing.T) {
	if _, err := Train(nil, DefaultTrainConfig()); err == nil {
		t.Fatal("expected error for empty training set")
	}
}

func TestTunePicksFiniteLoss(t *testing.T) {
	rows := syntheticRows(120)
	cfg, metrics, err := Tune(rows)
	if err != nil {
		t.Fatalf("Tune failed: %v", err)
	}
	if cfg.LearningRate <= 0 {
		t.Errorf("tuned learning rate = %v", cfg.LearningRate)
	}
	if metrics.LogLoss <= 0 {
		t.Errorf("log loss = %v", metrics.LogLoss)
	}
}

func TestModelRoundTrip(t *testing.T) {
	rows := syntheticRows(150)
	m, err := Train(rows, DefaultTrainConfig())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := LoadModel(&buf)
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	for _, r := range rows[:5] {
		if got, want := loaded.Predict(r), m.Predict(r); got != want {
			t.Errorf("round-tripped model predicts %v, original %v", got, want)
		}
	}
}

func TestQualityReport(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 3, 0)

	rep := Check(syntheticRows(200), start, end)
	if rep.Total != 200 || rep.Denied != 100 {
		t.Errorf("report = %+v", rep)
	}
	if rep.DenialRate != 0.5 {
		t.Errorf("denial rate = %v", rep.DenialRate)
	}
	if err := rep.Err(); err != nil {
		t.Errorf("healthy window flagged: %v", err)
	}

	if err := Check(syntheticRows(10), start, end).Err(); err == nil {
		t.Error("tiny window must fail validation")
	}

	allPaid := syntheticRows(200)
	for i := range allPaid {
		allPaid[i].Denied = false
	}
	if err := Check(allPaid, start, end).Err(); err == nil {
		t.Error("single-class window must fail validation")
	}
}

func TestWriteCSV(t *testing.T) {
	rows := syntheticRows(3)
	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "episode_id,claim_id,total_charge") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasSuffix(lines[0], ",denied") {
		t.Errorf("header must end with the label column: %q", lines[0])
	}
}
