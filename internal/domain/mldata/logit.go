package mldata

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// Model is a logistic-regression baseline over the fixed feature vector.
// Inputs are standardized with the training-set mean and deviation, so
// the artifact carries both alongside the weights.
type Model struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
	Mean    []float64 `json:"mean"`
	Stddev  []float64 `json:"stddev"`
}

// TrainConfig controls gradient descent.
type TrainConfig struct {
	Epochs       int
	LearningRate float64
	L2           float64
}

// DefaultTrainConfig returns the baseline hyperparameters.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{Epochs: 200, LearningRate: 0.1, L2: 0.001}
}

// Metrics summarize a model's fit on a dataset.
type Metrics struct {
	Accuracy float64 `json:"accuracy"`
	LogLoss  float64 `json:"log_loss"`
	Rows     int     `json:"rows"`
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// standardize computes per-column mean and deviation over the rows.
func standardize(rows []Row) (mean, std []float64) {
	n := len(FeatureNames)
	mean = make([]float64, n)
	std = make([]float64, n)
	if len(rows) == 0 {
		for i := range std {
			std[i] = 1
		}
		return mean, std
	}
	for _, r := range rows {
		for i, f := range r.Features() {
			mean[i] += f
		}
	}
	for i := range mean {
		mean[i] /= float64(len(rows))
	}
	for _, r := range rows {
		for i, f := range r.Features() {
			d := f - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(len(rows)))
		if std[i] == 0 {
			std[i] = 1
		}
	}
	return mean, std
}

func (m *Model) scaled(r Row) []float64 {
	feats := r.Features()
	out := make([]float64, len(feats))
	for i, f := range feats {
		out[i] = (f - m.Mean[i]) / m.Stddev[i]
	}
	return out
}

// Predict returns the denial probability for one row.
func (m *Model) Predict(r Row) float64 {
	z := m.Bias
	for i, x := range m.scaled(r) {
		z += m.Weights[i] * x
	}
	return sigmoid(z)
}

// Train fits the baseline with full-batch gradient descent.
func Train(rows []Row, cfg TrainConfig) (*Model, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no training rows")
	}
	if cfg.Epochs <= 0 || cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("epochs and learning rate must be positive")
	}

	mean, std := standardize(rows)
	m := &Model{
		Weights: make([]float64, len(FeatureNames)),
		Mean:    mean,
		Stddev:  std,
	}

	n := float64(len(rows))
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		grad := make([]float64, len(m.Weights))
		var gradBias float64
		for _, r := range rows {
			x := m.scaled(r)
			p := m.Predict(r)
			y := 0.0
			if r.Denied {
				y = 1.0
			}
			err := p - y
			for i := range grad {
				grad[i] += err * x[i]
			}
			gradBias += err
		}
		for i := range m.Weights {
			m.Weights[i] -= cfg.LearningRate * (grad[i]/n + cfg.L2*m.Weights[i])
		}
		m.Bias -= cfg.LearningRate * gradBias / n
	}
	return m, nil
}

// Evaluate scores the model on a labeled dataset.
func Evaluate(m *Model, rows []Row) (Metrics, error) {
	if len(rows) == 0 {
		return Metrics{}, fmt.Errorf("no evaluation rows")
	}
	const eps = 1e-12
	var correct int
	var loss float64
	for _, r := range rows {
		p := m.Predict(r)
		y := 0.0
		if r.Denied {
			y = 1.0
		}
		if (p >= 0.5) == r.Denied {
			correct++
		}
		loss += -(y*math.Log(p+eps) + (1-y)*math.Log(1-p+eps))
	}
	return Metrics{
		Accuracy: float64(correct) / float64(len(rows)),
		LogLoss:  loss / float64(len(rows)),
		Rows:     len(rows),
	}, nil
}

// Tune grid-searches learning rate and L2 strength, returning the config
// with the lowest training log loss.
func Tune(rows []Row) (TrainConfig, Metrics, error) {
	if len(rows) == 0 {
		return TrainConfig{}, Metrics{}, fmt.Errorf("no tuning rows")
	}
	rates := []float64{0.01, 0.05, 0.1, 0.5}
	l2s := []float64{0, 0.001, 0.01}

	best := DefaultTrainConfig()
	var bestMetrics Metrics
	bestLoss := math.Inf(1)
	for _, lr := range rates {
		for _, l2 := range l2s {
			cfg := TrainConfig{Epochs: 200, LearningRate: lr, L2: l2}
			m, err := Train(rows, cfg)
			if err != nil {
				return TrainConfig{}, Metrics{}, err
			}
			metrics, err := Evaluate(m, rows)
			if err != nil {
				return TrainConfig{}, Metrics{}, err
			}
			if metrics.LogLoss < bestLoss {
				bestLoss = metrics.LogLoss
				best = cfg
				bestMetrics = metrics
			}
		}
	}
	return best, bestMetrics, nil
}

// Save writes the model artifact as JSON.
func (m *Model) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// LoadModel reads a model artifact written by Save.
func LoadModel(r io.Reader) (*Model, error) {
	var m Model
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode model artifact: %w", err)
	}
	if len(m.Weights) != len(FeatureNames) {
		return nil, fmt.Errorf("model has %d weights, expected %d", len(m.Weights), len(FeatureNames))
	}
	return &m, nil
}
