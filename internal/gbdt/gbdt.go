// Package gbdt implements a binary gradient-boosted decision tree
// classifier with log-loss, the model family apguard is trained with.
package gbdt

import (
	"errors"
	"fmt"
	"math"
)

// ErrNotFitted is returned when predicting with a model that has no trees
// or no feature count.
var ErrNotFitted = errors.New("gbdt: model not fitted")

// Options controls boosting.
type Options struct {
	NEstimators    int
	LearningRate   float64
	MaxDepth       int
	MinSamplesLeaf int
}

// DefaultOptions matches the settings the production model is trained with.
func DefaultOptions() Options {
	return Options{
		NEstimators:    150,
		LearningRate:   0.08,
		MaxDepth:       3,
		MinSamplesLeaf: 1,
	}
}

// Model is a fitted ensemble. It is immutable after Fit or unmarshal and
// safe for concurrent use.
type Model struct {
	NFeatures    int     `json:"n_features"`
	Init         float64 `json:"init"`
	LearningRate float64 `json:"learning_rate"`
	Trees        []Tree  `json:"trees"`
}

// Fit trains a model on rows x with labels y in {0, 1}.
func Fit(x [][]float64, y []int, opts Options) (*Model, error) {
	if len(x) == 0 {
		return nil, errors.New("gbdt: no training rows")
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("gbdt: %d rows but %d labels", len(x), len(y))
	}
	if opts.NEstimators <= 0 || opts.LearningRate <= 0 || opts.MaxDepth <= 0 {
		return nil, fmt.Errorf("gbdt: invalid options %+v", opts)
	}
	if opts.MinSamplesLeaf <= 0 {
		opts.MinSamplesLeaf = 1
	}

	width := len(x[0])
	if width == 0 {
		return nil, errors.New("gbdt: rows have no features")
	}
	positives := 0
	for i, row := range x {
		if len(row) != width {
			return nil, fmt.Errorf("gbdt: row %d has %d features, want %d", i, len(row), width)
		}
		switch y[i] {
		case 0:
		case 1:
			positives++
		default:
			return nil, fmt.Errorf("gbdt: label %d at row %d is not 0 or 1", y[i], i)
		}
	}
	if positives == 0 || positives == len(y) {
		return nil, errors.New("gbdt: training data must contain both classes")
	}

	prior := float64(positives) / float64(len(y))
	m := &Model{
		NFeatures:    width,
		Init:         math.Log(prior / (1 - prior)),
		LearningRate: opts.LearningRate,
		Trees:        make([]Tree, 0, opts.NEstimators),
	}

	raw := make([]float64, len(x))
	for i := range raw {
		raw[i] = m.Init
	}
	all := make([]int, len(x))
	for i := range all {
		all[i] = i
	}
	residual := make([]float64, len(x))
	hessian := make([]float64, len(x))

	for stage := 0; stage < opts.NEstimators; stage++ {
		for i := range x {
			p := sigmoid(raw[i])
			residual[i] = float64(y[i]) - p
			hessian[i] = p * (1 - p)
		}
		b := &builder{x: x, residual: residual, hessian: hessian, opts: opts}
		b.build(all, 0)
		tree := Tree{Nodes: b.nodes}
		m.Trees = append(m.Trees, tree)
		for i, row := range x {
			raw[i] += opts.LearningRate * tree.predict(row)
		}
	}
	return m, nil
}

// PredictProba returns the probability of class 1 for each row.
func (m *Model) PredictProba(x [][]float64) ([]float64, error) {
	if m == nil || m.NFeatures == 0 || len(m.Trees) == 0 {
		return nil, ErrNotFitted
	}
	out := make([]float64, len(x))
	for i, row := range x {
		if len(row) != m.NFeatures {
			return nil, fmt.Errorf("gbdt: row %d has %d features, model expects %d", i, len(row), m.NFeatures)
		}
		raw := m.Init
		for _, t := range m.Trees {
			raw += m.LearningRate * t.predict(row)
		}
		out[i] = sigmoid(raw)
	}
	return out, nil
}

// Validate checks the structure of a model read from disk, so that
// prediction cannot index out of range.
func (m *Model) Validate() error {
	if m == nil || m.NFeatures <= 0 || len(m.Trees) == 0 {
		return ErrNotFitted
	}
	for i, t := range m.Trees {
		if err := t.validate(m.NFeatures); err != nil {
			return fmt.Errorf("gbdt: tree %d: %w", i, err)
		}
	}
	return nil
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}
