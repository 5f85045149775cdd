package model

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shortontech/apguard/internal/features"
	"github.com/shortontech/apguard/internal/gbdt"
)

const (
	nativeFormat  = "apguard/gbdt"
	nativeVersion = 1
)

// artifact is the on-disk layout of a native model file.
type artifact struct {
	Format    string      `json:"format"`
	Version   int         `json:"version"`
	TrainedAt string      `json:"trained_at,omitempty"`
	TestScore *float64    `json:"test_score,omitempty"`
	Encoder   Encoder     `json:"encoder"`
	Model     *gbdt.Model `json:"model"`
}

// Native is the in-process gradient-boosted classifier.
type Native struct {
	encoder Encoder
	model   *gbdt.Model
}

// NewNative pairs a fitted model with the encoder it was trained behind.
func NewNative(enc Encoder, m *gbdt.Model) *Native {
	return &Native{encoder: enc, model: m}
}

// PredictProba implements Classifier.
func (n *Native) PredictProba(batch []features.Record) ([]float64, error) {
	return n.model.PredictProba(n.encoder.EncodeBatch(batch))
}

// Encoder returns the column layout of the model.
func (n *Native) Encoder() Encoder { return n.encoder }

// Save writes the model as JSON. testScore is recorded when non-nil.
func (n *Native) Save(path string, testScore *float64) error {
	payload, err := json.Marshal(artifact{
		Format:    nativeFormat,
		Version:   nativeVersion,
		TrainedAt: time.Now().UTC().Format(time.RFC3339),
		TestScore: testScore,
		Encoder:   n.encoder,
		Model:     n.model,
	})
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("write model %s: %w", path, err)
	}
	return nil
}

// LoadNative reads and validates a native model file.
func LoadNative(path string) (*Native, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}
	var a artifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if a.Format != nativeFormat {
		return nil, fmt.Errorf("%w: %s has format %q", ErrUnsupportedFormat, path, a.Format)
	}
	if a.Version != nativeVersion {
		return nil, fmt.Errorf("%w: %s has version %d", ErrUnsupportedFormat, path, a.Version)
	}
	if err := a.Model.Validate(); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	if w := a.Encoder.Width(); w != a.Model.NFeatures {
		return nil, fmt.Errorf("model %s: encoder width %d does not match %d model features", path, w, a.Model.NFeatures)
	}
	return NewNative(a.Encoder, a.Model), nil
}
