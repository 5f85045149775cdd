// Package model loads the persisted fake-AP classifier and exposes it as a
// probability-estimation capability over feature records.
package model

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shortontech/apguard/internal/features"
)

// Classifier estimates, for each record, the probability that it describes
// a fake access point. Results are one per record in input order.
// Implementations must be safe for concurrent use.
type Classifier interface {
	PredictProba(batch []features.Record) ([]float64, error)
}

// ErrUnsupportedFormat is returned by Load for unknown file extensions.
var ErrUnsupportedFormat = errors.New("unsupported model format")

// Load reads a classifier artifact, choosing the backend by extension:
// ".json" for the native gradient-boosted model, ".onnx" for an ONNX
// export with a YAML sidecar. It never panics; on failure the returned
// classifier is nil and the error says why.
func Load(path string) (c Classifier, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("load model %s: %v", path, r)
		}
	}()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		n, err := LoadNative(path)
		if err != nil {
			return nil, err
		}
		return n, nil
	case ".onnx":
		o, err := LoadONNX(path)
		if err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
	}
}
