package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
	"gopkg.in/yaml.v3"

	"github.com/shortontech/apguard/internal/features"
)

// onnxMeta is the YAML sidecar that travels with an ONNX export
// (model.onnx -> model.yaml).
type onnxMeta struct {
	Input         string  `yaml:"input"`
	Output        string  `yaml:"output"`
	PositiveIndex int     `yaml:"positive_index"`
	Classes       int     `yaml:"classes"`
	Encoder       Encoder `yaml:"encoder"`
}

// ONNX runs an exported classifier through onnxruntime. The session is
// shared; tensors are allocated per call, so PredictProba is safe for
// concurrent use.
type ONNX struct {
	session *ort.DynamicAdvancedSession
	meta    onnxMeta
}

// LoadONNX opens path and its sidecar metadata.
func LoadONNX(path string) (*ONNX, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model file missing at %s: %w", path, err)
	}
	meta, err := loadONNXMeta(sidecarPath(path))
	if err != nil {
		return nil, fmt.Errorf("load model metadata: %w", err)
	}

	libPath := resolveSharedLibraryPath(filepath.Dir(path))
	if libPath == "" {
		return nil, errors.New("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path, []string{meta.Input}, []string{meta.Output}, nil)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return &ONNX{session: session, meta: meta}, nil
}

// PredictProba implements Classifier.
func (o *ONNX) PredictProba(batch []features.Record) ([]float64, error) {
	if len(batch) == 0 {
		return []float64{}, nil
	}
	width := o.meta.Encoder.Width()
	data := make([]float32, 0, len(batch)*width)
	for _, r := range batch {
		for _, v := range o.meta.Encoder.Encode(r) {
			data = append(data, float32(v))
		}
	}

	input, err := ort.NewTensor(ort.NewShape(int64(len(batch)), int64(width)), data)
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(len(batch)), int64(o.meta.Classes)))
	if err != nil {
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}
	defer output.Destroy()

	if err := o.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	raw := output.GetData()
	probs := make([]float64, len(batch))
	for i := range probs {
		probs[i] = float64(raw[i*o.meta.Classes+o.meta.PositiveIndex])
	}
	return probs, nil
}

// Close releases the session.
func (o *ONNX) Close() error {
	if o == nil || o.session == nil {
		return nil
	}
	return o.session.Destroy()
}

func sidecarPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".yaml"
}

func loadONNXMeta(path string) (onnxMeta, error) {
	meta := onnxMeta{Input: "input", Output: "probabilities", PositiveIndex: 1, Classes: 2}
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return meta, err
	}
	if meta.Classes < 2 {
		return meta, fmt.Errorf("classes must be at least 2, got %d", meta.Classes)
	}
	if meta.PositiveIndex < 0 || meta.PositiveIndex >= meta.Classes {
		return meta, fmt.Errorf("positive_index %d out of range for %d classes", meta.PositiveIndex, meta.Classes)
	}
	if len(meta.Encoder.Security) == 0 && len(meta.Encoder.Vendor) == 0 {
		return meta, errors.New("encoder categories missing")
	}
	return meta, nil
}

// resolveSharedLibraryPath locates the onnxruntime shared library.
// ONNXRUNTIME_SHARED_LIBRARY_PATH wins; otherwise common names and
// locations are probed, starting next to the model.
func resolveSharedLibraryPath(modelDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.so",
		"onnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelDir,
		filepath.Join(modelDir, "lib"),
		"/usr/local/lib",
		"/usr/lib",
		"/opt/homebrew/lib",
	}
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
