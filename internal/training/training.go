// Package training fits the fake-AP classifier from a labelled CSV of scan
// observations.
package training

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"github.com/shortontech/apguard/internal/features"
	"github.com/shortontech/apguard/internal/gbdt"
	"github.com/shortontech/apguard/internal/model"
	"github.com/shortontech/apguard/internal/scan"
)

// Columns every dataset must carry. Extra columns (bssid, notes, ...) are
// ignored.
var requiredColumns = []string{"signal", "channel", "security", "vendor", "ssid", "is_fake"}

// Sample is one labelled observation.
type Sample struct {
	Record features.Record
	IsFake bool
}

// Options controls a training run.
type Options struct {
	TestSize float64
	Seed     int64
	Boosting gbdt.Options
}

// DefaultOptions is an 80/20 split with seed 42 and the default boosting
// settings.
func DefaultOptions() Options {
	return Options{TestSize: 0.2, Seed: 42, Boosting: gbdt.DefaultOptions()}
}

// Result is a fitted classifier and how it scored on the held-out split.
type Result struct {
	Classifier *model.Native
	TestScore  float64
	TrainSize  int
	TestSize   int
}

// ReadCSV parses a dataset. Each row goes through features.Extract, so the
// classifier is trained on exactly the records the service derives at
// request time.
func ReadCSV(r io.Reader) ([]Sample, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var samples []Sample
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		label, err := parseLabel(row[col["is_fake"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		obs := scan.Observation{
			SSID:     scan.NewField(row[col["ssid"]]),
			Signal:   numericField(row[col["signal"]]),
			Channel:  numericField(row[col["channel"]]),
			Security: scan.NewField(row[col["security"]]),
			Vendor:   scan.NewField(row[col["vendor"]]),
		}
		samples = append(samples, Sample{Record: features.Extract(obs), IsFake: label})
	}
	if len(samples) == 0 {
		return nil, errors.New("dataset has no rows")
	}
	return samples, nil
}

// Split shuffles samples with seed and holds out ceil(testSize*n) of them.
func Split(samples []Sample, testSize float64, seed int64) (train, test []Sample) {
	if testSize <= 0 || len(samples) < 2 {
		return samples, nil
	}
	nTest := int(math.Ceil(testSize * float64(len(samples))))
	if nTest >= len(samples) {
		nTest = len(samples) - 1
	}
	perm := rand.New(rand.NewSource(seed)).Perm(len(samples))
	for i, j := range perm {
		if i < nTest {
			test = append(test, samples[j])
		} else {
			train = append(train, samples[j])
		}
	}
	return train, test
}

// Train splits samples, fits the encoder and booster on the training part
// and scores accuracy on the held-out part.
func Train(samples []Sample, opts Options) (*Result, error) {
	train, test := Split(samples, opts.TestSize, opts.Seed)

	records := make([]features.Record, len(train))
	labels := make([]int, len(train))
	for i, s := range train {
		records[i] = s.Record
		if s.IsFake {
			labels[i] = 1
		}
	}

	enc := model.FitEncoder(records)
	booster, err := gbdt.Fit(enc.EncodeBatch(records), labels, opts.Boosting)
	if err != nil {
		return nil, fmt.Errorf("fit: %w", err)
	}
	clf := model.NewNative(enc, booster)

	res := &Result{Classifier: clf, TrainSize: len(train), TestSize: len(test)}
	if len(test) > 0 {
		score, err := Accuracy(clf, test)
		if err != nil {
			return nil, fmt.Errorf("score: %w", err)
		}
		res.TestScore = score
	}
	return res, nil
}

// Accuracy is the share of samples c labels correctly at the 0.5 threshold.
func Accuracy(c model.Classifier, samples []Sample) (float64, error) {
	if len(samples) == 0 {
		return 0, errors.New("no samples to score")
	}
	records := make([]features.Record, len(samples))
	for i, s := range samples {
		records[i] = s.Record
	}
	probs, err := c.PredictProba(records)
	if err != nil {
		return 0, err
	}
	if len(probs) != len(samples) {
		return 0, fmt.Errorf("got %d probabilities for %d samples", len(probs), len(samples))
	}
	correct := 0
	for i, p := range probs {
		if (p > 0.5) == samples[i].IsFake {
			correct++
		}
	}
	return float64(correct) / float64(len(samples)), nil
}

// numericField keeps integers as JSON numbers so they read the same way a
// request body would; anything else stays a string.
func numericField(v string) scan.Field {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return scan.NewField(n)
	}
	if v == "" {
		return scan.Field{}
	}
	return scan.NewField(v)
}

func parseLabel(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true, nil
	case "0", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("is_fake %q is not a 0/1 label", v)
}
