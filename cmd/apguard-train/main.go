// Command apguard-train fits the fake-AP classifier from a labelled CSV of
// scans and writes the model artifact the service loads at startup.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/shortontech/apguard/internal/training"
	"github.com/shortontech/apguard/pkg/config"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("apguard-train: %v", err)
	}
}

func run(args []string, stdout io.Writer) error {
	cfg := config.Load()
	defaults := training.DefaultOptions()

	fs := flag.NewFlagSet("apguard-train", flag.ContinueOnError)
	data := fs.String("data", "wifi_dataset.csv", "labelled CSV with signal, channel, security, vendor, ssid and is_fake columns")
	out := fs.String("out", cfg.ModelPath, "where to write the model (.json)")
	estimators := fs.Int("estimators", defaults.Boosting.NEstimators, "number of boosting stages")
	learningRate := fs.Float64("learning-rate", defaults.Boosting.LearningRate, "shrinkage applied to each stage")
	maxDepth := fs.Int("max-depth", defaults.Boosting.MaxDepth, "maximum depth of each regression tree")
	testSize := fs.Float64("test-size", defaults.TestSize, "share of rows held out for scoring")
	seed := fs.Int64("seed", defaults.Seed, "shuffle seed for the train/test split")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *testSize < 0 || *testSize >= 1 {
		return fmt.Errorf("-test-size must be in [0, 1), got %v", *testSize)
	}

	f, err := os.Open(*data)
	if err != nil {
		return fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	samples, err := training.ReadCSV(f)
	if err != nil {
		return err
	}
	log.Printf("train: read %d samples from %s", len(samples), *data)

	opts := defaults
	opts.TestSize = *testSize
	opts.Seed = *seed
	opts.Boosting.NEstimators = *estimators
	opts.Boosting.LearningRate = *learningRate
	opts.Boosting.MaxDepth = *maxDepth

	res, err := training.Train(samples, opts)
	if err != nil {
		return err
	}
	log.Printf("train: fitted on %d samples, scored on %d", res.TrainSize, res.TestSize)

	var score *float64
	if res.TestSize > 0 {
		score = &res.TestScore
		fmt.Fprintln(stdout, "test score", res.TestScore)
	}
	if err := res.Classifier.Save(*out, score); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "model saved: %s\n", *out)
	return nil
}
