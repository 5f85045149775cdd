// Package inference turns feature records into fake-AP classifications,
// falling back to safe defaults whenever no usable classifier result exists.
package inference

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/shortontech/apguard/internal/features"
	"github.com/shortontech/apguard/internal/model"
)

// Fixed constants of the classification contract.
const (
	// DecisionThreshold is exclusive: a probability of exactly 0.5 is genuine.
	DecisionThreshold = 0.5
	// ConfidencePlaces is the number of decimals confidence is rounded to.
	ConfidencePlaces = 3
)

var (
	// ErrShapeMismatch means the classifier returned the wrong number of
	// probabilities for the batch.
	ErrShapeMismatch = errors.New("probability count does not match batch")
	// ErrInvalidProbability means a returned value was NaN or outside [0, 1].
	ErrInvalidProbability = errors.New("probability outside [0, 1]")
)

// State is how a batch was scored.
type State int

const (
	StateNoClassifier State = iota
	StateScored
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNoClassifier:
		return "no_classifier"
	case StateScored:
		return "scored"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Score is the classification of one record.
type Score struct {
	IsFake     bool
	Confidence float64
}

// Outcome holds one Score per input record, in input order. Err carries the
// failure reason when State is StateFailed.
type Outcome struct {
	State  State
	Scores []Score
	Err    error
}

// Policy classifies batches with an optional classifier fixed at
// construction. It holds no mutable state.
type Policy struct {
	classifier model.Classifier
}

// NewPolicy builds a policy. A nil classifier puts every call in the
// no-classifier state.
func NewPolicy(c model.Classifier) *Policy {
	return &Policy{classifier: c}
}

// ModelLoaded reports whether a classifier is present.
func (p *Policy) ModelLoaded() bool {
	return p != nil && p.classifier != nil
}

// Classify scores batch. It never fails: without a classifier, or when the
// classifier cannot score the batch, every record gets (false, 0).
func (p *Policy) Classify(batch []features.Record) Outcome {
	if !p.ModelLoaded() {
		return Outcome{State: StateNoClassifier, Scores: safeDefaults(len(batch))}
	}
	if len(batch) == 0 {
		return Outcome{State: StateScored, Scores: []Score{}}
	}

	res := invoke(p.classifier, batch)
	if res.err != nil {
		log.Printf("inference: classifier failed on batch of %d, using defaults: %v", len(batch), res.err)
		return Outcome{State: StateFailed, Scores: safeDefaults(len(batch)), Err: res.err}
	}

	scores := make([]Score, len(batch))
	for i, prob := range res.probabilities {
		scores[i] = Score{
			IsFake:     prob > DecisionThreshold,
			Confidence: roundConfidence(prob),
		}
	}
	return Outcome{State: StateScored, Scores: scores}
}

// invocation is the result of one classifier call: probabilities on
// success, err otherwise.
type invocation struct {
	probabilities []float64
	err           error
}

func invoke(c model.Classifier, batch []features.Record) (res invocation) {
	defer func() {
		if r := recover(); r != nil {
			res = invocation{err: fmt.Errorf("classifier panicked: %v", r)}
		}
	}()

	probs, err := c.PredictProba(batch)
	if err != nil {
		return invocation{err: fmt.Errorf("predict proba: %w", err)}
	}
	if len(probs) != len(batch) {
		return invocation{err: fmt.Errorf("%w: got %d for %d records", ErrShapeMismatch, len(probs), len(batch))}
	}
	for i, prob := range probs {
		if math.IsNaN(prob) || prob < 0 || prob > 1 {
			return invocation{err: fmt.Errorf("%w: record %d has %v", ErrInvalidProbability, i, prob)}
		}
	}
	return invocation{probabilities: probs}
}

// roundConfidence rounds the exact binary value of prob, ties to even, so
// 0.0625 becomes 0.062 rather than 0.063.
func roundConfidence(prob float64) float64 {
	d, err := decimal.NewFromString(strconv.FormatFloat(prob, 'f', ConfidencePlaces, 64))
	if err != nil {
		return prob
	}
	return d.InexactFloat64()
}

func safeDefaults(n int) []Score {
	return make([]Score, n)
}
