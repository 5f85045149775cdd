package model

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shortontech/apguard/internal/features"
)

// cachedClassifier memoizes per-record probabilities. A fitted classifier
// is a pure function of the record, so a hit is always what the wrapped
// classifier would have returned.
type cachedClassifier struct {
	inner Classifier
	cache *lru.Cache[features.Record, float64]
}

// Cached wraps c with an LRU of the given size. A size <= 0 returns c
// unchanged.
func Cached(c Classifier, size int) (Classifier, error) {
	if size <= 0 || c == nil {
		return c, nil
	}
	cache, err := lru.New[features.Record, float64](size)
	if err != nil {
		return nil, fmt.Errorf("create prediction cache: %w", err)
	}
	return &cachedClassifier{inner: c, cache: cache}, nil
}

// PredictProba submits only the cache misses to the wrapped classifier, in
// one batch. Any error from it fails the whole call.
func (c *cachedClassifier) PredictProba(batch []features.Record) ([]float64, error) {
	out := make([]float64, len(batch))
	var missIdx []int
	var misses []features.Record
	for i, r := range batch {
		if p, ok := c.cache.Get(r); ok {
			out[i] = p
			continue
		}
		missIdx = append(missIdx, i)
		misses = append(misses, r)
	}
	if len(misses) == 0 {
		return out, nil
	}

	probs, err := c.inner.PredictProba(misses)
	if err != nil {
		return nil, err
	}
	if len(probs) != len(misses) {
		return nil, fmt.Errorf("classifier returned %d probabilities for %d records", len(probs), len(misses))
	}
	for j, p := range probs {
		out[missIdx[j]] = p
		if p >= 0 && p <= 1 {
			c.cache.Add(misses[j], p)
		}
	}
	return out, nil
}
