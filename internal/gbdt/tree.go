package gbdt

import (
	"errors"
	"fmt"
	"sort"
)

// Node is one node of a regression tree. Children always have a larger
// index than their parent; leaves carry Value.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
	Leaf      bool    `json:"leaf"`
}

// Tree is a regression tree stored as a flat node slice, root at 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t Tree) predict(x []float64) float64 {
	idx := 0
	for {
		n := t.Nodes[idx]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			idx = n.Left
		} else {
			idx = n.Right
		}
	}
}

func (t Tree) validate(nFeatures int) error {
	if len(t.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Leaf {
			continue
		}
		if n.Feature < 0 || n.Feature >= nFeatures {
			return fmt.Errorf("node %d: feature %d out of range", i, n.Feature)
		}
		if n.Left <= i || n.Left >= len(t.Nodes) || n.Right <= i || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d: invalid children %d/%d", i, n.Left, n.Right)
		}
	}
	return nil
}

// builder grows one tree on the current residuals.
type builder struct {
	x        [][]float64
	residual []float64
	hessian  []float64
	opts     Options
	nodes    []Node
}

func (b *builder) build(idx []int, depth int) int {
	self := len(b.nodes)
	b.nodes = append(b.nodes, Node{})

	if depth < b.opts.MaxDepth && len(idx) >= 2*b.opts.MinSamplesLeaf {
		if feature, threshold, ok := b.bestSplit(idx); ok {
			var left, right []int
			for _, i := range idx {
				if b.x[i][feature] <= threshold {
					left = append(left, i)
				} else {
					right = append(right, i)
				}
			}
			l := b.build(left, depth+1)
			r := b.build(right, depth+1)
			b.nodes[self] = Node{Feature: feature, Threshold: threshold, Left: l, Right: r}
			return self
		}
	}

	b.nodes[self] = Node{Feature: -1, Left: -1, Right: -1, Leaf: true, Value: b.leafValue(idx)}
	return self
}

// bestSplit finds the split that minimises squared error of the residuals,
// i.e. maximises sumL²/nL + sumR²/nR.
func (b *builder) bestSplit(idx []int) (int, float64, bool) {
	var total float64
	for _, i := range idx {
		total += b.residual[i]
	}
	n := float64(len(idx))
	bestGain := total * total / n
	bestFeature, bestThreshold, found := -1, 0.0, false

	sorted := make([]int, len(idx))
	nFeatures := len(b.x[idx[0]])
	for f := 0; f < nFeatures; f++ {
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, c int) bool { return b.x[sorted[a]][f] < b.x[sorted[c]][f] })

		var sumLeft float64
		for k := 1; k < len(sorted); k++ {
			sumLeft += b.residual[sorted[k-1]]
			lo, hi := b.x[sorted[k-1]][f], b.x[sorted[k]][f]
			if lo == hi {
				continue
			}
			if k < b.opts.MinSamplesLeaf || len(sorted)-k < b.opts.MinSamplesLeaf {
				continue
			}
			nl, nr := float64(k), float64(len(sorted)-k)
			sumRight := total - sumLeft
			gain := sumLeft*sumLeft/nl + sumRight*sumRight/nr
			if gain > bestGain+1e-12 {
				bestGain = gain
				bestFeature = f
				bestThreshold = lo + (hi-lo)/2
				found = true
			}
		}
	}
	return bestFeature, bestThreshold, found
}

// leafValue is a single Newton-Raphson step for the log-loss.
func (b *builder) leafValue(idx []int) float64 {
	var num, den float64
	for _, i := range idx {
		num += b.residual[i]
		den += b.hessian[i]
	}
	if den < 1e-150 {
		return 0
	}
	return num / den
}
