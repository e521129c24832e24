// Package ml holds the outlier-scoring ensemble, the versioned model handle
// around it, and the scheduled retraining worker.
package ml

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// TrainOptions tunes ensemble training.
type TrainOptions struct {
	// Contamination is the expected proportion of outliers in the training
	// data; it fixes the native classification threshold.
	Contamination float64
	// NumTrees is the ensemble size.
	NumTrees int
	// MaxSamples caps the subsample per tree; 0 means min(256, n).
	MaxSamples int
	// Seed makes training reproducible.
	Seed int64
}

// DefaultTrainOptions mirrors the production training configuration.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		Contamination: 0.05,
		NumTrees:      150,
		MaxSamples:    0,
		Seed:          42,
	}
}

var errEmptyTrainingSet = errors.New("ml: empty training set")

// node is one split (or leaf) of an isolation tree. Exported fields so the
// whole tree gobs cleanly.
type node struct {
	Feature int
	Split   float64
	Size    int
	Left    *node
	Right   *node
}

// Forest is an isolation-forest-style ensemble: points isolated by fewer
// random partitions score as more anomalous.
type Forest struct {
	Trees       []*node
	Subsample   int
	NumFeatures int
	// Offset is the decision threshold learned from the contamination
	// quantile of the training scores; decision values below it classify
	// as outliers.
	Offset float64
}

const eulerMascheroni = 0.5772156649

// avgPathLength is c(n), the expected path length of an unsuccessful BST
// search over n points; it normalizes tree depths.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerMascheroni) - 2*(fn-1)/fn
}

func buildTree(rng *rand.Rand, rows [][]float64, depth, maxDepth int) *node {
	if len(rows) <= 1 || depth >= maxDepth {
		return &node{Feature: -1, Size: len(rows)}
	}

	nf := len(rows[0])
	// Pick among features that still vary in this partition.
	candidates := make([]int, 0, nf)
	for f := 0; f < nf; f++ {
		lo, hi := rows[0][f], rows[0][f]
		for _, r := range rows[1:] {
			if r[f] < lo {
				lo = r[f]
			}
			if r[f] > hi {
				hi = r[f]
			}
		}
		if hi > lo {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return &node{Feature: -1, Size: len(rows)}
	}

	f := candidates[rng.Intn(len(candidates))]
	lo, hi := rows[0][f], rows[0][f]
	for _, r := range rows[1:] {
		if r[f] < lo {
			lo = r[f]
		}
		if r[f] > hi {
			hi = r[f]
		}
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, r := range rows {
		if r[f] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &node{Feature: -1, Size: len(rows)}
	}

	return &node{
		Feature: f,
		Split:   split,
		Size:    len(rows),
		Left:    buildTree(rng, left, depth+1, maxDepth),
		Right:   buildTree(rng, right, depth+1, maxDepth),
	}
}

func pathLength(n *node, x []float64, depth float64) float64 {
	if n.Feature < 0 {
		return depth + avgPathLength(n.Size)
	}
	if x[n.Feature] < n.Split {
		return pathLength(n.Left, x, depth+1)
	}
	return pathLength(n.Right, x, depth+1)
}

// TrainForest fits a new ensemble over X. Rows are feature vectors of equal
// width; the caller validates the width against the feature contract.
func TrainForest(X [][]float64, opts TrainOptions) (*Forest, error) {
	if len(X) == 0 {
		return nil, errEmptyTrainingSet
	}
	if opts.NumTrees <= 0 {
		opts.NumTrees = DefaultTrainOptions().NumTrees
	}
	if opts.Contamination <= 0 || opts.Contamination >= 0.5 {
		opts.Contamination = DefaultTrainOptions().Contamination
	}
	psi := opts.MaxSamples
	if psi <= 0 || psi > len(X) {
		psi = len(X)
		if psi > 256 {
			psi = 256
		}
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	maxDepth := int(math.Ceil(math.Log2(float64(psi))))
	if maxDepth < 1 {
		maxDepth = 1
	}

	f := &Forest{
		Trees:       make([]*node, 0, opts.NumTrees),
		Subsample:   psi,
		NumFeatures: len(X[0]),
	}
	for t := 0; t < opts.NumTrees; t++ {
		sample := make([][]float64, psi)
		for i := range sample {
			sample[i] = X[rng.Intn(len(X))]
		}
		f.Trees = append(f.Trees, buildTree(rng, sample, 0, maxDepth))
	}

	// Learn the classification offset as the contamination quantile of the
	// training decision values.
	raws := make([]float64, len(X))
	for i, x := range X {
		raws[i] = f.rawScore(x)
	}
	sort.Float64s(raws)
	idx := int(opts.Contamination * float64(len(raws)))
	if idx >= len(raws) {
		idx = len(raws) - 1
	}
	f.Offset = raws[idx]

	return f, nil
}

// rawScore is 0.5 - s(x) where s is the isolation-forest anomaly score:
// higher values mean more normal.
func (f *Forest) rawScore(x []float64) float64 {
	var total float64
	for _, t := range f.Trees {
		total += pathLength(t, x, 0)
	}
	avg := total / float64(len(f.Trees))
	c := avgPathLength(f.Subsample)
	if c == 0 {
		return 0
	}
	s := math.Pow(2, -avg/c)
	return 0.5 - s
}

// Decision returns the offset-adjusted decision value for one vector:
// positive means inlier, negative outlier.
func (f *Forest) Decision(x []float64) float64 {
	return f.rawScore(x) - f.Offset
}

// Classify returns the ensemble's native label: +1 inlier, -1 outlier.
func (f *Forest) Classify(x []float64) int {
	if f.rawScore(x) < f.Offset {
		return -1
	}
	return 1
}

// Encode serializes the ensemble for the model artifact.
func (f *Forest) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return nil, fmt.Errorf("encode forest: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeForest deserializes an ensemble produced by Encode.
func DecodeForest(data []byte) (*Forest, error) {
	var f Forest
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode forest: %w", err)
	}
	return &f, nil
}
