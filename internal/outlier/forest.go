package outlier

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"

	"proctorguard/internal/features"
)

const eulerGamma = 0.5772156649015329

type ForestOptions struct {
	Trees      int
	SampleSize int
	Seed       uint64
}

func DefaultForestOptions() ForestOptions {
	return ForestOptions{Trees: 100, SampleSize: 256, Seed: 42}
}

type node struct {
	leaf    bool
	size    int
	feature int
	split   float64
	left    *node
	right   *node
}

// IsolationForest scores rows by how quickly random axis-aligned splits
// isolate them. It is immutable once Fit returns.
type IsolationForest struct {
	trees         []*node
	psi           int
	threshold     float64
	contamination float64
	trainedRows   int
}

func FitForest(rows []features.Row, contamination float64, opts ForestOptions) (*IsolationForest, error) {
	if len(rows) == 0 {
		return nil, errors.New("isolation forest: no rows")
	}
	if contamination <= 0 || contamination >= 0.5 {
		return nil, errors.New("isolation forest: contamination must be in (0, 0.5)")
	}
	if opts.Trees <= 0 {
		opts.Trees = 100
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = 256
	}
	psi := min(opts.SampleSize, len(rows))
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(psi), 2))))
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed))

	f := &IsolationForest{
		trees:         make([]*node, opts.Trees),
		psi:           psi,
		contamination: contamination,
		trainedRows:   len(rows),
	}
	sample := make([]features.Row, psi)
	for t := range f.trees {
		perm := rng.Perm(len(rows))
		for i := 0; i < psi; i++ {
			sample[i] = rows[perm[i]]
		}
		f.trees[t] = grow(rng, sample, 0, maxDepth)
	}

	scores := f.Scores(rows)
	f.threshold = quantile(scores, 1-contamination)
	return f, nil
}

func grow(rng *rand.Rand, rows []features.Row, depth, maxDepth int) *node {
	if depth >= maxDepth || len(rows) <= 1 {
		return &node{leaf: true, size: len(rows)}
	}
	var candidates []int
	var lo, hi [2]float64
	for j := 0; j < 2; j++ {
		lo[j], hi[j] = math.Inf(1), math.Inf(-1)
		for _, r := range rows {
			lo[j] = math.Min(lo[j], r[j])
			hi[j] = math.Max(hi[j], r[j])
		}
		if hi[j] > lo[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &node{leaf: true, size: len(rows)}
	}
	feat := candidates[rng.IntN(len(candidates))]
	split := lo[feat] + rng.Float64()*(hi[feat]-lo[feat])

	left := make([]features.Row, 0, len(rows))
	right := make([]features.Row, 0, len(rows))
	for _, r := range rows {
		if r[feat] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	return &node{
		feature: feat,
		split:   split,
		left:    grow(rng, left, depth+1, maxDepth),
		right:   grow(rng, right, depth+1, maxDepth),
	}
}

func pathLength(n *node, r features.Row) float64 {
	depth := 0.0
	for !n.leaf {
		if r[n.feature] < n.split {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return depth + averagePath(n.size)
}

// averagePath is the expected path length of an unsuccessful search in a
// binary search tree of n nodes.
func averagePath(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// Score returns the anomaly score in (0, 1]; higher is more anomalous.
func (f *IsolationForest) Score(r features.Row) float64 {
	total := 0.0
	for _, t := range f.trees {
		total += pathLength(t, r)
	}
	mean := total / float64(len(f.trees))
	c := averagePath(f.psi)
	if c == 0 {
		c = 1
	}
	return math.Pow(2, -mean/c)
}

func (f *IsolationForest) Scores(rows []features.Row) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = f.Score(r)
	}
	return out
}

// Predict reports, per row, whether the row scores above the training
// threshold.
func (f *IsolationForest) Predict(rows []features.Row) []bool {
	out := make([]bool, len(rows))
	for i, r := range rows {
		out[i] = f.Score(r) > f.threshold
	}
	return out
}

func (f *IsolationForest) Threshold() float64 {
	return f.threshold
}

func (f *IsolationForest) Contamination() float64 {
	return f.contamination
}

func (f *IsolationForest) TrainedRows() int {
	return f.trainedRows
}

// quantile uses linear interpolation between closest ranks.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
