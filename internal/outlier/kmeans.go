package outlier

import (
	"errors"
	"math"
	"math/rand/v2"

	"proctorguard/internal/features"
)

const kmeansMaxIter = 300

// KMeans groups keystroke rows into typing-rhythm clusters.
type KMeans struct {
	Centroids []features.Row
	Labels    []int
	Inertia   float64
}

// ClusterCount picks up to maxClusters clusters, one per ten rows, and a
// single cluster when data is scarce.
func ClusterCount(rows, maxClusters int) int {
	if maxClusters <= 0 {
		maxClusters = 3
	}
	if rows > 30 {
		return max(1, min(maxClusters, rows/10))
	}
	return 1
}

func FitKMeans(rows []features.Row, k int, seed uint64) (*KMeans, error) {
	if len(rows) == 0 {
		return nil, errors.New("kmeans: no rows")
	}
	if k <= 0 || k > len(rows) {
		k = 1
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	centroids := seedCentroids(rng, rows, k)
	labels := make([]int, len(rows))

	for iter := 0; iter < kmeansMaxIter; iter++ {
		changed := iter == 0
		for i, r := range rows {
			if best, _ := nearest(centroids, r); labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		sums := make([]features.Row, k)
		counts := make([]int, k)
		for i, r := range rows {
			c := labels[i]
			sums[c][0] += r[0]
			sums[c][1] += r[1]
			counts[c]++
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			centroids[c] = features.Row{sums[c][0] / float64(counts[c]), sums[c][1] / float64(counts[c])}
		}
		if !changed {
			break
		}
	}

	inertia := 0.0
	for i, r := range rows {
		inertia += sqDist(centroids[labels[i]], r)
	}
	return &KMeans{Centroids: centroids, Labels: labels, Inertia: inertia}, nil
}

// seedCentroids is k-means++ initialisation.
func seedCentroids(rng *rand.Rand, rows []features.Row, k int) []features.Row {
	centroids := make([]features.Row, 0, k)
	centroids = append(centroids, rows[rng.IntN(len(rows))])
	dist := make([]float64, len(rows))
	for len(centroids) < k {
		total := 0.0
		for i, r := range rows {
			_, d := nearest(centroids, r)
			dist[i] = d
			total += d
		}
		if total == 0 {
			centroids = append(centroids, rows[rng.IntN(len(rows))])
			continue
		}
		target := rng.Float64() * total
		pick := len(rows) - 1
		for i, d := range dist {
			target -= d
			if target <= 0 {
				pick = i
				break
			}
		}
		centroids = append(centroids, rows[pick])
	}
	return centroids
}

func (m *KMeans) Predict(r features.Row) int {
	c, _ := nearest(m.Centroids, r)
	return c
}

func nearest(centroids []features.Row, r features.Row) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for i, c := range centroids {
		if d := sqDist(c, r); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

func sqDist(a, b features.Row) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	return dx*dx + dy*dy
}
