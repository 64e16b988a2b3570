package seed

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

const (
	defaultMaxIterations = 300
	defaultAutoKCap      = 50
)

// KMeans is a deterministic Lloyd's k-means seeder. Features are z-score
// standardized before clustering and centers are chosen with k-means++
// seeding from a fixed source, so identical inputs always produce
// identical groupings.
type KMeans struct {
	Seed          int64 // rand source seed (default 42)
	MaxIterations int   // Lloyd iteration cap (default 300)
	AutoKCap      int   // upper bound when choosing k heuristically
}

// NewKMeans returns a KMeans seeder with the defaults used throughout.
func NewKMeans() *KMeans {
	return &KMeans{Seed: 42, MaxIterations: defaultMaxIterations, AutoKCap: defaultAutoKCap}
}

// Partition groups the points into at most k non-empty groups. k is
// clamped to the point count; k <= 0 picks k = round(sqrt(n/2)) capped at
// AutoKCap. Empty groups are dropped, so fewer than k groups may return.
func (m *KMeans) Partition(ctx context.Context, points []Point, k int) ([][]string, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: no points to partition", ErrUnavailable)
	}
	dims := len(points[0].Vector)
	if dims == 0 {
		return nil, fmt.Errorf("%w: zero-dimensional vectors", ErrUnavailable)
	}
	for _, p := range points {
		if len(p.Vector) != dims {
			return nil, fmt.Errorf("%w: vector size mismatch for %q (%d != %d)", ErrUnavailable, p.ID, len(p.Vector), dims)
		}
	}

	if k <= 0 {
		k = m.chooseK(len(points))
	}
	if k > len(points) {
		k = len(points)
	}
	if k == 1 {
		ids := make([]string, len(points))
		for i, p := range points {
			ids[i] = p.ID
		}
		sort.Strings(ids)
		return [][]string{ids}, nil
	}

	// Deterministic ordering regardless of caller iteration order.
	ordered := make([]Point, len(points))
	copy(ordered, points)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	data := standardize(ordered, dims)
	rng := rand.New(rand.NewSource(m.seed()))
	centers := plusPlusInit(rng, data, k)

	maxIter := m.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	assign := make([]int, len(data))
	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed := false
		for i, v := range data {
			best := nearestCenter(v, centers)
			if assign[i] != best || iter == 0 {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		recomputeCenters(data, assign, centers)
	}

	groups := make([][]string, k)
	for i, p := range ordered {
		groups[assign[i]] = append(groups[assign[i]], p.ID)
	}
	out := make([][]string, 0, k)
	for _, g := range groups {
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *KMeans) seed() int64 {
	if m.Seed == 0 {
		return 42
	}
	return m.Seed
}

func (m *KMeans) chooseK(n int) int {
	k := int(math.Round(math.Sqrt(float64(n) / 2)))
	if k < 2 {
		k = 2
	}
	cap := m.AutoKCap
	if cap <= 0 {
		cap = defaultAutoKCap
	}
	if k > cap {
		k = cap
	}
	if k > n {
		k = n
	}
	return k
}

// standardize z-scores each dimension. Constant dimensions pass through
// unscaled to avoid dividing by a zero deviation.
func standardize(points []Point, dims int) [][]float64 {
	means := make([]float64, dims)
	for _, p := range points {
		for d := 0; d < dims; d++ {
			means[d] += float64(p.Vector[d])
		}
	}
	n := float64(len(points))
	for d := range means {
		means[d] /= n
	}

	devs := make([]float64, dims)
	for _, p := range points {
		for d := 0; d < dims; d++ {
			diff := float64(p.Vector[d]) - means[d]
			devs[d] += diff * diff
		}
	}
	for d := range devs {
		devs[d] = math.Sqrt(devs[d] / n)
		if devs[d] == 0 {
			devs[d] = 1
		}
	}

	out := make([][]float64, len(points))
	for i, p := range points {
		row := make([]float64, dims)
		for d := 0; d < dims; d++ {
			row[d] = (float64(p.Vector[d]) - means[d]) / devs[d]
		}
		out[i] = row
	}
	return out
}

// plusPlusInit picks k initial centers with k-means++ weighting.
func plusPlusInit(rng *rand.Rand, data [][]float64, k int) [][]float64 {
	centers := make([][]float64, 0, k)
	first := rng.Intn(len(data))
	centers = append(centers, append([]float64(nil), data[first]...))

	dist := make([]float64, len(data))
	for len(centers) < k {
		total := 0.0
		for i, v := range data {
			d := sqDist(v, centers[len(centers)-1])
			if len(centers) == 1 || d < dist[i] {
				dist[i] = d
			}
			total += dist[i]
		}
		if total == 0 {
			// All remaining points coincide with a center; any pick works.
			centers = append(centers, append([]float64(nil), data[rng.Intn(len(data))]...))
			continue
		}
		target := rng.Float64() * total
		acc := 0.0
		pick := len(data) - 1
		for i := range data {
			acc += dist[i]
			if acc >= target {
				pick = i
				break
			}
		}
		centers = append(centers, append([]float64(nil), data[pick]...))
	}
	return centers
}

func nearestCenter(v []float64, centers [][]float64) int {
	best := 0
	bestDist := math.Inf(1)
	for i, c := range centers {
		if d := sqDist(v, c); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

func recomputeCenters(data [][]float64, assign []int, centers [][]float64) {
	dims := len(centers[0])
	counts := make([]int, len(centers))
	next := make([][]float64, len(centers))
	for i := range next {
		next[i] = make([]float64, dims)
	}
	for i, v := range data {
		c := assign[i]
		counts[c]++
		for d := 0; d < dims; d++ {
			next[c][d] += v[d]
		}
	}
	for i := range centers {
		if counts[i] == 0 {
			continue // keep the previous center for empty groups
		}
		for d := 0; d < dims; d++ {
			centers[i][d] = next[i][d] / float64(counts[i])
		}
	}
}

func sqDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
