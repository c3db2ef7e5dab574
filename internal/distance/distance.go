// Package distance provides the scoring functions consumed by the hnsw
// index. A distance function must be symmetric and non-negative; it does not
// have to satisfy the triangle inequality (cosine distance does not), since
// the graph search never relies on it.
package distance

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Number is the scalar domain the index operates over.
type Number interface {
	constraints.Signed | constraints.Float
}

// Func scores two equal-length vectors. f(x, x) = 0, f(x, y) >= 0,
// f(x, y) = f(y, x).
type Func[T Number] func(x, y []T) float64

// Euclidean returns the squared L2 distance between x and y. The square root
// is skipped: it is monotone, so nearest-neighbour ordering is unchanged and
// a call per candidate is saved.
func Euclidean[T Number](x, y []T) float64 {
	var sum float64
	for i := range x {
		d := float64(x[i]) - float64(y[i])
		sum += d * d
	}
	return sum
}

// Cosine returns 1 - cos(x, y), ranging over [0, 2]: 0 for parallel vectors,
// 1 for orthogonal, 2 for opposite. A zero vector has no direction, so the
// result is NaN.
func Cosine[T Number](x, y []T) float64 {
	var dot, xNorm, yNorm float64
	for i := range x {
		xi, yi := float64(x[i]), float64(y[i])
		dot += xi * yi
		xNorm += xi * xi
		yNorm += yi * yi
	}
	return 1 - dot/(math.Sqrt(xNorm)*math.Sqrt(yNorm))
}
