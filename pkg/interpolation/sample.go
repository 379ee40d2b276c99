package interpolation

import (
	"math"
)

// boundsTol absorbs round-off in coordinates that land exactly on the
// first or last voxel after an affine round trip.
const boundsTol = 1e-6

// Grid is a scalar 3D array stored with x varying fastest
type Grid struct {
	Data  []float64
	Shape [3]int
}

// at returns the value at integer voxel (i, j, k)
func (g Grid) at(i, j, k int) float64 {
	return g.Data[i+g.Shape[0]*(j+g.Shape[1]*k)]
}

// OutOfBounds reports whether any coordinate lies outside [0, size-1]
func (g Grid) OutOfBounds(x [3]float64) bool {
	for d := 0; d < 3; d++ {
		if x[d] < -boundsTol || x[d] > float64(g.Shape[d]-1)+boundsTol {
			return true
		}
	}
	return false
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}

func clampCoord(x float64, n int) float64 {
	if x < 0 {
		return 0
	}
	if x > float64(n-1) {
		return float64(n - 1)
	}
	return x
}

// Nearest samples g at continuous coordinate x using nearest-neighbor
// lookup. Rounding is half-to-even. When fill is nil, coordinates outside
// the grid take the value of the nearest edge voxel; otherwise they take
// *fill.
func Nearest(g Grid, x [3]float64, fill *float64) float64 {
	if fill != nil && g.OutOfBounds(x) {
		return *fill
	}
	i := clampIndex(int(math.RoundToEven(x[0])), g.Shape[0])
	j := clampIndex(int(math.RoundToEven(x[1])), g.Shape[1])
	k := clampIndex(int(math.RoundToEven(x[2])), g.Shape[2])
	return g.at(i, j, k)
}

// Linear samples g at continuous coordinate x using trilinear
// interpolation. Coordinates are clipped to the grid before weighting, so
// a nil fill extends the edge values outward.
func Linear(g Grid, x [3]float64, fill *float64) float64 {
	if fill != nil && g.OutOfBounds(x) {
		return *fill
	}

	var lo, hi [3]int
	var w [3]float64
	for d := 0; d < 3; d++ {
		c := clampCoord(x[d], g.Shape[d])
		f := math.Floor(c)
		lo[d] = int(f)
		hi[d] = clampIndex(lo[d]+1, g.Shape[d])
		w[d] = c - f
	}

	var v float64
	for corner := 0; corner < 8; corner++ {
		weight := 1.0
		var idx [3]int
		for d := 0; d < 3; d++ {
			if corner&(1<<d) != 0 {
				idx[d] = hi[d]
				weight *= w[d]
			} else {
				idx[d] = lo[d]
				weight *= 1 - w[d]
			}
		}
		if weight == 0 {
			continue
		}
		v += weight * g.at(idx[0], idx[1], idx[2])
	}
	return v
}
