package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"neuroquant/internal/models"
)

// Invert returns the inverse of a square affine matrix
func Invert(m *mat.Dense) (*mat.Dense, error) {
	r, c := m.Dims()
	if r != c {
		return nil, fmt.Errorf("%w: cannot invert a %dx%d matrix", models.ErrShapeValidation, r, c)
	}
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("%w: affine is singular: %v", models.ErrShapeValidation, err)
	}
	return &inv, nil
}

// Homogeneous returns the (N+1)x(N+1) form of an N-dimensional affine of
// shape (N, N+1) or (N+1, N+1). The input is never modified.
func Homogeneous(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	if r == c {
		return mat.DenseCopyOf(m)
	}
	out := mat.NewDense(c, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, m.At(i, j))
		}
	}
	out.Set(c-1, c-1, 1)
	return out
}

// Apply multiplies a homogeneous point by m and returns the result. Points
// may be passed with or without the trailing 1.
func Apply(m *mat.Dense, p []float64) []float64 {
	r, c := m.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		var s float64
		for j := 0; j < c-1; j++ {
			s += m.At(i, j) * p[j]
		}
		s += m.At(i, c-1)
		out[i] = s
	}
	return out
}

// Compose returns a·b, promoting both to homogeneous form first
func Compose(a, b *mat.Dense) *mat.Dense {
	ha, hb := Homogeneous(a), Homogeneous(b)
	n, _ := ha.Dims()
	out := mat.NewDense(n, n, nil)
	out.Mul(ha, hb)
	return out
}

// Translation returns a homogeneous translation matrix
func Translation(t []float64) *mat.Dense {
	n := len(t) + 1
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	for i, v := range t {
		m.Set(i, n-1, v)
	}
	return m
}

// AllClose reports whether every element of a and b satisfies
// |a-b| <= atol + rtol*|b|, with rtol fixed at 1e-5.
func AllClose(a, b mat.Matrix, atol float64) bool {
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	if ra != rb || ca != cb {
		return false
	}
	for i := 0; i < ra; i++ {
		for j := 0; j < ca; j++ {
			if !Close(a.At(i, j), b.At(i, j), atol) {
				return false
			}
		}
	}
	return true
}

// Close is the scalar form of AllClose
func Close(a, b, atol float64) bool {
	const rtol = 1e-5
	return math.Abs(a-b) <= atol+rtol*math.Abs(b)
}
