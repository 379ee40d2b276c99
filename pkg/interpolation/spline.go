package interpolation

import (
	"fmt"
	"math"
)

// MaxSplineOrder is the highest interpolation order supported
const MaxSplineOrder = 5

// Spline samples a 3D grid with B-spline interpolation of a fixed order.
// Order 0 is nearest neighbor and order 1 is trilinear; higher orders run a
// recursive prefilter over a copy of the data so that the spline passes
// through the original samples.
type Spline struct {
	order  int
	shape  [3]int
	coeffs []float64
}

// NewSpline prepares g for sampling at the given order. g is not modified.
func NewSpline(g Grid, order int) (*Spline, error) {
	if order < 0 || order > MaxSplineOrder {
		return nil, fmt.Errorf("spline order must be in [0, %d], got %d", MaxSplineOrder, order)
	}
	if len(g.Data) != g.Shape[0]*g.Shape[1]*g.Shape[2] {
		return nil, fmt.Errorf("grid data length %d does not match shape %v", len(g.Data), g.Shape)
	}

	s := &Spline{order: order, shape: g.Shape}
	if order <= 1 {
		s.coeffs = g.Data
		return s, nil
	}

	s.coeffs = make([]float64, len(g.Data))
	copy(s.coeffs, g.Data)
	poles := splinePoles(order)
	for axis := 0; axis < 3; axis++ {
		s.prefilterAxis(axis, poles)
	}
	return s, nil
}

// Order returns the interpolation order
func (s *Spline) Order() int {
	return s.order
}

// At samples the spline at continuous voxel coordinate x. Points outside
// [0, size-1] on any axis return cval, at every order.
func (s *Spline) At(x [3]float64, cval float64) float64 {
	g := Grid{Data: s.coeffs, Shape: s.shape}
	if g.OutOfBounds(x) {
		return cval
	}
	if s.order == 0 {
		var idx [3]int
		for d := 0; d < 3; d++ {
			idx[d] = clampIndex(int(math.RoundToEven(x[d])), s.shape[d])
		}
		return g.at(idx[0], idx[1], idx[2])
	}

	n := s.order + 1
	var idx [3][MaxSplineOrder + 1]int
	var wts [3][MaxSplineOrder + 1]float64
	for d := 0; d < 3; d++ {
		c := clampCoord(x[d], s.shape[d])
		var start int
		if s.order%2 == 1 {
			start = int(math.Floor(c)) - s.order/2
		} else {
			start = int(math.Floor(c+0.5)) - s.order/2
		}
		for k := 0; k < n; k++ {
			i := start + k
			wts[d][k] = BSpline(s.order, c-float64(i))
			idx[d][k] = mirrorIndex(i, s.shape[d])
		}
	}

	var v float64
	for a := 0; a < n; a++ {
		wa := wts[2][a]
		if wa == 0 {
			continue
		}
		for b := 0; b < n; b++ {
			wb := wa * wts[1][b]
			if wb == 0 {
				continue
			}
			for c := 0; c < n; c++ {
				w := wb * wts[0][c]
				if w == 0 {
					continue
				}
				v += w * g.at(idx[0][c], idx[1][b], idx[2][a])
			}
		}
	}
	return v
}

// BSpline evaluates the centered B-spline basis function of the given order
func BSpline(order int, x float64) float64 {
	if order == 0 {
		if x > -0.5 && x <= 0.5 {
			return 1
		}
		return 0
	}
	half := float64(order+1) / 2
	if x <= -half || x >= half {
		return 0
	}

	var sum float64
	binom := 1.0
	for k := 0; k <= order+1; k++ {
		t := x + half - float64(k)
		if t > 0 {
			term := binom * math.Pow(t, float64(order))
			if k%2 == 1 {
				term = -term
			}
			sum += term
		}
		binom = binom * float64(order+1-k) / float64(k+1)
	}

	fact := 1.0
	for i := 2; i <= order; i++ {
		fact *= float64(i)
	}
	return sum / fact
}

// mirrorIndex folds an index into [0, n) using whole-sample symmetry
func mirrorIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2*n - 2
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// splinePoles returns the poles of the B-spline prefilter for an order
func splinePoles(order int) []float64 {
	switch order {
	case 2:
		return []float64{math.Sqrt(8) - 3}
	case 3:
		return []float64{math.Sqrt(3) - 2}
	case 4:
		return []float64{
			math.Sqrt(664-math.Sqrt(438976)) + math.Sqrt(304) - 19,
			math.Sqrt(664+math.Sqrt(438976)) - math.Sqrt(304) - 19,
		}
	case 5:
		return []float64{
			math.Sqrt(135.0/2-math.Sqrt(17745.0/4)) + math.Sqrt(105.0/4) - 13.0/2,
			math.Sqrt(135.0/2+math.Sqrt(17745.0/4)) - math.Sqrt(105.0/4) - 13.0/2,
		}
	}
	return nil
}

// prefilterAxis runs the 1D prefilter over every line along axis
func (s *Spline) prefilterAxis(axis int, poles []float64) {
	n := s.shape[axis]
	if n < 2 {
		return
	}
	stride := 1
	for d := 0; d < axis; d++ {
		stride *= s.shape[d]
	}
	total := len(s.coeffs)
	line := make([]float64, n)
	for base := 0; base < total; base++ {
		// base must be the first element of a line along axis
		if (base/stride)%n != 0 {
			continue
		}
		for i := 0; i < n; i++ {
			line[i] = s.coeffs[base+i*stride]
		}
		prefilterLine(line, poles)
		for i := 0; i < n; i++ {
			s.coeffs[base+i*stride] = line[i]
		}
	}
}

// prefilterLine converts samples to B-spline coefficients in place
func prefilterLine(c []float64, poles []float64) {
	n := len(c)
	if n == 1 {
		return
	}

	gain := 1.0
	for _, z := range poles {
		gain *= (1 - z) * (1 - 1/z)
	}
	for i := range c {
		c[i] *= gain
	}

	for _, z := range poles {
		c[0] = causalInit(c, z)
		for i := 1; i < n; i++ {
			c[i] += z * c[i-1]
		}
		c[n-1] = (z / (z*z - 1)) * (z*c[n-2] + c[n-1])
		for i := n - 2; i >= 0; i-- {
			c[i] = z * (c[i+1] - c[i])
		}
	}
}

// causalInit computes the initial causal coefficient under mirror
// boundary conditions
func causalInit(c []float64, z float64) float64 {
	const tolerance = 1e-15
	n := len(c)
	horizon := n
	if h := int(math.Ceil(math.Log(tolerance) / math.Log(math.Abs(z)))); h < n {
		horizon = h
	}

	if horizon < n {
		zn := z
		sum := c[0]
		for k := 1; k < horizon; k++ {
			sum += zn * c[k]
			zn *= z
		}
		return sum
	}

	zn := z
	iz := 1 / z
	z2n := math.Pow(z, float64(n-1))
	sum := c[0] + z2n*c[n-1]
	z2n *= z2n * iz
	for k := 1; k < n-1; k++ {
		sum += (zn + z2n) * c[k]
		zn *= z
		z2n *= iz
	}
	return sum / (1 - zn*zn)
}
