// Package mapping resamples a volume onto the voxel grid of another volume
// through their world coordinates.
package mapping

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"neuroquant/internal/models"
	"neuroquant/internal/parallel"
	"neuroquant/pkg/geometry"
	"neuroquant/pkg/interpolation"
)

// Boundary selects how reference voxels that map outside the source are
// handled.
type Boundary int

const (
	// Constant assigns 0 to voxels mapping outside the source
	Constant Boundary = iota
	// Clamp moves out-of-domain coordinates onto the nearest source edge
	Clamp
)

// Options configures MapVoxels
type Options struct {
	Boundary Boundary

	// Workers bounds the goroutines used for sampling; 0 means one per CPU
	Workers int
}

// SourceFromReference returns the 4x4 matrix taking reference voxel
// indices to source voxel indices: inv(src.Affine)·ref.Affine.
func SourceFromReference(src, ref *models.Volume) (*mat.Dense, error) {
	inv, err := geometry.Invert(src.Affine)
	if err != nil {
		return nil, fmt.Errorf("source affine: %w", err)
	}
	m := mat.NewDense(4, 4, nil)
	m.Mul(inv, ref.Affine)
	return m, nil
}

// MapVoxels resamples src onto the grid of ref.
//
// Every reference voxel is taken to world space with the reference affine
// and back into source index space with the inverse source affine; src is
// sampled there with a B-spline of the given order (0 is nearest
// neighbor, 1 trilinear, up to 5). The result has ref's shape and affine
// and src's channel count.
//
// Source and reference may differ in shape, spacing and orientation.
func MapVoxels(src, ref *models.Volume, order int, opts Options) (*models.Volume, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}
	if order < 0 || order > interpolation.MaxSplineOrder {
		return nil, fmt.Errorf("%w: interpolation order must be in [0, %d], got %d",
			models.ErrConfig, interpolation.MaxSplineOrder, order)
	}

	m, err := SourceFromReference(src, ref)
	if err != nil {
		return nil, err
	}

	channels := src.Channels
	if channels < 1 {
		channels = 1
	}
	out := &models.Volume{
		Shape:    ref.Shape,
		Channels: channels,
		Affine:   mat.DenseCopyOf(ref.Affine),
		Spacing:  ref.Spacing,
		Header:   src.Header.Clone(),
	}
	nvox := ref.NumVoxels()
	out.Data = make([]float64, nvox*channels)

	nx, ny := ref.Shape[0], ref.Shape[1]
	for c := 0; c < channels; c++ {
		spline, err := interpolation.NewSpline(interpolation.Grid{Data: src.Channel(c), Shape: src.Shape}, order)
		if err != nil {
			return nil, err
		}
		dst := out.Data[c*nvox : (c+1)*nvox]
		err = parallel.ForEachSlab(nvox, opts.Workers, func(lo, hi int) error {
			for v := lo; v < hi; v++ {
				i, j, k := v%nx, (v/nx)%ny, v/(nx*ny)
				x := sourceCoord(m, i, j, k)
				if opts.Boundary == Clamp {
					for d := 0; d < 3; d++ {
						x[d] = math.Max(0, math.Min(x[d], float64(src.Shape[d]-1)))
					}
				}
				dst[v] = spline.At(x, 0)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func sourceCoord(m *mat.Dense, i, j, k int) [3]float64 {
	fi, fj, fk := float64(i), float64(j), float64(k)
	var x [3]float64
	for r := 0; r < 3; r++ {
		x[r] = m.At(r, 0)*fi + m.At(r, 1)*fj + m.At(r, 2)*fk + m.At(r, 3)
	}
	return x
}

// MapVoxelsExact is the voxel-by-voxel nearest-neighbor form of MapVoxels.
// Each reference voxel goes to world space and then into source index
// space in two separate steps; the source index is rounded half to even
// and clamped to the source bounds. It matches MapVoxels with order 0 and
// the Clamp boundary, and is kept for checking that implementation.
func MapVoxelsExact(src, ref *models.Volume) (*models.Volume, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}
	world2vox, err := geometry.Invert(src.Affine)
	if err != nil {
		return nil, fmt.Errorf("source affine: %w", err)
	}

	channels := src.Channels
	if channels < 1 {
		channels = 1
	}
	out := &models.Volume{
		Shape:    ref.Shape,
		Channels: channels,
		Affine:   mat.DenseCopyOf(ref.Affine),
		Spacing:  ref.Spacing,
		Header:   src.Header.Clone(),
	}
	nvox := ref.NumVoxels()
	out.Data = make([]float64, nvox*channels)

	for k := 0; k < ref.Shape[2]; k++ {
		for j := 0; j < ref.Shape[1]; j++ {
			for i := 0; i < ref.Shape[0]; i++ {
				world := geometry.Apply(ref.Affine, []float64{float64(i), float64(j), float64(k)})
				idx := geometry.Apply(world2vox, world)
				var s [3]int
				for d := 0; d < 3; d++ {
					s[d] = int(math.RoundToEven(idx[d]))
					if s[d] < 0 {
						s[d] = 0
					}
					if s[d] > src.Shape[d]-1 {
						s[d] = src.Shape[d] - 1
					}
				}
				for c := 0; c < channels; c++ {
					out.Data[c*nvox+ref.Index(i, j, k)] = src.At(s[0], s[1], s[2], c)
				}
			}
		}
	}
	return out, nil
}
