package warp

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"neuroquant/internal/models"
	"neuroquant/internal/parallel"
	"neuroquant/pkg/geometry"
	"neuroquant/pkg/interpolation"
)

// Interpolation selects the sampling kernel of the resampler
type Interpolation int

const (
	// Nearest picks the closest voxel, rounding half to even
	Nearest Interpolation = iota
	// Linear interpolates trilinearly between the eight neighbors
	Linear
)

func (i Interpolation) String() string {
	switch i {
	case Nearest:
		return "nearest"
	case Linear:
		return "linear"
	}
	return fmt.Sprintf("Interpolation(%d)", int(i))
}

// ParseInterpolation parses "nearest" or "linear"
func ParseInterpolation(s string) (Interpolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nearest", "nn":
		return Nearest, nil
	case "linear":
		return Linear, nil
	}
	return 0, fmt.Errorf("%w: unknown interpolation method %q", models.ErrConfig, s)
}

// ResampleOptions configures ApplyTransform
type ResampleOptions struct {
	// Interp is the sampling kernel
	Interp Interpolation

	// FillValue is assigned to samples outside the input volume. A nil
	// FillValue extends the edge voxels outward instead.
	FillValue *float64

	// ShiftCenter applies an affine about the center of the volume rather
	// than about voxel 0.
	ShiftCenter bool

	// OutputShape overrides the output grid of an affine transform. It
	// cannot be combined with ShiftCenter.
	OutputShape []int

	// Workers bounds the goroutines used for sampling; 0 means one per CPU
	Workers int
}

// ApplyTransform resamples vol through tr.
//
// An Affine is first converted to a dense field over the volume's own shape
// or opts.OutputShape. For every output voxel the source coordinate is the
// grid index plus the displacement, and vol is sampled there with the
// chosen kernel.
//
// A field with Channels > 0 must match the volume's channel count and
// resamples each channel with its own displacement; a shared field is
// applied to every channel. Rank mismatches are reported as
// models.ErrShapeValidation before any sampling.
//
// The output affine keeps world coordinates consistent: for an affine
// transform it is vol.Affine composed with the index mapping, for a dense
// field it is vol.Affine unchanged.
func ApplyTransform(vol *models.Volume, tr Transformer, opts ResampleOptions) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if opts.OutputShape != nil && opts.ShiftCenter {
		return nil, fmt.Errorf("%w: output shape option is incompatible with shift center", models.ErrConfig)
	}

	var field *Field
	var outAffine *mat.Dense
	switch t := tr.(type) {
	case Affine:
		if t.Matrix == nil {
			return nil, fmt.Errorf("%w: nil affine", models.ErrShapeValidation)
		}
		rows, cols := t.Matrix.Dims()
		if err := ValidateAffineShape(rows, cols); err != nil {
			return nil, err
		}
		if cols-1 != 3 {
			return nil, fmt.Errorf("%w: Dimension check failed: 3D volume (shape %v) called with %dD transform",
				models.ErrShapeValidation, vol.Shape, cols-1)
		}
		shape := vol.Shape[:]
		if opts.OutputShape != nil {
			shape = opts.OutputShape
		}
		f, err := AffineToDenseShift(t.Matrix, shape, opts.ShiftCenter, nil)
		if err != nil {
			return nil, err
		}
		field = f
		outAffine = resampledAffine(vol.Affine, t.Matrix, shape, opts.ShiftCenter)
	case *Field:
		if err := t.Validate(); err != nil {
			return nil, err
		}
		field = t
		outAffine = mat.DenseCopyOf(vol.Affine)
	default:
		return nil, fmt.Errorf("%w: unsupported transform type %T", models.ErrShapeValidation, tr)
	}

	if field.Ndims() != 3 {
		return nil, fmt.Errorf("%w: Dimension check failed: 3D volume (shape %v) called with %dD transform",
			models.ErrShapeValidation, vol.Shape, field.Ndims())
	}
	channels := vol.Channels
	if channels < 1 {
		channels = 1
	}
	if field.Channels > 0 && field.Channels != channels {
		return nil, fmt.Errorf("%w: channelwise field has %d channels but volume has %d",
			models.ErrShapeValidation, field.Channels, channels)
	}

	var sample func(interpolation.Grid, [3]float64, *float64) float64
	switch opts.Interp {
	case Nearest:
		sample = interpolation.Nearest
	case Linear:
		sample = interpolation.Linear
	default:
		return nil, fmt.Errorf("%w: unsupported interpolation %v", models.ErrConfig, opts.Interp)
	}

	outShape := [3]int{field.Shape[0], field.Shape[1], field.Shape[2]}
	out := &models.Volume{
		Shape:    outShape,
		Channels: channels,
		Affine:   outAffine,
		Spacing:  models.SpacingFromAffine(outAffine),
		Header:   vol.Header.Clone(),
		Batched:  vol.Batched,
	}
	nvox := field.NumVoxels()
	out.Data = make([]float64, nvox*channels)

	for c := 0; c < channels; c++ {
		grid := interpolation.Grid{Data: vol.Channel(c), Shape: vol.Shape}
		dst := out.Data[c*nvox : (c+1)*nvox]
		err := parallel.ForEachSlab(nvox, opts.Workers, func(lo, hi int) error {
			idx := make([]int, 3)
			for v := lo; v < hi; v++ {
				unravel(v, field.Shape, idx)
				shift := field.Vector(c, v)
				x := [3]float64{
					float64(idx[0]) + shift[0],
					float64(idx[1]) + shift[1],
					float64(idx[2]) + shift[2],
				}
				dst[v] = sample(grid, x, opts.FillValue)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// resampledAffine returns the voxel-to-world affine of an output grid whose
// voxel x samples input index M·x (or M·(x-c)+c about the center c).
func resampledAffine(volAffine, m *mat.Dense, shape []int, shiftCenter bool) *mat.Dense {
	index := geometry.Homogeneous(m)
	if shiftCenter {
		c := make([]float64, len(shape))
		neg := make([]float64, len(shape))
		for d, s := range shape {
			c[d] = 0.5 * float64(s-1)
			neg[d] = -c[d]
		}
		index = geometry.Compose(geometry.Compose(geometry.Translation(c), index), geometry.Translation(neg))
	}
	return geometry.Compose(volAffine, index)
}

// TransformOptions configures Transform
type TransformOptions struct {
	// OutputShape overrides the output grid of an affine transform
	OutputShape []int

	// Interp is the sampling kernel
	Interp Interpolation

	// Normalize rescales the result to [0, 1]
	Normalize bool

	// Batch marks the result with a leading singleton batch axis
	Batch bool

	// Workers bounds the sampling goroutines
	Workers int
}

// Transform is the convenience form of ApplyTransform used by the
// registration workflows: samples outside the input are 0, affines act
// about voxel 0, and the result may be min-max normalized and batched, in
// that order.
//
// Normalizing a constant result leaves it at all zeros.
func Transform(vol *models.Volume, tr Transformer, opts TransformOptions) (*models.Volume, error) {
	fill := 0.0
	out, err := ApplyTransform(vol, tr, ResampleOptions{
		Interp:      opts.Interp,
		FillValue:   &fill,
		OutputShape: opts.OutputShape,
		Workers:     opts.Workers,
	})
	if err != nil {
		return nil, err
	}
	if opts.Normalize && len(out.Data) > 0 {
		lo, hi := floats.Min(out.Data), floats.Max(out.Data)
		floats.AddConst(-lo, out.Data)
		if hi > lo {
			floats.Scale(1/(hi-lo), out.Data)
		}
	}
	if opts.Batch {
		out.Batched = true
	}
	return out, nil
}
