// Package warp converts affine transforms into dense displacement fields
// and resamples volumes through either representation.
package warp

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"neuroquant/internal/models"
)

// Transformer is implemented by the two transform representations the
// resampler accepts: Affine and *Field.
type Transformer interface {
	isTransform()
}

// Affine is a matrix of shape (N, N+1) or (N+1, N+1) acting on homogeneous
// zero-based voxel indices.
type Affine struct {
	Matrix *mat.Dense
}

func (Affine) isTransform() {}

// Field is a dense displacement field. For every voxel of Shape it stores an
// N-vector giving the offset, in input index space, to sample from.
//
// Data is laid out with the vector component varying fastest, then the
// voxel index (first spatial axis fastest), then the channel. Channels is 0
// for a field shared by all channels of a volume, or the number of
// per-channel fields otherwise.
type Field struct {
	Shape    []int
	Channels int
	Data     []float64
}

func (*Field) isTransform() {}

// NewField allocates a zero displacement field
func NewField(shape []int, channels int) *Field {
	f := &Field{Shape: append([]int(nil), shape...), Channels: channels}
	f.Data = make([]float64, f.NumVoxels()*f.Ndims()*f.numFields())
	return f
}

// Ndims returns the spatial rank of the field
func (f *Field) Ndims() int {
	return len(f.Shape)
}

// NumVoxels returns the number of spatial voxels
func (f *Field) NumVoxels() int {
	n := 1
	for _, s := range f.Shape {
		n *= s
	}
	return n
}

func (f *Field) numFields() int {
	if f.Channels > 0 {
		return f.Channels
	}
	return 1
}

// Vector returns the displacement of voxel v in channel c. The returned
// slice aliases Data. For a shared field c is ignored.
func (f *Field) Vector(c, v int) []float64 {
	if f.Channels == 0 {
		c = 0
	}
	n := f.Ndims()
	off := (c*f.NumVoxels() + v) * n
	return f.Data[off : off+n]
}

// Validate checks rank, shape and data length
func (f *Field) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil displacement field", models.ErrShapeValidation)
	}
	if n := f.Ndims(); n != 2 && n != 3 {
		return fmt.Errorf("%w: displacement field must be 2D or 3D, got %dD", models.ErrShapeValidation, n)
	}
	for d, s := range f.Shape {
		if s <= 0 {
			return fmt.Errorf("%w: field axis %d has non-positive size %d", models.ErrShapeValidation, d, s)
		}
	}
	if f.Channels < 0 {
		return fmt.Errorf("%w: negative channel count %d", models.ErrShapeValidation, f.Channels)
	}
	if want := f.NumVoxels() * f.Ndims() * f.numFields(); len(f.Data) != want {
		return fmt.Errorf("%w: field data length %d, expected %d", models.ErrShapeValidation, len(f.Data), want)
	}
	return nil
}

// ValidateAffineShape checks that a rows x cols matrix is a valid 2D or 3D
// affine: N or N+1 rows and N+1 columns.
func ValidateAffineShape(rows, cols int) error {
	n := cols - 1
	if n != 2 && n != 3 {
		return fmt.Errorf("%w: affine must have 3 or 4 columns for 2D or 3D, got %dx%d",
			models.ErrShapeValidation, rows, cols)
	}
	if rows != n && rows != n+1 {
		return fmt.Errorf("%w: %dD affine must have %d or %d rows, got %dx%d",
			models.ErrShapeValidation, n, n, n+1, rows, cols)
	}
	return nil
}

// IsAffineShape reports whether an array of the given dimensions (without
// a batch axis) is an affine matrix rather than a displacement field. A
// two-dimensional array whose last axis is not 1 is an affine and must
// then pass ValidateAffineShape.
func IsAffineShape(dims []int) (bool, error) {
	if len(dims) == 2 && dims[1] != 1 {
		if err := ValidateAffineShape(dims[0], dims[1]); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// unravel converts a linear voxel index into per-axis indices with the
// first axis varying fastest.
func unravel(v int, shape []int, idx []int) {
	for d, s := range shape {
		idx[d] = v % s
		v /= s
	}
}

// AffineToDenseShift converts an affine into a dense displacement field
// over shape.
//
// For every grid point x the field holds M·x + t - x, the offset from the
// grid point to where the affine sends it. With shiftCenter the grid is
// recentered so the middle of the volume sits at the origin (index 0 maps
// to -0.5*(size-1)) before the affine is applied.
//
// When warpRight is given the affine is composed after it: the result is
// the field of M(x + w(x)) + t - x. warpRight must share shape; a
// per-channel warpRight yields a per-channel result.
func AffineToDenseShift(matrix *mat.Dense, shape []int, shiftCenter bool, warpRight *Field) (*Field, error) {
	if matrix == nil {
		return nil, fmt.Errorf("%w: nil affine", models.ErrShapeValidation)
	}
	ndims := len(shape)
	rows, cols := matrix.Dims()
	if cols-1 != ndims {
		return nil, fmt.Errorf("%w: Affine (%dD) does not match target shape (%dD)",
			models.ErrShapeValidation, cols-1, ndims)
	}
	if err := ValidateAffineShape(rows, cols); err != nil {
		return nil, err
	}
	for d, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("%w: output axis %d has non-positive size %d", models.ErrShapeValidation, d, s)
		}
	}

	channels := 0
	if warpRight != nil {
		if err := warpRight.Validate(); err != nil {
			return nil, fmt.Errorf("warp_right: %w", err)
		}
		if warpRight.Ndims() != ndims {
			return nil, fmt.Errorf("%w: warp_right is %dD but target shape is %dD",
				models.ErrShapeValidation, warpRight.Ndims(), ndims)
		}
		for d := range shape {
			if warpRight.Shape[d] != shape[d] {
				return nil, fmt.Errorf("%w: warp_right shape %v does not match target shape %v",
					models.ErrShapeValidation, warpRight.Shape, shape)
			}
		}
		channels = warpRight.Channels
	}

	out := NewField(shape, channels)
	nvox := out.NumVoxels()
	idx := make([]int, ndims)
	mesh := make([]float64, ndims)
	p := make([]float64, ndims)

	for v := 0; v < nvox; v++ {
		unravel(v, shape, idx)
		for d := range mesh {
			mesh[d] = float64(idx[d])
			if shiftCenter {
				mesh[d] -= 0.5 * float64(shape[d]-1)
			}
		}
		for c := 0; c < out.numFields(); c++ {
			copy(p, mesh)
			if warpRight != nil {
				w := warpRight.Vector(c, v)
				for d := range p {
					p[d] += w[d]
				}
			}
			shift := out.Vector(c, v)
			for r := 0; r < ndims; r++ {
				s := matrix.At(r, ndims)
				for k := 0; k < ndims; k++ {
					s += matrix.At(r, k) * p[k]
				}
				shift[r] = s - mesh[r]
			}
		}
	}
	return out, nil
}

// Identity returns a zero displacement field over shape
func Identity(shape []int) *Field {
	return NewField(shape, 0)
}
