package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Volume represents a dense 3D (optionally multi-channel) image paired with
// the affine that maps voxel indices to world coordinates in millimeters.
type Volume struct {
	// Data holds the intensities with x varying fastest, then y, then z,
	// then channel. This matches the on-disk order of NIfTI and MGH files.
	Data []float64

	// Shape is the spatial size of the volume in voxels
	Shape [3]int

	// Channels is the number of frames stacked along the trailing axis.
	// A single-frame volume has Channels == 1.
	Channels int

	// Affine is the 4x4 voxel-to-world matrix
	Affine *mat.Dense

	// Spacing is the physical size of each voxel in mm
	Spacing [3]float64

	// Header is the header of the file the volume was loaded from, if any.
	// Writers start from it so fields nobody touched survive a round trip.
	Header *Header

	// Batched marks a volume that carries a leading singleton batch axis
	Batched bool
}

// NewVolume allocates a zero-filled single-frame volume with the given
// affine. Spacing is derived from the affine's column norms.
func NewVolume(shape [3]int, affine *mat.Dense) *Volume {
	if affine == nil {
		affine = Identity4()
	}
	v := &Volume{
		Data:     make([]float64, shape[0]*shape[1]*shape[2]),
		Shape:    shape,
		Channels: 1,
		Affine:   mat.DenseCopyOf(affine),
	}
	v.Spacing = SpacingFromAffine(v.Affine)
	return v
}

// NumVoxels returns the number of spatial voxels (ignoring channels)
func (v *Volume) NumVoxels() int {
	return v.Shape[0] * v.Shape[1] * v.Shape[2]
}

// Index returns the linear offset of voxel (i, j, k) in channel 0
func (v *Volume) Index(i, j, k int) int {
	return i + v.Shape[0]*(j+v.Shape[1]*k)
}

// At returns the intensity at voxel (i, j, k) of channel c
func (v *Volume) At(i, j, k, c int) float64 {
	return v.Data[c*v.NumVoxels()+v.Index(i, j, k)]
}

// Channel returns the data of a single channel. The slice aliases Data.
func (v *Volume) Channel(c int) []float64 {
	n := v.NumVoxels()
	return v.Data[c*n : (c+1)*n]
}

// IsSingleFrame reports whether the volume is a plain 3D image
func (v *Volume) IsSingleFrame() bool {
	return v.Channels <= 1
}

// Dims returns the full array shape, including the batch axis if set and
// the channel axis when there is more than one channel.
func (v *Volume) Dims() []int {
	var dims []int
	if v.Batched {
		dims = append(dims, 1)
	}
	dims = append(dims, v.Shape[0], v.Shape[1], v.Shape[2])
	if v.Channels > 1 {
		dims = append(dims, v.Channels)
	}
	return dims
}

// Validate checks the invariants every engine function relies on.
func (v *Volume) Validate() error {
	if v == nil {
		return fmt.Errorf("%w: nil volume", ErrShapeValidation)
	}
	for d, s := range v.Shape {
		if s <= 0 {
			return fmt.Errorf("%w: axis %d has non-positive size %d", ErrShapeValidation, d, s)
		}
	}
	c := v.Channels
	if c < 1 {
		c = 1
	}
	if len(v.Data) != v.NumVoxels()*c {
		return fmt.Errorf("%w: data length %d does not match shape %v with %d channel(s)",
			ErrShapeValidation, len(v.Data), v.Shape, c)
	}
	if v.Affine == nil {
		return fmt.Errorf("%w: volume has no affine", ErrShapeValidation)
	}
	if r, cc := v.Affine.Dims(); r != 4 || cc != 4 {
		return fmt.Errorf("%w: affine must be 4x4, got %dx%d", ErrShapeValidation, r, cc)
	}
	if mat.Det(v.Affine) == 0 {
		return fmt.Errorf("%w: affine is not invertible", ErrShapeValidation)
	}
	return nil
}

// WithData returns a new volume sharing v's geometry and header but holding
// data. The affine is copied so the two volumes stay independent.
func (v *Volume) WithData(data []float64, channels int) *Volume {
	return &Volume{
		Data:     data,
		Shape:    v.Shape,
		Channels: channels,
		Affine:   mat.DenseCopyOf(v.Affine),
		Spacing:  v.Spacing,
		Header:   v.Header.Clone(),
	}
}

// Clone returns a deep copy of the volume
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	out := v.WithData(data, v.Channels)
	out.Batched = v.Batched
	return out
}

// Identity4 returns a fresh 4x4 identity matrix
func Identity4() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// SpacingFromAffine returns the voxel size encoded in the first three
// columns of a voxel-to-world affine.
func SpacingFromAffine(affine *mat.Dense) [3]float64 {
	var s [3]float64
	for c := 0; c < 3; c++ {
		var ss float64
		for r := 0; r < 3; r++ {
			x := affine.At(r, c)
			ss += x * x
		}
		s[c] = math.Sqrt(ss)
	}
	return s
}
