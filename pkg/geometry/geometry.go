// Package geometry builds voxel-to-world geometries and the transforms that
// move between an image's native voxel grid and a canonical network grid.
package geometry

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"neuroquant/internal/models"
)

// NetworkOrientation is the orientation of the canonical network space:
// left-inferior-anterior, as used by the registration networks.
const NetworkOrientation = "LIA"

// Geometry describes a voxel grid in world space. The voxel-to-world
// transform is R·diag(VoxelSize) with the translation chosen so that voxel
// Shape/2 lands on Center.
type Geometry struct {
	// Shape is the number of voxels along each axis
	Shape [3]int

	// VoxelSize is the voxel spacing in mm
	VoxelSize [3]float64

	// Rotation is the 3x3 direction-cosine matrix (columns are axis directions)
	Rotation *mat.Dense

	// Center is the world coordinate of the grid center
	Center [3]float64
}

// NewGeometry builds a geometry with a rotation given as a three-letter
// orientation code such as "LIA" or "RAS".
func NewGeometry(shape [3]int, voxelSize [3]float64, orientation string, center [3]float64) (*Geometry, error) {
	rot, err := Orientation(orientation)
	if err != nil {
		return nil, err
	}
	for d := 0; d < 3; d++ {
		if shape[d] <= 0 {
			return nil, fmt.Errorf("%w: network shape %v must be positive", models.ErrShapeValidation, shape)
		}
		if voxelSize[d] <= 0 {
			return nil, fmt.Errorf("%w: voxel size %v must be positive", models.ErrConfig, voxelSize)
		}
	}
	return &Geometry{
		Shape:     shape,
		VoxelSize: voxelSize,
		Rotation:  rot,
		Center:    center,
	}, nil
}

// Vox2World returns the 4x4 voxel-to-world affine of the geometry
func (g *Geometry) Vox2World() *mat.Dense {
	m := models.Identity4()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, g.Rotation.At(r, c)*g.VoxelSize[c])
		}
	}
	for r := 0; r < 3; r++ {
		t := g.Center[r]
		for c := 0; c < 3; c++ {
			t -= m.At(r, c) * float64(g.Shape[c]) / 2
		}
		m.Set(r, 3, t)
	}
	return m
}

// World2Vox returns the inverse of Vox2World
func (g *Geometry) World2Vox() *mat.Dense {
	inv, err := Invert(g.Vox2World())
	if err != nil {
		// Rotation is orthonormal and voxel sizes are positive, so the
		// affine is always invertible.
		panic(err)
	}
	return inv
}

// CenterOf returns the world coordinate of voxel Shape/2 of a volume,
// the same convention Geometry uses for its Center.
func CenterOf(v *models.Volume) [3]float64 {
	p := []float64{float64(v.Shape[0]) / 2, float64(v.Shape[1]) / 2, float64(v.Shape[2]) / 2, 1}
	w := Apply(v.Affine, p)
	return [3]float64{w[0], w[1], w[2]}
}

// NetworkSpace constructs the transform from network space to the voxel
// space of vol and its inverse.
//
// The network space has the given shape and voxel size, LIA orientation and
// no shear. It is centered on vol's own field of view, or on that of center
// when a reference volume is supplied. Both returned matrices are 4x4 and
// operate on zero-based voxel indices, not world coordinates.
//
// vol must be a single-frame 3D volume; anything else is reported as a
// shape validation error rather than coerced.
func NetworkSpace(vol *models.Volume, shape [3]int, voxelSize [3]float64, center *models.Volume) (netToVox, voxToNet *mat.Dense, err error) {
	return OrientedSpace(vol, shape, voxelSize, NetworkOrientation, center)
}

// OrientedSpace is NetworkSpace with a configurable axis orientation code
func OrientedSpace(vol *models.Volume, shape [3]int, voxelSize [3]float64, orientation string, center *models.Volume) (netToVox, voxToNet *mat.Dense, err error) {
	if err := vol.Validate(); err != nil {
		return nil, nil, err
	}
	if !vol.IsSingleFrame() || vol.Batched {
		return nil, nil, fmt.Errorf("%w: input image is not a single-frame volume (dims %v)",
			models.ErrShapeValidation, vol.Dims())
	}

	c := CenterOf(vol)
	if center != nil {
		if err := center.Validate(); err != nil {
			return nil, nil, fmt.Errorf("center volume: %w", err)
		}
		c = CenterOf(center)
	}

	net, err := NewGeometry(shape, voxelSize, orientation, c)
	if err != nil {
		return nil, nil, err
	}

	world2vox, err := Invert(vol.Affine)
	if err != nil {
		return nil, nil, err
	}

	netToVox = mat.NewDense(4, 4, nil)
	netToVox.Mul(world2vox, net.Vox2World())

	voxToNet = mat.NewDense(4, 4, nil)
	voxToNet.Mul(net.World2Vox(), vol.Affine)

	return netToVox, voxToNet, nil
}

// Orientation returns the direction-cosine matrix for a three-letter
// orientation code. Each letter names the world direction the
// corresponding voxel axis points toward (L/R, P/A, I/S).
func Orientation(code string) (*mat.Dense, error) {
	code = strings.ToUpper(code)
	if len(code) != 3 {
		return nil, fmt.Errorf("%w: orientation code %q must have 3 letters", models.ErrConfig, code)
	}
	rot := mat.NewDense(3, 3, nil)
	var used [3]bool
	for c, letter := range code {
		var row int
		var sign float64
		switch letter {
		case 'R':
			row, sign = 0, 1
		case 'L':
			row, sign = 0, -1
		case 'A':
			row, sign = 1, 1
		case 'P':
			row, sign = 1, -1
		case 'S':
			row, sign = 2, 1
		case 'I':
			row, sign = 2, -1
		default:
			return nil, fmt.Errorf("%w: unknown orientation letter %q in %q", models.ErrConfig, letter, code)
		}
		if used[row] {
			return nil, fmt.Errorf("%w: orientation %q repeats a world axis", models.ErrConfig, code)
		}
		used[row] = true
		rot.Set(row, c, sign)
	}
	return rot, nil
}

// OrientationCode returns the closest three-letter orientation code of a
// voxel-to-world affine, picking the dominant world axis of each column.
func OrientationCode(affine *mat.Dense) string {
	pos := [3]byte{'R', 'A', 'S'}
	neg := [3]byte{'L', 'P', 'I'}
	var out [3]byte
	var used [3]bool
	for c := 0; c < 3; c++ {
		best, bestAbs := -1, -1.0
		for r := 0; r < 3; r++ {
			if used[r] {
				continue
			}
			if a := math.Abs(affine.At(r, c)); a > bestAbs {
				best, bestAbs = r, a
			}
		}
		used[best] = true
		if affine.At(best, c) >= 0 {
			out[c] = pos[best]
		} else {
			out[c] = neg[best]
		}
	}
	return string(out[:])
}
