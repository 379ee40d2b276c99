package warp

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"neuroquant/internal/models"
	"neuroquant/pkg/geometry"
)

// TestApplyTransformIdentity verifies that a zero field returns the input
func TestApplyTransformIdentity(t *testing.T) {
	vol := createTestVolume([3]int{5, 6, 7})
	for _, interp := range []Interpolation{Nearest, Linear} {
		out, err := ApplyTransform(vol, Identity([]int{5, 6, 7}), ResampleOptions{Interp: interp})
		if err != nil {
			t.Fatalf("ApplyTransform(%v) failed: %v", interp, err)
		}
		if out.Shape != vol.Shape {
			t.Fatalf("Expected shape %v, got %v", vol.Shape, out.Shape)
		}
		for i := range vol.Data {
			if out.Data[i] != vol.Data[i] {
				t.Fatalf("%v: voxel %d changed from %f to %f", interp, i, vol.Data[i], out.Data[i])
			}
		}
		if !geometry.AllClose(out.Affine, vol.Affine, 0) {
			t.Errorf("Expected affine to be preserved for a dense field")
		}
	}
}

func TestApplyTransformTranslation(t *testing.T) {
	vol := createTestVolume([3]int{4, 4, 4})
	m := mat.NewDense(3, 4, []float64{
		1, 0, 0, 1,
		0, 1, 0, 0,
		0, 0, 1, 0,
	})
	fill := -1.0
	out, err := ApplyTransform(vol, Affine{Matrix: m}, ResampleOptions{FillValue: &fill})
	if err != nil {
		t.Fatalf("ApplyTransform failed: %v", err)
	}
	for k := 0; k < 4; k++ {
		for j := 0; j < 4; j++ {
			for i := 0; i < 4; i++ {
				want := fill
				if i < 3 {
					want = vol.At(i+1, j, k, 0)
				}
				if got := out.At(i, j, k, 0); got != want {
					t.Fatalf("Voxel (%d,%d,%d): expected %f, got %f", i, j, k, want, got)
				}
			}
		}
	}

	// Output voxel 0 samples input voxel 1, so it must sit at its world position
	w := geometry.Apply(out.Affine, []float64{0, 0, 0})
	if w[0] != 1 || w[1] != 0 || w[2] != 0 {
		t.Errorf("Expected output voxel 0 at world (1,0,0), got %v", w)
	}
}

func TestApplyTransformShiftCenter(t *testing.T) {
	vol := createTestVolume([3]int{5, 5, 3})
	flip := mat.NewDense(4, 4, []float64{
		-1, 0, 0, 0,
		0, -1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	out, err := ApplyTransform(vol, Affine{Matrix: flip}, ResampleOptions{ShiftCenter: true})
	if err != nil {
		t.Fatalf("ApplyTransform failed: %v", err)
	}
	for k := 0; k < 3; k++ {
		for j := 0; j < 5; j++ {
			for i := 0; i < 5; i++ {
				if got, want := out.At(i, j, k, 0), vol.At(4-i, 4-j, k, 0); got != want {
					t.Fatalf("Voxel (%d,%d,%d): expected %f, got %f", i, j, k, want, got)
				}
			}
		}
	}
	w := geometry.Apply(out.Affine, []float64{0, 0, 0})
	if math.Abs(w[0]-4) > 1e-12 || math.Abs(w[1]-4) > 1e-12 {
		t.Errorf("Expected output voxel 0 at world (4,4,0), got %v", w)
	}
}

func TestApplyTransformOutputShape(t *testing.T) {
	vol := createTestVolume([3]int{6, 6, 6})
	m := models.Identity4()
	out, err := ApplyTransform(vol, Affine{Matrix: m}, ResampleOptions{OutputShape: []int{2, 3, 4}})
	if err != nil {
		t.Fatalf("ApplyTransform failed: %v", err)
	}
	if out.Shape != [3]int{2, 3, 4} {
		t.Fatalf("Expected shape (2,3,4), got %v", out.Shape)
	}
	if got, want := out.At(1, 2, 3, 0), vol.At(1, 2, 3, 0); got != want {
		t.Errorf("Expected %f, got %f", want, got)
	}

	_, err = ApplyTransform(vol, Affine{Matrix: m}, ResampleOptions{OutputShape: []int{2, 3, 4}, ShiftCenter: true})
	if !errors.Is(err, models.ErrConfig) {
		t.Errorf("Expected ErrConfig combining output shape and shift center, got %v", err)
	}
}

func TestApplyTransformRankMismatch(t *testing.T) {
	vol := createTestVolume([3]int{4, 4, 4})
	if _, err := ApplyTransform(vol, Affine{Matrix: mat.NewDense(2, 3, nil)}, ResampleOptions{}); !errors.Is(err, models.ErrShapeValidation) {
		t.Errorf("Expected ErrShapeValidation for 2D affine, got %v", err)
	}
	if _, err := ApplyTransform(vol, NewField([]int{4, 4}, 0), ResampleOptions{}); !errors.Is(err, models.ErrShapeValidation) {
		t.Errorf("Expected ErrShapeValidation for 2D field, got %v", err)
	}
}

func TestApplyTransformChannelwise(t *testing.T) {
	shape := [3]int{4, 3, 3}
	base := createTestVolume(shape)
	data := append(append([]float64(nil), base.Data...), base.Data...)
	vol := base.WithData(data, 2)

	f := NewField(shape[:], 2)
	for v := 0; v < f.NumVoxels(); v++ {
		f.Vector(1, v)[0] = 1
	}
	fill := 0.0
	out, err := ApplyTransform(vol, f, ResampleOptions{FillValue: &fill})
	if err != nil {
		t.Fatalf("ApplyTransform failed: %v", err)
	}
	if got, want := out.At(1, 1, 1, 0), base.At(1, 1, 1, 0); got != want {
		t.Errorf("Channel 0: expected %f, got %f", want, got)
	}
	if got, want := out.At(1, 1, 1, 1), base.At(2, 1, 1, 0); got != want {
		t.Errorf("Channel 1: expected %f, got %f", want, got)
	}

	wrong := NewField(shape[:], 3)
	if _, err := ApplyTransform(vol, wrong, ResampleOptions{}); !errors.Is(err, models.ErrShapeValidation) {
		t.Errorf("Expected ErrShapeValidation for channel mismatch, got %v", err)
	}
}

func TestTransformNormalizeAndBatch(t *testing.T) {
	vol := createTestVolume([3]int{3, 3, 3})
	out, err := Transform(vol, Identity([]int{3, 3, 3}), TransformOptions{Normalize: true, Batch: true, Interp: Linear})
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if out.At(0, 0, 0, 0) != 0 {
		t.Errorf("Expected minimum 0, got %f", out.At(0, 0, 0, 0))
	}
	if out.At(2, 2, 2, 0) != 1 {
		t.Errorf("Expected maximum 1, got %f", out.At(2, 2, 2, 0))
	}
	dims := out.Dims()
	if len(dims) != 4 || dims[0] != 1 {
		t.Errorf("Expected leading batch axis, got dims %v", dims)
	}
	if vol.Batched {
		t.Error("Input volume must not be modified")
	}
}

func TestParseInterpolation(t *testing.T) {
	if i, err := ParseInterpolation("Linear"); err != nil || i != Linear {
		t.Errorf("Expected Linear, got %v (%v)", i, err)
	}
	if i, err := ParseInterpolation("nearest"); err != nil || i != Nearest {
		t.Errorf("Expected Nearest, got %v (%v)", i, err)
	}
	if _, err := ParseInterpolation("cubic"); !errors.Is(err, models.ErrConfig) {
		t.Errorf("Expected ErrConfig, got %v", err)
	}
}
