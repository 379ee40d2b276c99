package visualization

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"neuroquant/internal/models"
	"neuroquant/pkg/geometry"
)

// createTestVolume creates a volume where each z slice has a unique value
func createTestVolume(width, height, depth int) *models.Volume {
	vol := models.NewVolume([3]int{width, height, depth}, nil)
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				vol.Data[vol.Index(x, y, z)] = float64(z)
			}
		}
	}
	return vol
}

func TestNewViewerWindow(t *testing.T) {
	viewer, err := NewViewer(createTestVolume(4, 4, 5))
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}
	if viewer.Low != 0 || viewer.High != 4 {
		t.Errorf("Expected window [0, 4], got [%f, %f]", viewer.Low, viewer.High)
	}
}

// TestExtractSlice verifies slice dimensions and windowed intensities
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	viewer, err := NewViewer(createTestVolume(width, height, depth))
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}
		if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
			t.Errorf("Expected %dx%d slice, got %dx%d", width, height, b.Dx(), b.Dy())
		}
		gray := img.(*image.Gray16)
		want := uint16(float64(z) / 4 * 65535)
		if got := gray.Gray16At(3, 2).Y; got != want {
			t.Errorf("Z slice %d: expected gray %d, got %d", z, want, got)
		}
	}

	img, err := viewer.ExtractSlice("x", 0)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := img.Bounds(); b.Dx() != depth || b.Dy() != height {
		t.Errorf("Expected %dx%d X slice, got %dx%d", depth, height, b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice("z", depth); err == nil {
		t.Error("Expected error for position beyond the volume")
	}
	if _, err := viewer.ExtractSlice("w", 0); err == nil {
		t.Error("Expected error for invalid axis")
	}
}

func TestExtractRegion(t *testing.T) {
	vol := createTestVolume(6, 6, 6)
	vol.Affine.Set(0, 0, 2)
	viewer, err := NewViewer(vol)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}

	region, err := viewer.ExtractRegion([3]int{1, 2, 3}, [3]int{2, 2, 2})
	if err != nil {
		t.Fatalf("ExtractRegion failed: %v", err)
	}
	if got := region.At(0, 0, 0, 0); got != 3 {
		t.Errorf("Expected value 3 at region origin, got %f", got)
	}
	w := geometry.Apply(region.Affine, []float64{0, 0, 0})
	if w[0] != 2 || w[1] != 2 || w[2] != 3 {
		t.Errorf("Expected region origin at world (2,2,3), got %v", w)
	}

	if _, err := viewer.ExtractRegion([3]int{5, 0, 0}, [3]int{2, 1, 1}); err == nil {
		t.Error("Expected error for region beyond the volume")
	}
}

func TestSaveSliceSequence(t *testing.T) {
	dir := t.TempDir()
	viewer, err := NewViewer(createTestVolume(4, 4, 3))
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}
	if err := viewer.SaveSliceSequence("z", dir); err != nil {
		t.Fatalf("SaveSliceSequence failed: %v", err)
	}
	for z := 0; z < 3; z++ {
		path := filepath.Join(dir, fmt.Sprintf("slice_z_%03d.jpg", z))
		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("Expected %s to exist: %v", path, err)
		}
		if _, err := jpeg.Decode(f); err != nil {
			t.Errorf("Slice %d is not a valid JPEG: %v", z, err)
		}
		f.Close()
	}
}

func TestSaveMidSlices(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "qc", "case01")
	viewer, err := NewViewer(createTestVolume(5, 6, 7))
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}
	paths, err := viewer.SaveMidSlices(prefix)
	if err != nil {
		t.Fatalf("SaveMidSlices failed: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("Expected 3 snapshots, got %d", len(paths))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Expected %s to exist", p)
		}
	}
}
