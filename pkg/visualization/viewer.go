// Package visualization renders quality-control snapshots of volumes.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"

	"neuroquant/internal/models"
)

// Viewer renders slices of a single frame of a volume as 16-bit grayscale
// images. Intensities are windowed linearly from [Low, High] to the full
// gray range.
type Viewer struct {
	vol   *models.Volume
	frame []float64

	// Low and High bound the display window
	Low  float64
	High float64
}

// NewViewer creates a viewer over frame 0 of vol, windowed to the finite
// minimum and maximum of that frame.
func NewViewer(vol *models.Volume) (*Viewer, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	v := &Viewer{vol: vol, frame: vol.Channel(0)}
	v.Low, v.High = math.Inf(1), math.Inf(-1)
	for _, x := range v.frame {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		v.Low = math.Min(v.Low, x)
		v.High = math.Max(v.High, x)
	}
	if math.IsInf(v.Low, 1) {
		v.Low, v.High = 0, 1
	}
	return v, nil
}

// gray maps an intensity into the display window
func (v *Viewer) gray(x float64) color.Gray16 {
	if math.IsNaN(x) || v.High <= v.Low {
		return color.Gray16{}
	}
	t := (x - v.Low) / (v.High - v.Low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// axisIndex maps "x", "y" or "z" to 0, 1 or 2
func axisIndex(axis string) (int, error) {
	switch strings.ToLower(axis) {
	case "x":
		return 0, nil
	case "y":
		return 1, nil
	case "z":
		return 2, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts a 2D slice perpendicular to axis at position.
// An x slice spans (z, y), a y slice (x, z) and a z slice (x, y).
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	shape := v.vol.Shape
	if position < 0 || position >= shape[a] {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, shape[a], axis)
	}

	var img *image.Gray16
	switch a {
	case 0:
		img = image.NewGray16(image.Rect(0, 0, shape[2], shape[1]))
		for y := 0; y < shape[1]; y++ {
			for z := 0; z < shape[2]; z++ {
				img.SetGray16(z, y, v.gray(v.frame[v.vol.Index(position, y, z)]))
			}
		}
	case 1:
		img = image.NewGray16(image.Rect(0, 0, shape[0], shape[2]))
		for z := 0; z < shape[2]; z++ {
			for x := 0; x < shape[0]; x++ {
				img.SetGray16(x, z, v.gray(v.frame[v.vol.Index(x, position, z)]))
			}
		}
	case 2:
		img = image.NewGray16(image.Rect(0, 0, shape[0], shape[1]))
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				img.SetGray16(x, y, v.gray(v.frame[v.vol.Index(x, y, position)]))
			}
		}
	}
	return img, nil
}

// ExtractRegion extracts a subvolume. Its affine is shifted so that every
// voxel keeps its world position.
func (v *Viewer) ExtractRegion(start, size [3]int) (*models.Volume, error) {
	for d := 0; d < 3; d++ {
		if start[d] < 0 {
			return nil, fmt.Errorf("start coordinates must be non-negative")
		}
		if size[d] <= 0 {
			return nil, fmt.Errorf("size dimensions must be positive")
		}
		if start[d]+size[d] > v.vol.Shape[d] {
			return nil, fmt.Errorf("region extends beyond volume boundaries")
		}
	}

	shift := models.Identity4()
	for d := 0; d < 3; d++ {
		shift.Set(d, 3, float64(start[d]))
	}
	affine := mat.NewDense(4, 4, nil)
	affine.Mul(v.vol.Affine, shift)

	region := models.NewVolume(size, affine)
	region.Header = v.vol.Header.Clone()
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				region.Data[region.Index(x, y, z)] = v.frame[v.vol.Index(start[0]+x, start[1]+y, start[2]+z)]
			}
		}
	}
	return region, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return models.NewPathError("write", filename, err)
	}
	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		file.Close()
		return models.NewPathError("write", filename, err)
	}
	return models.NewPathError("write", filename, file.Close())
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	a, err := axisIndex(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return models.NewPathError("create", outputDir, err)
	}

	for pos := 0; pos < v.vol.Shape[a]; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// SaveMidSlices saves the middle slice along each axis as
// <prefix>_x.jpg, <prefix>_y.jpg and <prefix>_z.jpg and returns the paths.
func (v *Viewer) SaveMidSlices(prefix string) ([]string, error) {
	if err := os.MkdirAll(filepath.Dir(prefix), 0755); err != nil {
		return nil, models.NewPathError("create", filepath.Dir(prefix), err)
	}
	var paths []string
	for a, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, v.vol.Shape[a]/2)
		if err != nil {
			return nil, err
		}
		path := fmt.Sprintf("%s_%s.jpg", prefix, axis)
		if err := v.SaveSlice(img, path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
