package suvr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"neuroquant/internal/models"
	"neuroquant/pkg/mapping"
)

// Regional holds the mean uptake of each requested label
type Regional struct {
	IDs   []int
	Means []float64
}

// Key returns the column name used for a label in reports
func Key(id int) string {
	return fmt.Sprintf("Label%d", id)
}

// Values returns the means keyed by Key(id)
func (r *Regional) Values() map[string]float64 {
	out := make(map[string]float64, len(r.IDs))
	for i, id := range r.IDs {
		out[Key(id)] = r.Means[i]
	}
	return out
}

// RegionalMeans returns the mean PET intensity of each label, ignoring
// NaN voxels. A label that selects no finite voxels has a NaN mean. pet and
// labels must share a grid.
func RegionalMeans(pet, labels *models.Volume, ids []int) (*Regional, error) {
	if err := pet.Validate(); err != nil {
		return nil, fmt.Errorf("PET image: %w", err)
	}
	if err := labels.Validate(); err != nil {
		return nil, fmt.Errorf("label image: %w", err)
	}
	if pet.Shape != labels.Shape || !labels.IsSingleFrame() {
		return nil, fmt.Errorf("%w: label image %v does not match PET %v",
			models.ErrShapeValidation, labels.Dims(), pet.Dims())
	}

	pos := make(map[int]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	values := make([][]float64, len(ids))

	// Only the first frame of a dynamic PET image is summarized
	data := pet.Channel(0)
	for v, l := range labels.Data {
		if l != math.Trunc(l) {
			continue
		}
		i, ok := pos[int(l)]
		if !ok || math.IsNaN(data[v]) {
			continue
		}
		values[i] = append(values[i], data[v])
	}

	res := &Regional{IDs: append([]int(nil), ids...), Means: make([]float64, len(ids))}
	for i := range ids {
		if len(values[i]) == 0 {
			res.Means[i] = math.NaN()
			continue
		}
		res.Means[i] = stat.Mean(values[i], nil)
	}
	return res, nil
}

// RegionalSUVR maps a label atlas onto the PET grid with the voxel mapper
// and returns the mean uptake of each label. Pass an SUVR map as pet to
// get regional SUVR values.
func RegionalSUVR(pet, atlas *models.Volume, ids []int, workers int) (*Regional, error) {
	if err := pet.Validate(); err != nil {
		return nil, fmt.Errorf("PET image: %w", err)
	}
	mapped, err := mapping.MapVoxels(atlas, pet, 0, mapping.Options{Workers: workers})
	if err != nil {
		return nil, fmt.Errorf("failed to map label atlas: %w", err)
	}
	return RegionalMeans(pet, mapped, ids)
}
