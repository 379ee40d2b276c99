// Package overlap computes label overlap statistics between two label
// volumes.
package overlap

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"neuroquant/internal/models"
)

// eps bounds the Dice denominator away from zero, so a label absent from
// both volumes scores 0 rather than NaN.
var eps = math.Nextafter(1, 2) - 1

// Result holds per-label Dice scores and their summary statistics
type Result struct {
	Labels []int
	Scores []float64

	// Mean is the average of Scores
	Mean float64

	// Std is the population standard deviation of Scores
	Std float64
}

// Dice computes 2|A∩B| / (|A|+|B|) for each label, where A and B are the
// voxels equal to the label in a and b. Volume values are rounded to the
// nearest integer before comparison.
//
// A label present in neither volume scores 0.
func Dice(a, b *models.Volume, labels []int) (*Result, error) {
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("first label volume: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("second label volume: %w", err)
	}
	if a.Shape != b.Shape || len(a.Data) != len(b.Data) {
		return nil, fmt.Errorf("%w: label volumes have shapes %v and %v",
			models.ErrShapeValidation, a.Dims(), b.Dims())
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: no labels requested", models.ErrConfig)
	}

	pos := make(map[int]int, len(labels))
	for i, l := range labels {
		if _, dup := pos[l]; dup {
			return nil, fmt.Errorf("%w: label %d requested twice", models.ErrConfig, l)
		}
		pos[l] = i
	}

	inter := make([]float64, len(labels))
	sizeA := make([]float64, len(labels))
	sizeB := make([]float64, len(labels))
	for v := range a.Data {
		la := int(math.Round(a.Data[v]))
		lb := int(math.Round(b.Data[v]))
		ia, okA := pos[la]
		if okA {
			sizeA[ia]++
		}
		if ib, okB := pos[lb]; okB {
			sizeB[ib]++
		}
		if okA && la == lb {
			inter[ia]++
		}
	}

	res := &Result{
		Labels: append([]int(nil), labels...),
		Scores: make([]float64, len(labels)),
	}
	for i := range labels {
		res.Scores[i] = 2 * inter[i] / math.Max(sizeA[i]+sizeB[i], eps)
	}
	res.Mean, res.Std = stat.PopMeanStdDev(res.Scores, nil)
	return res, nil
}

// Score returns the Dice score of a single label, or false when the label
// was not part of the computation.
func (r *Result) Score(label int) (float64, bool) {
	for i, l := range r.Labels {
		if l == label {
			return r.Scores[i], true
		}
	}
	return 0, false
}
