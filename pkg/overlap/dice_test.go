package overlap

import (
	"errors"
	"math"
	"testing"

	"neuroquant/internal/models"
)

// createLabelVolume fills a 6x6x6 volume with labels from fn
func createLabelVolume(fn func(i, j, k int) float64) *models.Volume {
	vol := models.NewVolume([3]int{6, 6, 6}, nil)
	for k := 0; k < 6; k++ {
		for j := 0; j < 6; j++ {
			for i := 0; i < 6; i++ {
				vol.Data[vol.Index(i, j, k)] = fn(i, j, k)
			}
		}
	}
	return vol
}

func TestDiceIdentical(t *testing.T) {
	vol := createLabelVolume(func(i, j, k int) float64 { return float64(i % 4) })
	res, err := Dice(vol, vol.Clone(), []int{1, 2, 3})
	if err != nil {
		t.Fatalf("Dice failed: %v", err)
	}
	if res.Mean != 1 {
		t.Errorf("Expected mean 1, got %f", res.Mean)
	}
	if res.Std != 0 {
		t.Errorf("Expected std 0, got %f", res.Std)
	}
}

func TestDiceDisjoint(t *testing.T) {
	a := createLabelVolume(func(i, j, k int) float64 {
		if i < 3 {
			return 1
		}
		return 0
	})
	b := createLabelVolume(func(i, j, k int) float64 {
		if i >= 3 {
			return 1
		}
		return 0
	})
	res, err := Dice(a, b, []int{1})
	if err != nil {
		t.Fatalf("Dice failed: %v", err)
	}
	if s, _ := res.Score(1); s != 0 {
		t.Errorf("Expected Dice 0 for disjoint labels, got %f", s)
	}
}

// TestDicePartialOverlap checks scores and population statistics together
func TestDicePartialOverlap(t *testing.T) {
	a := createLabelVolume(func(i, j, k int) float64 {
		if i < 4 {
			return 1
		}
		return 2
	})
	b := createLabelVolume(func(i, j, k int) float64 {
		if i < 2 {
			return 1
		}
		return 2
	})
	res, err := Dice(a, b, []int{1, 2})
	if err != nil {
		t.Fatalf("Dice failed: %v", err)
	}
	// Label 1: |A|=4, |B|=2, overlap 2 slabs -> 4/6; label 2: |A|=2, |B|=4, overlap 2 -> 4/6
	want := 4.0 / 6
	for _, l := range []int{1, 2} {
		if s, _ := res.Score(l); math.Abs(s-want) > 1e-12 {
			t.Errorf("Label %d: expected %f, got %f", l, want, s)
		}
	}
	if math.Abs(res.Mean-want) > 1e-12 || res.Std > 1e-12 {
		t.Errorf("Expected mean %f std 0, got %f, %f", want, res.Mean, res.Std)
	}

	res, err = Dice(a, a, []int{1, 7})
	if err != nil {
		t.Fatalf("Dice failed: %v", err)
	}
	if math.Abs(res.Mean-0.5) > 1e-12 || math.Abs(res.Std-0.5) > 1e-12 {
		t.Errorf("Expected mean 0.5 std 0.5 for scores {1, 0}, got %f, %f", res.Mean, res.Std)
	}
}

// TestDiceAbsentLabel documents the score of a label found in neither volume
func TestDiceAbsentLabel(t *testing.T) {
	vol := createLabelVolume(func(i, j, k int) float64 { return 1 })
	res, err := Dice(vol, vol, []int{9})
	if err != nil {
		t.Fatalf("Dice failed: %v", err)
	}
	if s, ok := res.Score(9); !ok || s != 0 || math.IsNaN(res.Mean) {
		t.Errorf("Expected score 0 for absent label, got %f (mean %f)", s, res.Mean)
	}
}

func TestDiceValidation(t *testing.T) {
	a := models.NewVolume([3]int{2, 2, 2}, nil)
	b := models.NewVolume([3]int{2, 2, 3}, nil)
	if _, err := Dice(a, b, []int{1}); !errors.Is(err, models.ErrShapeValidation) {
		t.Errorf("Expected ErrShapeValidation, got %v", err)
	}
	if _, err := Dice(a, a, nil); !errors.Is(err, models.ErrConfig) {
		t.Errorf("Expected ErrConfig for empty label list, got %v", err)
	}
	if _, err := Dice(a, a, []int{1, 1}); !errors.Is(err, models.ErrConfig) {
		t.Errorf("Expected ErrConfig for duplicate labels, got %v", err)
	}
}
