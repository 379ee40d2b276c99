// Package intensity holds voxel-wise intensity operations: clipping,
// normalization, masking and SUV scaling.
package intensity

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"neuroquant/internal/models"
)

// ClipNormalize clips intensities to [min, max] and, when normalize is set,
// rescales the clipped values to [0, 1]. Normalizing data with no
// variation is an error.
func ClipNormalize(vol *models.Volume, min, max float64, normalize bool) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if min > max {
		return nil, fmt.Errorf("%w: clip minimum %g exceeds maximum %g", models.ErrConfig, min, max)
	}

	data := make([]float64, len(vol.Data))
	for i, v := range vol.Data {
		data[i] = math.Max(min, math.Min(v, max))
	}
	if normalize {
		lo, hi := floats.Min(data), floats.Max(data)
		if hi-lo == 0 {
			return nil, fmt.Errorf("the data has no variation; min and max values are equal")
		}
		floats.AddConst(-lo, data)
		floats.Scale(1/(hi-lo), data)
	}
	return vol.WithData(data, vol.Channels), nil
}

// ApplyMask keeps voxels where mask is positive and zeroes the rest. A
// single-frame mask is applied to every frame of vol.
func ApplyMask(vol, mask *models.Volume) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if err := mask.Validate(); err != nil {
		return nil, fmt.Errorf("mask: %w", err)
	}
	if vol.Shape != mask.Shape || !mask.IsSingleFrame() {
		return nil, fmt.Errorf("%w: mask %v does not match image %v",
			models.ErrShapeValidation, mask.Dims(), vol.Dims())
	}

	n := vol.NumVoxels()
	data := make([]float64, len(vol.Data))
	for i, v := range vol.Data {
		if mask.Data[i%n] > 0 {
			data[i] = v
		}
	}
	return vol.WithData(data, vol.Channels), nil
}

// SUVParams are the acquisition values needed for body-weight SUV
type SUVParams struct {
	// TotalDose is the injected activity in Bq
	TotalDose float64

	// HalfLife is the radionuclide half-life in seconds
	HalfLife float64

	// InjectionTime and AcquisitionTime are clock times as HHMMSS.ffffff
	InjectionTime   string
	AcquisitionTime string

	// Weight is the patient weight in kg
	Weight float64
}

// ClockSeconds converts an HHMMSS[.ffffff] clock time to seconds after
// midnight.
func ClockSeconds(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return 0, fmt.Errorf("%w: time %q is not HHMMSS", models.ErrConfig, s)
	}
	h, err := strconv.ParseFloat(s[:2], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: time %q: %v", models.ErrConfig, s, err)
	}
	m, err := strconv.ParseFloat(s[2:4], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: time %q: %v", models.ErrConfig, s, err)
	}
	sec, err := strconv.ParseFloat(s[4:], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: time %q: %v", models.ErrConfig, s, err)
	}
	return h*3600 + m*60 + sec, nil
}

// SUVFactor returns the factor converting activity concentration (Bq/ml)
// to body-weight SUV: 1000·weight / decayed dose, where the dose decays
// from injection to acquisition.
func SUVFactor(p SUVParams) (float64, error) {
	if p.TotalDose <= 0 || p.HalfLife <= 0 || p.Weight <= 0 {
		return 0, fmt.Errorf("%w: dose, half-life and weight must be positive", models.ErrConfig)
	}
	start, err := ClockSeconds(p.InjectionTime)
	if err != nil {
		return 0, err
	}
	acq, err := ClockSeconds(p.AcquisitionTime)
	if err != nil {
		return 0, err
	}
	decayed := p.TotalDose * math.Pow(0.5, (acq-start)/p.HalfLife)
	return 1000 * p.Weight / decayed, nil
}

// ScaleSUV multiplies every voxel by factor
func ScaleSUV(vol *models.Volume, factor float64) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	data := make([]float64, len(vol.Data))
	copy(data, vol.Data)
	floats.Scale(factor, data)
	return vol.WithData(data, vol.Channels), nil
}
