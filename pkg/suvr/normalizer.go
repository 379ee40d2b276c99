// Package suvr computes standardized uptake value ratio (SUVR) maps and
// regional uptake statistics from PET volumes.
package suvr

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"neuroquant/internal/models"
	"neuroquant/pkg/geometry"
	"neuroquant/pkg/mapping"
	"neuroquant/pkg/volumeio"
)

// State is the stage a Normalizer has reached
type State int

const (
	Unloaded State = iota
	Loaded
	CompatibilityChecked
	Registered
	Computed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case CompatibilityChecked:
		return "compatibility-checked"
	case Registered:
		return "registered"
	case Computed:
		return "computed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Store loads and saves volumes. *volumeio.IO implements it.
type Store interface {
	Load(path string) (*models.Volume, error)
	Save(path string, vol *models.Volume, opts volumeio.SaveOptions) error
}

// Options holds the tolerances and mapping settings of a Normalizer
type Options struct {
	// AffineTolerance is the absolute tolerance when comparing affines
	AffineTolerance float64

	// SpacingTolerance is the absolute tolerance when comparing voxel sizes
	SpacingTolerance float64

	// MappingOrder is the interpolation order used to map the mask onto
	// the PET grid
	MappingOrder int

	// Workers bounds the goroutines used for mapping
	Workers int

	// UseRegistered makes Run compute with the registered mask when one
	// exists
	UseRegistered bool
}

// DefaultOptions returns the tolerances used for SUVR grid checks
func DefaultOptions() Options {
	return Options{
		AffineTolerance:  1e-3,
		SpacingTolerance: 0.1,
		MappingOrder:     0,
		UseRegistered:    true,
	}
}

// Compatibility is the outcome of a grid check. All three must hold for
// the grids to be compatible.
type Compatibility struct {
	Shape   bool
	Affine  bool
	Spacing bool
}

// OK reports whether the grids are fully compatible
func (c Compatibility) OK() bool {
	return c.Shape && c.Affine && c.Spacing
}

// Result is a computed SUVR map and the reference statistics behind it
type Result struct {
	// Volume is the SUVR map on the PET grid, with the PET affine and header
	Volume *models.Volume

	ReferenceMean   float64
	ReferenceVoxels int

	// UsedRegistered reports whether the registered mask was used
	UsedRegistered bool

	Min, Max float64
}

// Normalizer divides a PET volume by the mean uptake inside a reference
// region mask. It moves through Load, CheckCompatibility, the optional
// RegisterIfNeeded and ComputeSUVR in order; calling a step before its
// prerequisites returns models.ErrState.
type Normalizer struct {
	opts  Options
	store Store
	log   logrus.FieldLogger

	state      State
	pet        *models.Volume
	mask       *models.Volume
	registered *models.Volume
	compat     Compatibility
	regErr     error
}

// NewNormalizer returns a Normalizer in the Unloaded state
func NewNormalizer(store Store, log logrus.FieldLogger, opts Options) *Normalizer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Normalizer{opts: opts, store: store, log: log}
}

// State returns the current stage
func (n *Normalizer) State() State {
	return n.state
}

// Load reads the PET volume and the reference mask. A failure names the
// path that could not be read and leaves the Normalizer unloaded.
func (n *Normalizer) Load(petPath, maskPath string) error {
	if n.store == nil {
		return fmt.Errorf("%w: normalizer has no volume store", models.ErrConfig)
	}
	pet, err := n.store.Load(petPath)
	if err != nil {
		n.reset()
		return fmt.Errorf("failed to load PET image: %w", err)
	}
	mask, err := n.store.Load(maskPath)
	if err != nil {
		n.reset()
		return fmt.Errorf("failed to load reference mask: %w", err)
	}
	return n.LoadVolumes(pet, mask)
}

// LoadVolumes starts from volumes already in memory
func (n *Normalizer) LoadVolumes(pet, mask *models.Volume) error {
	n.reset()
	if err := pet.Validate(); err != nil {
		return fmt.Errorf("PET image: %w", err)
	}
	if err := mask.Validate(); err != nil {
		return fmt.Errorf("reference mask: %w", err)
	}
	n.pet, n.mask = pet, mask
	n.state = Loaded

	n.log.WithFields(logrus.Fields{
		"petShape":    pet.Dims(),
		"petSpacing":  pet.Spacing,
		"maskShape":   mask.Dims(),
		"maskSpacing": mask.Spacing,
	}).Info("Loaded PET image and reference mask")
	return nil
}

func (n *Normalizer) reset() {
	n.state = Unloaded
	n.pet, n.mask, n.registered = nil, nil, nil
	n.compat = Compatibility{}
	n.regErr = nil
}

// CheckCompatibility compares the PET and mask grids: identical shapes,
// affines equal within AffineTolerance and voxel sizes equal within
// SpacingTolerance. Partial matches count as incompatible.
func (n *Normalizer) CheckCompatibility() (Compatibility, error) {
	if n.state < Loaded {
		return Compatibility{}, fmt.Errorf("%w: check compatibility called in state %s", models.ErrState, n.state)
	}

	c := Compatibility{
		Shape:  sameDims(n.pet, n.mask),
		Affine: geometry.AllClose(n.pet.Affine, n.mask.Affine, n.opts.AffineTolerance),
	}
	c.Spacing = true
	for d := 0; d < 3; d++ {
		if !geometry.Close(n.pet.Spacing[d], n.mask.Spacing[d], n.opts.SpacingTolerance) {
			c.Spacing = false
		}
	}

	n.compat = c
	if n.state < CompatibilityChecked {
		n.state = CompatibilityChecked
	}
	n.log.WithFields(logrus.Fields{
		"shape":   c.Shape,
		"affine":  c.Affine,
		"spacing": c.Spacing,
	}).Info("Checked image compatibility")
	return c, nil
}

func sameDims(a, b *models.Volume) bool {
	return a.Shape == b.Shape && len(a.Data) == len(b.Data)
}

// RegisterIfNeeded maps the mask onto the PET grid when the last
// compatibility check failed, and reports whether a registered mask was
// produced.
//
// A mapping failure is not returned: it is logged, kept in
// RegistrationError, and later steps fall back to the original mask.
func (n *Normalizer) RegisterIfNeeded() (bool, error) {
	if n.state < CompatibilityChecked {
		return false, fmt.Errorf("%w: register called in state %s", models.ErrState, n.state)
	}
	if n.compat.OK() {
		n.log.Info("Images are compatible, skipping registration")
		return false, nil
	}

	mapped, err := mapping.MapVoxels(n.mask, n.pet, n.opts.MappingOrder, mapping.Options{Workers: n.opts.Workers})
	if err != nil {
		n.regErr = fmt.Errorf("%w: %v", models.ErrRegistration, err)
		n.log.WithError(err).Warn("Registration failed, using the original mask")
		return false, nil
	}

	// The registered mask is stored as 8-bit labels on the PET grid
	data := mapped.Data
	for i, v := range data {
		data[i] = toUint8(v)
	}
	reg := n.pet.WithData(data, mapped.Channels)
	n.registered = reg
	n.regErr = nil
	n.state = Registered

	n.log.WithField("voxels", humanize.Comma(int64(countEqual(reg.Data, 1)))).Info("Registered reference mask to PET grid")
	return true, nil
}

// toUint8 truncates toward zero and saturates to [0, 255]
func toUint8(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(math.Trunc(v), math.MaxUint8))
}

func countEqual(data []float64, value float64) int {
	n := 0
	for _, v := range data {
		if v == value {
			n++
		}
	}
	return n
}

// RegistrationError returns the error of the last failed registration
func (n *Normalizer) RegistrationError() error {
	return n.regErr
}

// RegisteredMask returns the mask mapped onto the PET grid, if any
func (n *Normalizer) RegisteredMask() *models.Volume {
	return n.registered
}

// ComputeSUVR divides every PET voxel by the mean PET intensity inside the
// reference region (mask == 1).
//
// The registered mask is used when useRegistered is set and one exists.
// If the chosen mask's grid differs from the PET grid the registered mask
// is tried instead; without one the call fails with
// models.ErrIncompatibleGrid. An empty reference region fails with
// models.ErrEmptyRegion.
func (n *Normalizer) ComputeSUVR(useRegistered bool) (*Result, error) {
	if n.state < CompatibilityChecked {
		return nil, fmt.Errorf("%w: compute SUVR called in state %s", models.ErrState, n.state)
	}

	mask := n.mask
	usedRegistered := false
	if useRegistered && n.registered != nil {
		mask, usedRegistered = n.registered, true
	}
	if !sameDims(mask, n.pet) {
		if n.registered == nil {
			return nil, fmt.Errorf("%w: mask %v and PET %v differ and no registered mask exists",
				models.ErrIncompatibleGrid, mask.Dims(), n.pet.Dims())
		}
		n.log.Warn("Mask and PET grids differ, using the registered mask")
		mask, usedRegistered = n.registered, true
		if !sameDims(mask, n.pet) {
			return nil, fmt.Errorf("%w: registered mask %v does not match PET %v",
				models.ErrIncompatibleGrid, mask.Dims(), n.pet.Dims())
		}
	}

	var reference []float64
	for i, m := range mask.Data {
		if m == 1 {
			reference = append(reference, n.pet.Data[i])
		}
	}
	if len(reference) == 0 {
		return nil, fmt.Errorf("%w: check the reference mask", models.ErrEmptyRegion)
	}
	mean := stat.Mean(reference, nil)

	data := make([]float64, len(n.pet.Data))
	for i, v := range n.pet.Data {
		data[i] = v / mean
	}
	res := &Result{
		Volume:          n.pet.WithData(data, n.pet.Channels),
		ReferenceMean:   mean,
		ReferenceVoxels: len(reference),
		UsedRegistered:  usedRegistered,
		Min:             floats.Min(data),
		Max:             floats.Max(data),
	}
	n.state = Computed

	n.log.WithFields(logrus.Fields{
		"referenceMean": fmt.Sprintf("%.4f", mean),
		"voxels":        humanize.Comma(int64(len(reference))),
		"range":         fmt.Sprintf("[%.4f, %.4f]", res.Min, res.Max),
	}).Info("Computed SUVR")
	return res, nil
}

// Save writes an SUVR map. I/O failures are returned with the path.
func (n *Normalizer) Save(vol *models.Volume, path string) error {
	if n.store == nil {
		return fmt.Errorf("%w: normalizer has no volume store", models.ErrConfig)
	}
	if vol == nil {
		return fmt.Errorf("%w: nothing to save", models.ErrState)
	}
	if err := n.store.Save(path, vol, volumeio.SaveOptions{MakeDirs: true}); err != nil {
		return err
	}
	n.log.WithField("path", path).Info("Saved SUVR image")
	return nil
}

// Run executes the whole workflow: load, check, register when needed,
// compute (with the registered mask when Options.UseRegistered is set), and
// save to outPath when it is not empty.
func (n *Normalizer) Run(petPath, maskPath, outPath string) (*Result, error) {
	if err := n.Load(petPath, maskPath); err != nil {
		return nil, err
	}
	if _, err := n.CheckCompatibility(); err != nil {
		return nil, err
	}
	if _, err := n.RegisterIfNeeded(); err != nil {
		return nil, err
	}
	res, err := n.ComputeSUVR(n.opts.UseRegistered)
	if err != nil {
		return nil, err
	}
	if outPath != "" {
		if err := n.Save(res.Volume, outPath); err != nil {
			return nil, err
		}
	}
	return res, nil
}
