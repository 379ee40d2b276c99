package suvr

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroquant/internal/models"
	"neuroquant/pkg/volumeio"
)

func newTestNormalizer(t *testing.T, opts Options) (*Normalizer, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	return NewNormalizer(volumeio.New(logger), logger, opts), hook
}

func constantVolume(shape [3]int, value float64) *models.Volume {
	vol := models.NewVolume(shape, nil)
	for i := range vol.Data {
		vol.Data[i] = value
	}
	return vol
}

// TestSingleVoxelReference covers a 10x10x10 all-ones PET image with a
// single reference voxel.
func TestSingleVoxelReference(t *testing.T) {
	pet := constantVolume([3]int{10, 10, 10}, 1)
	mask := models.NewVolume(pet.Shape, nil)
	mask.Data[mask.Index(5, 5, 5)] = 1

	n, _ := newTestNormalizer(t, DefaultOptions())
	require.NoError(t, n.LoadVolumes(pet, mask))
	c, err := n.CheckCompatibility()
	require.NoError(t, err)
	assert.True(t, c.OK())

	registered, err := n.RegisterIfNeeded()
	require.NoError(t, err)
	assert.False(t, registered)

	res, err := n.ComputeSUVR(true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReferenceVoxels)
	for _, v := range res.Volume.Data {
		require.Equal(t, 1.0, v)
	}
	assert.Equal(t, Computed, n.State())
}

func TestConstantVolumeGivesUnitSUVR(t *testing.T) {
	pet := constantVolume([3]int{6, 5, 4}, 3.7)
	mask := models.NewVolume(pet.Shape, nil)
	for i := 0; i < len(mask.Data); i += 3 {
		mask.Data[i] = 1
	}

	n, _ := newTestNormalizer(t, DefaultOptions())
	require.NoError(t, n.LoadVolumes(pet, mask))
	_, err := n.CheckCompatibility()
	require.NoError(t, err)
	res, err := n.ComputeSUVR(false)
	require.NoError(t, err)
	for _, v := range res.Volume.Data {
		require.InDelta(t, 1.0, v, 1e-12)
	}
}

func TestEmptyReferenceRegion(t *testing.T) {
	pet := constantVolume([3]int{4, 4, 4}, 2)
	mask := models.NewVolume(pet.Shape, nil)

	n, _ := newTestNormalizer(t, DefaultOptions())
	require.NoError(t, n.LoadVolumes(pet, mask))
	_, err := n.CheckCompatibility()
	require.NoError(t, err)
	_, err = n.ComputeSUVR(true)
	assert.ErrorIs(t, err, models.ErrEmptyRegion)
}

func TestResultKeepsPETGeometry(t *testing.T) {
	pet := constantVolume([3]int{4, 4, 4}, 5)
	pet.Affine.Set(0, 3, -12)
	pet.Header = &models.Header{IntentCode: 7}
	mask := models.NewVolume(pet.Shape, pet.Affine)
	mask.Data[0] = 1
	pet.Data[0] = 10

	n, _ := newTestNormalizer(t, DefaultOptions())
	require.NoError(t, n.LoadVolumes(pet, mask))
	_, err := n.CheckCompatibility()
	require.NoError(t, err)
	res, err := n.ComputeSUVR(true)
	require.NoError(t, err)

	assert.Equal(t, -12.0, res.Volume.Affine.At(0, 3))
	assert.Equal(t, int16(7), res.Volume.Header.IntentCode)
	assert.Equal(t, 1.0, res.Volume.Data[0])
	assert.Equal(t, 0.5, res.Volume.Data[1])
	assert.Equal(t, 10.0, pet.Data[0], "PET input must not be modified")
}

// TestRegistersMismatchedMask maps a coarse mask onto a finer PET grid
func TestRegistersMismatchedMask(t *testing.T) {
	pet := constantVolume([3]int{8, 8, 8}, 4)
	maskAffine := models.Identity4()
	for d := 0; d < 3; d++ {
		maskAffine.Set(d, d, 2)
	}
	mask := models.NewVolume([3]int{4, 4, 4}, maskAffine)
	mask.Data[mask.Index(1, 1, 1)] = 1

	n, _ := newTestNormalizer(t, DefaultOptions())
	require.NoError(t, n.LoadVolumes(pet, mask))
	c, err := n.CheckCompatibility()
	require.NoError(t, err)
	assert.False(t, c.Shape)
	assert.False(t, c.OK())

	_, err = n.ComputeSUVR(true)
	assert.ErrorIs(t, err, models.ErrIncompatibleGrid)

	registered, err := n.RegisterIfNeeded()
	require.NoError(t, err)
	require.True(t, registered)
	assert.Equal(t, pet.Shape, n.RegisteredMask().Shape)

	res, err := n.ComputeSUVR(true)
	require.NoError(t, err)
	assert.True(t, res.UsedRegistered)
	assert.Greater(t, res.ReferenceVoxels, 0)
	assert.InDelta(t, 4.0, res.ReferenceMean, 1e-12)
}

// TestCheckCompatibilityPartialMatch checks that equal shapes alone are not
// enough: the affine and the voxel sizes must also agree within tolerance.
func TestCheckCompatibilityPartialMatch(t *testing.T) {
	tests := []struct {
		name        string
		translation float64
		spacing     float64
		wantAffine  bool
		wantSpacing bool
	}{
		{"identical", 0, 0, true, true},
		{"affine within tolerance", 5e-4, 0, true, true},
		{"affine off by 1e-2", 1e-2, 0, false, true},
		{"spacing within tolerance", 0, 0.05, true, true},
		{"spacing off by 0.2", 0, 0.2, true, false},
		{"both off", 1e-2, 0.2, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			petAffine := models.Identity4()
			petAffine.Set(0, 3, 10)
			pet := models.NewVolume([3]int{6, 6, 6}, petAffine)
			for i := range pet.Data {
				pet.Data[i] = 2
			}

			maskAffine := models.Identity4()
			maskAffine.Set(0, 3, 10+tt.translation)
			mask := models.NewVolume(pet.Shape, maskAffine)
			mask.Spacing[0] += tt.spacing
			mask.Data[mask.Index(3, 3, 3)] = 1

			n, _ := newTestNormalizer(t, DefaultOptions())
			require.NoError(t, n.LoadVolumes(pet, mask))
			c, err := n.CheckCompatibility()
			require.NoError(t, err)
			assert.True(t, c.Shape)
			assert.Equal(t, tt.wantAffine, c.Affine)
			assert.Equal(t, tt.wantSpacing, c.Spacing)

			wantOK := tt.wantAffine && tt.wantSpacing
			assert.Equal(t, wantOK, c.OK())

			registered, err := n.RegisterIfNeeded()
			require.NoError(t, err)
			assert.Equal(t, !wantOK, registered)

			res, err := n.ComputeSUVR(true)
			require.NoError(t, err)
			assert.Equal(t, !wantOK, res.UsedRegistered)
			assert.InDelta(t, 2.0, res.ReferenceMean, 1e-12)
		})
	}
}

func TestRegistrationFailureFallsBack(t *testing.T) {
	pet := constantVolume([3]int{4, 4, 4}, 1)
	mask := models.NewVolume([3]int{2, 2, 2}, nil)
	opts := DefaultOptions()
	opts.MappingOrder = 9

	n, hook := newTestNormalizer(t, opts)
	require.NoError(t, n.LoadVolumes(pet, mask))
	_, err := n.CheckCompatibility()
	require.NoError(t, err)

	registered, err := n.RegisterIfNeeded()
	require.NoError(t, err)
	assert.False(t, registered)
	assert.ErrorIs(t, n.RegistrationError(), models.ErrRegistration)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned, "expected the fallback to be logged")

	_, err = n.ComputeSUVR(true)
	assert.ErrorIs(t, err, models.ErrIncompatibleGrid)
}

func TestStateOrdering(t *testing.T) {
	n, _ := newTestNormalizer(t, DefaultOptions())
	_, err := n.CheckCompatibility()
	assert.ErrorIs(t, err, models.ErrState)
	_, err = n.RegisterIfNeeded()
	assert.ErrorIs(t, err, models.ErrState)

	pet := constantVolume([3]int{2, 2, 2}, 1)
	require.NoError(t, n.LoadVolumes(pet, pet.Clone()))
	_, err = n.ComputeSUVR(true)
	assert.ErrorIs(t, err, models.ErrState)
}

func TestRunFromFiles(t *testing.T) {
	dir := t.TempDir()
	vio := volumeio.New(nil)
	pet := constantVolume([3]int{5, 5, 5}, 8)
	mask := models.NewVolume(pet.Shape, nil)
	mask.Data[7] = 1
	require.NoError(t, vio.Save(filepath.Join(dir, "pet.nii.gz"), pet, volumeio.SaveOptions{}))
	require.NoError(t, vio.Save(filepath.Join(dir, "mask.nii.gz"), mask, volumeio.SaveOptions{DataType: "uint8"}))

	n, _ := newTestNormalizer(t, DefaultOptions())
	out := filepath.Join(dir, "out", "suvr.nii.gz")
	res, err := n.Run(filepath.Join(dir, "pet.nii.gz"), filepath.Join(dir, "mask.nii.gz"), out)
	require.NoError(t, err)
	assert.Equal(t, 8.0, res.ReferenceMean)

	saved, err := vio.Load(out)
	require.NoError(t, err)
	assert.Equal(t, 1.0, saved.Data[0])

	missing := filepath.Join(dir, "nope.nii")
	err = n.Load(missing, filepath.Join(dir, "mask.nii.gz"))
	assert.ErrorIs(t, err, models.ErrIO)
	assert.Contains(t, err.Error(), missing)
	assert.Equal(t, Unloaded, n.State())
}

func TestRegionalMeans(t *testing.T) {
	pet := models.NewVolume([3]int{4, 1, 1}, nil)
	copy(pet.Data, []float64{1, 3, math.NaN(), 10})
	labels := models.NewVolume(pet.Shape, nil)
	copy(labels.Data, []float64{1, 1, 2, 3})

	res, err := RegionalMeans(pet, labels, []int{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Means[0])
	assert.True(t, math.IsNaN(res.Means[1]))
	assert.Equal(t, 10.0, res.Means[2])
	assert.True(t, math.IsNaN(res.Means[3]))
	assert.Equal(t, 2.0, res.Values()["Label1"])
}

func TestRegionalSUVRMapsAtlas(t *testing.T) {
	pet := models.NewVolume([3]int{4, 4, 4}, nil)
	for k := 0; k < 4; k++ {
		for j := 0; j < 4; j++ {
			for i := 0; i < 4; i++ {
				pet.Data[pet.Index(i, j, k)] = float64(1 + i/2)
			}
		}
	}
	atlasAffine := models.Identity4()
	atlasAffine.Set(0, 0, 2)
	atlas := models.NewVolume([3]int{2, 4, 4}, atlasAffine)
	for k := 0; k < 4; k++ {
		for j := 0; j < 4; j++ {
			atlas.Data[atlas.Index(0, j, k)] = 5
			atlas.Data[atlas.Index(1, j, k)] = 6
		}
	}

	res, err := RegionalSUVR(pet, atlas, []int{5, 6}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6}, res.IDs)
	assert.Greater(t, res.Means[1], res.Means[0])
}
