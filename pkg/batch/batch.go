// Package batch runs the per-subject workflows over a directory of cases.
// Each immediate subdirectory of the base directory is one case; cases run
// in name order and succeed or fail independently. Every workflow returns a
// report.Table with one row per case, where a failed case keeps its folder
// name and leaves the metric cells empty.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"neuroquant/internal/models"
	"neuroquant/pkg/external"
	"neuroquant/pkg/geometry"
	"neuroquant/pkg/mapping"
	"neuroquant/pkg/overlap"
	"neuroquant/pkg/report"
	"neuroquant/pkg/suvr"
	"neuroquant/pkg/visualization"
	"neuroquant/pkg/volumeio"
	"neuroquant/pkg/warp"
)

// Params holds settings shared by every workflow
type Params struct {
	// Workers bounds the sampling goroutines of each case
	Workers int

	// SnapshotDir, when set, receives mid-slice JPEGs of every derived
	// volume under <SnapshotDir>/<case>/.
	SnapshotDir string

	// DataType is the on-disk type of derived volumes
	DataType string
}

// Runner executes batch workflows
type Runner struct {
	params Params
	io     *volumeio.IO
	log    logrus.FieldLogger

	// RunID tags every log line of this runner
	RunID string
}

// NewRunner returns a Runner with a fresh run id
func NewRunner(params Params, log logrus.FieldLogger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	id := uuid.NewString()
	log = log.WithField("run", id)
	return &Runner{params: params, io: volumeio.New(log), log: log, RunID: id}
}

// Cases lists the immediate subdirectories of base in name order
func Cases(base string) ([]string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, models.NewPathError("list", base, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no case directories under %s", models.ErrConfig, base)
	}
	sort.Strings(names)
	return names, nil
}

// forEachCase calls fn for every case and appends the row it returns.
// A failing case is logged and gets a row with only its name filled in.
func (r *Runner) forEachCase(base string, t *report.Table, fn func(name, dir string) ([]any, error)) (*report.Table, error) {
	names, err := Cases(base)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	failed := 0
	for i, name := range names {
		log := r.log.WithField("case", name)
		log.Infof("Processing case %d/%d", i+1, len(names))

		cells, err := fn(name, filepath.Join(base, name))
		if err != nil {
			failed++
			log.WithError(err).Error("Case failed")
			t.Append(name)
			continue
		}
		t.Append(append([]any{name}, cells...)...)
	}

	r.log.WithFields(logrus.Fields{
		"cases":   len(names),
		"failed":  failed,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("Batch finished")
	return t, nil
}

// find resolves a volume file in dir by base name
func find(dir, name string) (string, error) {
	path, err := volumeio.FindVolume(dir, volumeio.TrimExtension(name))
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", models.NewPathError("find", filepath.Join(dir, name), os.ErrNotExist)
	}
	return path, nil
}

// snapshot saves QC mid-slices of vol when snapshots are enabled
func (r *Runner) snapshot(name, prefix string, vol *models.Volume) {
	if r.params.SnapshotDir == "" {
		return
	}
	viewer, err := visualization.NewViewer(vol)
	if err == nil {
		_, err = viewer.SaveMidSlices(filepath.Join(r.params.SnapshotDir, name, prefix))
	}
	if err != nil {
		r.log.WithField("case", name).WithError(err).Warn("Failed to save snapshot")
	}
}

// LabelList formats label ids the way the Label_Maps column shows them
func LabelList(labels []int) string {
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = strconv.Itoa(l)
	}
	return strings.Join(parts, ",")
}

// Dice compares two label maps in every case
func (r *Runner) Dice(base, first, second string, labels []int) (*report.Table, error) {
	t := report.NewTable("Dice_Results", "Folder", "Label_Maps", "Dice_Mean", "Dice_Std")
	return r.forEachCase(base, t, func(name, dir string) ([]any, error) {
		a, err := r.load(dir, first)
		if err != nil {
			return nil, err
		}
		b, err := r.load(dir, second)
		if err != nil {
			return nil, err
		}
		res, err := overlap.Dice(a, b, labels)
		if err != nil {
			return nil, err
		}
		r.log.WithField("case", name).Infof("Dice: %.4f +/- %.4f", res.Mean, res.Std)
		return []any{LabelList(labels), res.Mean, res.Std}, nil
	})
}

func (r *Runner) load(dir, name string) (*models.Volume, error) {
	path, err := find(dir, name)
	if err != nil {
		return nil, err
	}
	return r.io.Load(path)
}

// SUVRMap normalizes the PET image of every case by its reference mask and
// saves the SUVR map beside the inputs as output.
func (r *Runner) SUVRMap(base, pet, mask, output string, opts suvr.Options) (*report.Table, error) {
	t := report.NewTable("SUVR_Results", "Folder", "Reference_Mean", "Reference_Voxels", "Registered", "Output")
	opts.Workers = r.params.Workers
	return r.forEachCase(base, t, func(name, dir string) ([]any, error) {
		petPath, err := find(dir, pet)
		if err != nil {
			return nil, err
		}
		maskPath, err := find(dir, mask)
		if err != nil {
			return nil, err
		}
		outPath := filepath.Join(dir, output)

		n := suvr.NewNormalizer(r.io, r.log.WithField("case", name), opts)
		res, err := n.Run(petPath, maskPath, outPath)
		if err != nil {
			return nil, err
		}
		r.snapshot(name, "suvr", res.Volume)
		return []any{res.ReferenceMean, res.ReferenceVoxels, res.UsedRegistered, outPath}, nil
	})
}

// RegionalSUVR computes the mean uptake per atlas label in every case
func (r *Runner) RegionalSUVR(base, pet, atlas string, ids []int) (*report.Table, error) {
	columns := []string{"Folder"}
	for _, id := range ids {
		columns = append(columns, "Label_"+strconv.Itoa(id))
	}
	t := report.NewTable("Regional_SUVR", columns...)
	return r.forEachCase(base, t, func(name, dir string) ([]any, error) {
		p, err := r.load(dir, pet)
		if err != nil {
			return nil, err
		}
		a, err := r.load(dir, atlas)
		if err != nil {
			return nil, err
		}
		reg, err := suvr.RegionalSUVR(p, a, ids, r.params.Workers)
		if err != nil {
			return nil, err
		}
		cells := make([]any, len(reg.Means))
		for i, m := range reg.Means {
			cells[i] = m
		}
		return cells, nil
	})
}

// NetworkParams describes the network space of the NetworkSpace workflow
type NetworkParams struct {
	Shape     [3]int
	VoxelSize [3]float64

	// Orientation defaults to geometry.NetworkOrientation when empty
	Orientation string

	Interp warp.Interpolation

	// Normalize rescales each resampled image to [0, 1]
	Normalize bool
}

// NetworkSpace resamples the input image of every case into network space
// centred on the fixed image and saves it as output. The result goes into
// the case directory, or into <outRoot>/<case>/ when outRoot is set.
func (r *Runner) NetworkSpace(base, input, fixedPath, output, outRoot string, p NetworkParams) (*report.Table, error) {
	fixed, err := r.io.Load(fixedPath)
	if err != nil {
		return nil, err
	}
	t := report.NewTable("Network_Space", "Folder", "Input", "Output")
	return r.forEachCase(base, t, func(name, dir string) ([]any, error) {
		inPath, err := find(dir, input)
		if err != nil {
			return nil, err
		}
		vol, err := r.io.Load(inPath)
		if err != nil {
			return nil, err
		}
		r.log.WithFields(logrus.Fields{
			"case":        name,
			"orientation": geometry.OrientationCode(vol.Affine),
		}).Info("Resampling into network space")
		out, err := ToNetwork(vol, fixed, p, r.params.Workers)
		if err != nil {
			return nil, err
		}

		outDir := dir
		if outRoot != "" {
			outDir = filepath.Join(outRoot, name)
		}
		outPath := filepath.Join(outDir, output)
		if err := r.io.Save(outPath, out, volumeio.SaveOptions{DataType: r.params.DataType, MakeDirs: true}); err != nil {
			return nil, err
		}
		r.snapshot(name, "network", out)
		return []any{inPath, outPath}, nil
	})
}

// ToNetwork resamples vol onto the network grid centred on center (or on
// vol itself when center is nil). Samples outside vol are 0.
func ToNetwork(vol, center *models.Volume, p NetworkParams, workers int) (*models.Volume, error) {
	orientation := p.Orientation
	if orientation == "" {
		orientation = geometry.NetworkOrientation
	}
	netToVox, _, err := geometry.OrientedSpace(vol, p.Shape, p.VoxelSize, orientation, center)
	if err != nil {
		return nil, err
	}
	return warp.Transform(vol, warp.Affine{Matrix: netToVox}, warp.TransformOptions{
		OutputShape: p.Shape[:],
		Interp:      p.Interp,
		Normalize:   p.Normalize,
		Workers:     workers,
	})
}

// Register aligns the moving image of every case to the fixed image with
// the external registration tool. The moved image and its transform are
// written into the case directory as output and field.
func (r *Runner) Register(ctx context.Context, tools *external.Runner, base, moving, fixedPath, output, field string) (*report.Table, error) {
	if _, err := os.Stat(fixedPath); err != nil {
		return nil, models.NewPathError("read", fixedPath, err)
	}
	t := report.NewTable("Registration", "Folder", "Output", "Field")
	return r.forEachCase(base, t, func(name, dir string) ([]any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		movPath, err := find(dir, moving)
		if err != nil {
			return nil, err
		}
		outPath := filepath.Join(dir, output)
		fieldPath := ""
		if field != "" {
			fieldPath = filepath.Join(dir, field)
		}
		if err := tools.Register(ctx, movPath, fixedPath, outPath, fieldPath); err != nil {
			return nil, fmt.Errorf("registering %s: %w", movPath, err)
		}
		if r.params.SnapshotDir != "" {
			if vol, err := r.io.Load(outPath); err == nil {
				r.snapshot(name, "registered", vol)
			}
		}
		return []any{outPath, fieldPath}, nil
	})
}

// MapAtlas resamples a label atlas onto the grid of every case's image
// with nearest-neighbour lookup and saves it as output.
func (r *Runner) MapAtlas(base, image, atlasPath, output string) (*report.Table, error) {
	atlas, err := r.io.Load(atlasPath)
	if err != nil {
		return nil, err
	}
	t := report.NewTable("Mapped_Atlas", "Folder", "Output")
	return r.forEachCase(base, t, func(name, dir string) ([]any, error) {
		ref, err := r.load(dir, image)
		if err != nil {
			return nil, err
		}
		mapped, err := mapping.MapVoxels(atlas, ref, 0, mapping.Options{Workers: r.params.Workers})
		if err != nil {
			return nil, err
		}
		outPath := filepath.Join(dir, output)
		if err := r.io.Save(outPath, mapped, volumeio.SaveOptions{DataType: r.params.DataType, MakeDirs: true}); err != nil {
			return nil, err
		}
		return []any{outPath}, nil
	})
}
