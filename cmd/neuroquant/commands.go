package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"time"

	"neuroquant/internal/models"
	"neuroquant/pkg/batch"
	"neuroquant/pkg/config"
	"neuroquant/pkg/external"
	"neuroquant/pkg/geometry"
	"neuroquant/pkg/intensity"
	"neuroquant/pkg/mapping"
	"neuroquant/pkg/overlap"
	"neuroquant/pkg/report"
	"neuroquant/pkg/suvr"
	"neuroquant/pkg/visualization"
	"neuroquant/pkg/volumeio"
	"neuroquant/pkg/warp"
)

func runSpace(args []string) error {
	fs, c := newFlagSet("space")
	in := fs.String("in", "", "Input image")
	out := fs.String("out", "", "Output image")
	center := fs.String("center", "", "Image whose field of view centres the network grid")
	normalize := fs.Bool("normalize", false, "Min-max normalize the result")
	shape := fs.String("shape", "", "Network shape such as 192,192,192 (default: network.shape)")
	fs.Parse(args)
	if err := requireFlags(fs, "in", "out"); err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	if *shape != "" {
		if e.cfg.Network.Shape, err = parseShape(*shape); err != nil {
			return err
		}
		if err := e.cfg.Validate(); err != nil {
			return err
		}
	}

	vol, err := e.io.Load(*in)
	if err != nil {
		return err
	}
	fmt.Printf("Input orientation: %s\n", geometry.OrientationCode(vol.Affine))
	var ref *models.Volume
	if *center != "" {
		if ref, err = e.io.Load(*center); err != nil {
			return err
		}
	}
	interp, err := warp.ParseInterpolation(e.cfg.Network.Interpolation)
	if err != nil {
		return err
	}
	params := batch.NetworkParams{
		Shape:       e.cfg.Network.Shape,
		VoxelSize:   e.cfg.Network.VoxelSize,
		Orientation: e.cfg.Network.Orientation,
		Interp:      interp,
		Normalize:   *normalize,
	}
	res, err := batch.ToNetwork(vol, ref, params, e.workers())
	if err != nil {
		return err
	}
	if err := e.io.Save(*out, res, e.saveOptions()); err != nil {
		return err
	}
	fmt.Printf("Network-space image (%v, %s) saved to: %s\n", params.Shape, e.cfg.Network.Orientation, *out)
	return nil
}

func runMap(args []string) error {
	fs, c := newFlagSet("map")
	src := fs.String("src", "", "Volume to map")
	ref := fs.String("ref", "", "Reference volume defining the output grid")
	out := fs.String("out", "", "Output volume")
	order := fs.Int("order", 0, "Interpolation order (0-5)")
	clamp := fs.Bool("clamp", false, "Clamp outside samples to the edge instead of 0")
	exact := fs.Bool("exact", false, "Use the two-step nearest-neighbour mapping")
	fs.Parse(args)
	if err := requireFlags(fs, "src", "ref", "out"); err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}

	s, err := e.io.Load(*src)
	if err != nil {
		return err
	}
	r, err := e.io.Load(*ref)
	if err != nil {
		return err
	}
	var mapped *models.Volume
	if *exact {
		mapped, err = mapping.MapVoxelsExact(s, r)
	} else {
		opts := mapping.Options{Workers: e.workers()}
		if *clamp {
			opts.Boundary = mapping.Clamp
		}
		mapped, err = mapping.MapVoxels(s, r, *order, opts)
	}
	if err != nil {
		return err
	}
	if err := e.io.Save(*out, mapped, e.saveOptions()); err != nil {
		return err
	}
	fmt.Printf("Mapped volume saved to: %s\n", *out)
	return nil
}

func runSUVR(args []string) error {
	fs, c := newFlagSet("suvr")
	pet := fs.String("pet", "", "PET image")
	mask := fs.String("mask", "", "Reference region mask")
	out := fs.String("out", "", "Output SUVR image")
	fs.Parse(args)
	if err := requireFlags(fs, "pet", "mask", "out"); err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}

	opts := suvr.Options{
		AffineTolerance:  e.cfg.SUVR.AffineTolerance,
		SpacingTolerance: e.cfg.SUVR.SpacingTolerance,
		MappingOrder:     e.cfg.SUVR.MappingOrder,
		Workers:          e.workers(),
		UseRegistered:    e.cfg.SUVR.UseRegistered,
	}
	n := suvr.NewNormalizer(e.io, e.log, opts)

	fmt.Println("Step 1: Loading PET and reference mask...")
	if err := n.Load(*pet, *mask); err != nil {
		return err
	}
	fmt.Println("Step 2: Checking grid compatibility...")
	compat, err := n.CheckCompatibility()
	if err != nil {
		return err
	}
	if !compat.OK() {
		fmt.Println("Step 3: Mapping the mask onto the PET grid...")
		if _, err := n.RegisterIfNeeded(); err != nil {
			return err
		}
		if rerr := n.RegistrationError(); rerr != nil {
			fmt.Printf("Warning: %v\n", rerr)
		}
	}
	fmt.Println("Step 4: Computing SUVR...")
	res, err := n.ComputeSUVR(opts.UseRegistered)
	if err != nil {
		return err
	}
	if err := n.Save(res.Volume, *out); err != nil {
		return err
	}

	fmt.Printf("\nReference mean: %.4f over %d voxels\n", res.ReferenceMean, res.ReferenceVoxels)
	fmt.Printf("SUVR range: [%.4f, %.4f]\n", res.Min, res.Max)
	fmt.Printf("SUVR image saved to: %s\n", *out)
	return nil
}

func runRegional(args []string) error {
	fs, c := newFlagSet("regional")
	pet := fs.String("pet", "", "PET or SUVR image")
	atlas := fs.String("atlas", "", "Label atlas")
	labels := fs.String("labels", "", "Comma-separated label ids (default: suvr.labels)")
	table := fs.String("table", "", "Optional .xlsx or .csv output")
	fs.Parse(args)
	if err := requireFlags(fs, "pet", "atlas"); err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	ids, err := parseLabels(*labels)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		ids = e.cfg.SUVR.Labels
	}

	p, err := e.io.Load(*pet)
	if err != nil {
		return err
	}
	a, err := e.io.Load(*atlas)
	if err != nil {
		return err
	}
	reg, err := suvr.RegionalSUVR(p, a, ids, e.workers())
	if err != nil {
		return err
	}

	t := report.NewTable("Regional_SUVR", "Label", "Mean")
	for i, id := range reg.IDs {
		fmt.Printf("%s: %.4f\n", suvr.Key(id), reg.Means[i])
		t.Append(suvr.Key(id), reg.Means[i])
	}
	if *table != "" {
		return t.Write(*table)
	}
	return nil
}

func runDice(args []string) error {
	fs, c := newFlagSet("dice")
	a := fs.String("a", "", "First label map")
	b := fs.String("b", "", "Second label map")
	labels := fs.String("labels", "", "Comma-separated label ids")
	fs.Parse(args)
	if err := requireFlags(fs, "a", "b", "labels"); err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	ids, err := parseLabels(*labels)
	if err != nil {
		return err
	}

	va, err := e.io.Load(*a)
	if err != nil {
		return err
	}
	vb, err := e.io.Load(*b)
	if err != nil {
		return err
	}
	res, err := overlap.Dice(va, vb, ids)
	if err != nil {
		return err
	}
	for i, l := range res.Labels {
		fmt.Printf("Label %d: %.4f\n", l, res.Scores[i])
	}
	fmt.Printf("Dice: %.4f +/- %.4f\n", res.Mean, res.Std)
	return nil
}

func runClip(args []string) error {
	fs, c := newFlagSet("clip")
	in := fs.String("in", "", "Input image")
	out := fs.String("out", "", "Output image")
	lo := fs.Float64("min", 0, "Lower clip bound")
	hi := fs.Float64("max", 1, "Upper clip bound")
	normalize := fs.Bool("normalize", false, "Rescale the clipped result to [0, 1]")
	fs.Parse(args)
	if err := requireFlags(fs, "in", "out"); err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	vol, err := e.io.Load(*in)
	if err != nil {
		return err
	}
	res, err := intensity.ClipNormalize(vol, *lo, *hi, *normalize)
	if err != nil {
		return err
	}
	return e.io.Save(*out, res, e.saveOptions())
}

func runMask(args []string) error {
	fs, c := newFlagSet("mask")
	in := fs.String("in", "", "Input image")
	mask := fs.String("mask", "", "Brain mask")
	out := fs.String("out", "", "Output image")
	fs.Parse(args)
	if err := requireFlags(fs, "in", "mask", "out"); err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	vol, err := e.io.Load(*in)
	if err != nil {
		return err
	}
	m, err := e.io.Load(*mask)
	if err != nil {
		return err
	}
	res, err := intensity.ApplyMask(vol, m)
	if err != nil {
		return err
	}
	return e.io.Save(*out, res, e.saveOptions())
}

func runSUV(args []string) error {
	fs, c := newFlagSet("suv")
	in := fs.String("in", "", "PET activity image (Bq/ml)")
	out := fs.String("out", "", "Output SUV image")
	var p intensity.SUVParams
	fs.Float64Var(&p.TotalDose, "dose", 0, "Injected dose in Bq")
	fs.Float64Var(&p.HalfLife, "halflife", 6586.2, "Radionuclide half-life in seconds")
	fs.StringVar(&p.InjectionTime, "injection", "", "Injection time HHMMSS.ffffff")
	fs.StringVar(&p.AcquisitionTime, "acquisition", "", "Acquisition time HHMMSS.ffffff")
	fs.Float64Var(&p.Weight, "weight", 0, "Patient weight in kg")
	fs.Parse(args)
	if err := requireFlags(fs, "in", "out", "injection", "acquisition"); err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	factor, err := intensity.SUVFactor(p)
	if err != nil {
		return err
	}
	vol, err := e.io.Load(*in)
	if err != nil {
		return err
	}
	res, err := intensity.ScaleSUV(vol, factor)
	if err != nil {
		return err
	}
	fmt.Printf("SUV factor: %.6g\n", factor)
	return e.io.Save(*out, res, e.saveOptions())
}

// toolRunner builds the external command runner from the configuration
func (e *env) toolRunner() *external.Runner {
	return external.NewRunner(e.cfg.Commands(), e.cfg.External.Timeout, e.log)
}

func runRegister(args []string) error {
	fs, c := newFlagSet("register")
	moving := fs.String("moving", "", "Moving image")
	fixed := fs.String("fixed", "", "Fixed image")
	out := fs.String("out", "", "Moved image")
	field := fs.String("field", "", "Optional transform output")
	fs.Parse(args)
	if err := requireFlags(fs, "moving", "fixed", "out"); err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := e.toolRunner().Register(context.Background(), *moving, *fixed, *out, *field); err != nil {
		return err
	}
	fmt.Printf("Registration completed in %.2f seconds, saved to: %s\n", time.Since(start).Seconds(), *out)
	return nil
}

func runApply(args []string) error {
	fs, c := newFlagSet("apply")
	field := fs.String("field", "", "Saved transform")
	in := fs.String("in", "", "Image to resample")
	out := fs.String("out", "", "Output image")
	interp := fs.String("interp", "linear", "Interpolation: linear or nearest")
	fs.Parse(args)
	if err := requireFlags(fs, "field", "in", "out"); err != nil {
		return err
	}
	if _, err := warp.ParseInterpolation(*interp); err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	return e.toolRunner().ApplyField(context.Background(), *field, *in, *out, *interp)
}

func runSkullStrip(args []string) error {
	fs, c := newFlagSet("skullstrip")
	in := fs.String("in", "", "Input image")
	out := fs.String("out", "", "Stripped image")
	mask := fs.String("mask", "", "Brain mask output")
	fs.Parse(args)
	if err := requireFlags(fs, "in", "out", "mask"); err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if e.cfg.Output.KeepIntermediate {
		return e.toolRunner().SkullStrip(ctx, *in, *out, *mask)
	}
	// Only the tool's mask is kept; the output is the input with the mask
	// applied.
	return external.Stage("neuroquant-strip-", func(dir string) error {
		stripped := filepath.Join(dir, "stripped.nii.gz")
		if err := e.toolRunner().SkullStrip(ctx, *in, stripped, *mask); err != nil {
			return err
		}
		vol, err := e.io.Load(*in)
		if err != nil {
			return err
		}
		m, err := e.io.Load(*mask)
		if err != nil {
			return err
		}
		res, err := intensity.ApplyMask(vol, m)
		if err != nil {
			return err
		}
		return e.io.Save(*out, res, e.saveOptions())
	})
}

func runSnapshot(args []string) error {
	fs, c := newFlagSet("snapshot")
	in := fs.String("in", "", "Volume to render")
	prefix := fs.String("out", "", "Output prefix for mid-slice JPEGs, or a directory with -axis")
	axis := fs.String("axis", "", "Save every slice along this axis instead of the mid slices")
	fs.Parse(args)
	if err := requireFlags(fs, "in", "out"); err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	vol, err := e.io.Load(*in)
	if err != nil {
		return err
	}
	viewer, err := visualization.NewViewer(vol)
	if err != nil {
		return err
	}
	if *axis != "" {
		if err := viewer.SaveSliceSequence(*axis, *prefix); err != nil {
			return err
		}
		fmt.Printf("Saved %s-axis slices to: %s\n", *axis, *prefix)
		return nil
	}
	paths, err := viewer.SaveMidSlices(*prefix)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func runBatch(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("batch needs a workflow: dice, suvr, regional, space, register or atlas")
	}
	kind := args[0]
	fs, c := newFlagSet("batch " + kind)
	base := fs.String("base", "", "Directory holding one subdirectory per case")
	table := fs.String("table", "", "Results table (.xlsx or .csv)")
	first := fs.String("a", "", "dice: first label map name")
	second := fs.String("b", "", "dice: second label map name")
	labels := fs.String("labels", "", "dice/regional: comma-separated label ids")
	pet := fs.String("pet", "", "suvr/regional: PET image name")
	mask := fs.String("mask", "", "suvr: reference mask name")
	atlas := fs.String("atlas", "", "regional: atlas name; atlas: atlas path")
	input := fs.String("input", "", "space/register/atlas: input image name")
	fixed := fs.String("fixed", "", "space/register: fixed image path")
	output := fs.String("output", "", "suvr/space/register/atlas: output file name")
	field := fs.String("field", "", "register: transform file name")
	outRoot := fs.String("out-root", "", "space: write results under this root instead of the case directories")
	fs.Parse(args[1:])
	if err := requireFlags(fs, "base"); err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}

	params := batch.Params{Workers: e.workers(), DataType: e.cfg.Output.DataType}
	if e.cfg.Output.Snapshots {
		params.SnapshotDir = filepath.Join(*base, "snapshots")
	}
	r := batch.NewRunner(params, e.log)
	fmt.Printf("Batch %s run %s over %s\n", kind, r.RunID, *base)

	ids, err := parseLabels(*labels)
	if err != nil {
		return err
	}

	var t *report.Table
	switch kind {
	case "dice":
		if err := requireFlags(fs, "a", "b", "labels"); err != nil {
			return err
		}
		t, err = r.Dice(*base, *first, *second, ids)
	case "suvr":
		if err := requireFlags(fs, "pet", "mask", "output"); err != nil {
			return err
		}
		opts := suvr.Options{
			AffineTolerance:  e.cfg.SUVR.AffineTolerance,
			SpacingTolerance: e.cfg.SUVR.SpacingTolerance,
			MappingOrder:     e.cfg.SUVR.MappingOrder,
			UseRegistered:    e.cfg.SUVR.UseRegistered,
		}
		t, err = r.SUVRMap(*base, *pet, *mask, *output, opts)
	case "regional":
		if err := requireFlags(fs, "pet", "atlas"); err != nil {
			return err
		}
		if len(ids) == 0 {
			ids = e.cfg.SUVR.Labels
		}
		t, err = r.RegionalSUVR(*base, *pet, *atlas, ids)
	case "space":
		if err := requireFlags(fs, "input", "fixed", "output"); err != nil {
			return err
		}
		interp, perr := warp.ParseInterpolation(e.cfg.Network.Interpolation)
		if perr != nil {
			return perr
		}
		t, err = r.NetworkSpace(*base, *input, *fixed, *output, *outRoot, batch.NetworkParams{
			Shape:       e.cfg.Network.Shape,
			VoxelSize:   e.cfg.Network.VoxelSize,
			Orientation: e.cfg.Network.Orientation,
			Interp:      interp,
		})
	case "register":
		if err := requireFlags(fs, "input", "fixed", "output"); err != nil {
			return err
		}
		t, err = r.Register(context.Background(), e.toolRunner(), *base, *input, *fixed, *output, *field)
	case "atlas":
		if err := requireFlags(fs, "input", "atlas", "output"); err != nil {
			return err
		}
		t, err = r.MapAtlas(*base, *input, *atlas, *output)
	default:
		return fmt.Errorf("unknown batch workflow %q", kind)
	}
	if err != nil {
		return err
	}

	if *table == "" {
		for _, row := range t.Rows {
			for i, v := range row {
				fmt.Printf("%s=%s ", t.Columns[i], report.Format(v))
			}
			fmt.Println()
		}
		return nil
	}
	if err := t.Write(*table); err != nil {
		return err
	}
	fmt.Printf("Results saved to: %s\n", *table)
	return nil
}

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	out := fs.String("out", "neuroquant.yaml", "Where to write the default configuration")
	fs.Parse(args)
	if volumeio.IsVolume(*out) {
		return fmt.Errorf("refusing to overwrite volume %s with a configuration", *out)
	}
	if err := config.CreateDefaultConfigFile(*out); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to: %s\n", *out)
	return nil
}
