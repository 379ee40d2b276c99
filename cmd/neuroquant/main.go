package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"

	"neuroquant/pkg/config"
	"neuroquant/pkg/volumeio"
)

// command is one subcommand of the tool
type command struct {
	summary string
	run     func(args []string) error
}

var commands = map[string]command{
	"space":      {"resample an image into network space", runSpace},
	"map":        {"map a volume onto the voxel grid of a reference", runMap},
	"suvr":       {"normalize PET by the mean of a reference region", runSUVR},
	"regional":   {"mean uptake per atlas label", runRegional},
	"dice":       {"Dice overlap between two label maps", runDice},
	"clip":       {"clip and optionally normalize intensities", runClip},
	"mask":       {"keep voxels inside a brain mask", runMask},
	"suv":        {"convert PET activity to body-weight SUV", runSUV},
	"register":   {"register an image with the external tool", runRegister},
	"apply":      {"apply a saved transform with the external tool", runApply},
	"skullstrip": {"skull-strip an image with the external tool", runSkullStrip},
	"snapshot":   {"save QC slice images of a volume", runSnapshot},
	"batch":      {"run a workflow over every case directory", runBatch},
	"config":     {"write a default configuration file", runConfig},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: neuroquant <command> [flags]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-11s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(os.Stderr, "\nRun 'neuroquant <command> -h' for command flags.\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(1)
	}
	if err := cmd.run(os.Args[2:]); err != nil {
		logrus.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

// common holds the flags every subcommand accepts
type common struct {
	configPath string
	workers    int
	verbose    bool
}

func newFlagSet(name string) (*flag.FlagSet, *common) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	c := &common{}
	fs.StringVar(&c.configPath, "config", "", "YAML configuration file (defaults when empty or missing)")
	fs.IntVar(&c.workers, "workers", 0, "Number of sampling goroutines (default: processing.numCores)")
	fs.BoolVar(&c.verbose, "v", false, "Enable debug logging")
	return fs, c
}

// env is the state shared by subcommands after flag parsing
type env struct {
	cfg *config.Config
	log *logrus.Logger
	io  *volumeio.IO
}

// workers returns the goroutine budget after flag overrides
func (e *env) workers() int {
	return e.cfg.Processing.NumCores
}

// setup loads the configuration, applies flag overrides and configures
// logging.
func setup(c *common) (*env, error) {
	cfg := config.DefaultConfig()
	if c.configPath != "" {
		var err error
		cfg, err = config.LoadConfig(c.configPath)
		if err != nil {
			return nil, err
		}
	}
	if c.workers > 0 {
		cfg.Processing.NumCores = c.workers
	}
	if c.verbose {
		cfg.Output.Verbose = true
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Output.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if cfg.Output.LogFile != "" {
		fmt.Printf("Sending log messages to: %s\n", cfg.Output.LogFile)
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename: cfg.Output.LogFile,
			MaxSize:  cfg.Output.LogMaxSizeMB,
			MaxAge:   cfg.Output.LogMaxAgeDays,
		}))
	}
	return &env{cfg: cfg, log: log, io: volumeio.New(log)}, nil
}

// saveOptions returns the volume save options from the configuration
func (e *env) saveOptions() volumeio.SaveOptions {
	return volumeio.SaveOptions{DataType: e.cfg.Output.DataType, MakeDirs: true}
}

// parseLabels parses a comma-separated list of label ids
func parseLabels(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var labels []int
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid label %q: %w", part, err)
		}
		labels = append(labels, v)
	}
	return labels, nil
}

// parseShape parses a shape such as 192,192,192
func parseShape(s string) ([3]int, error) {
	var shape [3]int
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return shape, fmt.Errorf("shape %q must have three comma-separated values", s)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return shape, fmt.Errorf("invalid shape %q: %w", s, err)
		}
		shape[i] = v
	}
	return shape, nil
}

// requireFlags reports the first empty required flag
func requireFlags(fs *flag.FlagSet, names ...string) error {
	for _, name := range names {
		if f := fs.Lookup(name); f != nil && f.Value.String() == "" {
			fs.Usage()
			return fmt.Errorf("-%s is required", name)
		}
	}
	return nil
}
