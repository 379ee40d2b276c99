// Package external runs registration and skull-stripping executables
// through a file-path contract: input paths in, output paths out.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"neuroquant/internal/models"
)

// Command is an executable and its argument template. Arguments may use
// the placeholders {moving}, {fixed}, {output}, {field}, {input},
// {interp} and {mask}.
type Command struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args,omitempty"`
	Env  []string `yaml:"env,omitempty"`
}

// Configured reports whether the command has an executable
func (c Command) Configured() bool {
	return c.Path != ""
}

// Expand substitutes placeholders in the argument template
func (c Command) Expand(vars map[string]string) []string {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = r.Replace(a)
	}
	return args
}

// Commands groups the executables used by the workflows
type Commands struct {
	Register   Command
	Apply      Command
	SkullStrip Command
}

// Runner executes external commands synchronously with a timeout
type Runner struct {
	Commands Commands
	Timeout  time.Duration
	Log      logrus.FieldLogger
}

// NewRunner returns a Runner. A zero timeout means no limit.
func NewRunner(cmds Commands, timeout time.Duration, log logrus.FieldLogger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{Commands: cmds, Timeout: timeout, Log: log}
}

// Run executes cmd with placeholders replaced by vars. A non-zero exit,
// a timeout or a missing executable is reported as models.ErrRegistration
// with the command's stderr attached.
func (r *Runner) Run(ctx context.Context, name string, cmd Command, vars map[string]string) error {
	if !cmd.Configured() {
		return fmt.Errorf("%w: no executable configured for %s", models.ErrConfig, name)
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := cmd.Expand(vars)
	c := exec.CommandContext(ctx, cmd.Path, args...)
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	var stderr bytes.Buffer
	c.Stderr = &stderr

	log := r.Log.WithFields(logrus.Fields{"step": name, "command": cmd.Path})
	log.WithField("args", args).Debug("Running external command")
	start := time.Now()

	if err := c.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %v", r.Timeout)
		}
		log.WithError(err).Warn("External command failed")
		if msg != "" {
			return fmt.Errorf("%w: %s: %v: %s", models.ErrRegistration, name, err, msg)
		}
		return fmt.Errorf("%w: %s: %v", models.ErrRegistration, name, err)
	}

	log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("External command finished")
	return nil
}

// requireOutputs checks that a command produced every listed file
func requireOutputs(name string, paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %s produced no output at %s", models.ErrRegistration, name, p)
		}
	}
	return nil
}

// Register aligns moving to fixed, writing the moved image to outImage
// and the transform to outField (which may be empty when not wanted).
func (r *Runner) Register(ctx context.Context, moving, fixed, outImage, outField string) error {
	err := r.Run(ctx, "register", r.Commands.Register, map[string]string{
		"moving": moving,
		"fixed":  fixed,
		"output": outImage,
		"field":  outField,
	})
	if err != nil {
		return err
	}
	return requireOutputs("register", outImage, outField)
}

// ApplyField resamples image through a saved transform
func (r *Runner) ApplyField(ctx context.Context, field, image, out, interp string) error {
	err := r.Run(ctx, "apply", r.Commands.Apply, map[string]string{
		"field":  field,
		"input":  image,
		"moving": image,
		"output": out,
		"interp": interp,
	})
	if err != nil {
		return err
	}
	return requireOutputs("apply", out)
}

// SkullStrip removes non-brain tissue from input, writing the stripped
// image to output and the brain mask to mask.
func (r *Runner) SkullStrip(ctx context.Context, input, output, mask string) error {
	err := r.Run(ctx, "skull-strip", r.Commands.SkullStrip, map[string]string{
		"input":  input,
		"output": output,
		"mask":   mask,
	})
	if err != nil {
		return err
	}
	return requireOutputs("skull-strip", output, mask)
}

// Stage runs fn with a fresh temporary directory that is removed when fn
// returns, panics included.
func Stage(prefix string, fn func(dir string) error) error {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return models.NewPathError("create", os.TempDir(), err)
	}
	defer os.RemoveAll(dir)
	return fn(dir)
}
