// Package volumeio loads and saves volumes, choosing the file format from
// the path's extension.
package volumeio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"neuroquant/internal/models"
	"neuroquant/pkg/mgh"
	"neuroquant/pkg/nifti"
)

// Format identifies a volume file format
type Format int

const (
	FormatUnknown Format = iota
	FormatNIfTI
	FormatMGH
)

// DetectFormat returns the format implied by the path's extension
func DetectFormat(path string) Format {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".nii"), strings.HasSuffix(lower, ".nii.gz"):
		return FormatNIfTI
	case mgh.IsMGH(lower):
		return FormatMGH
	}
	return FormatUnknown
}

// IsVolume reports whether path looks like a volume this package can read
func IsVolume(path string) bool {
	return DetectFormat(path) != FormatUnknown
}

// SaveOptions configures Save
type SaveOptions struct {
	// DataType is the on-disk type name ("float32", "uint8", ...); empty
	// means float32.
	DataType string

	// Description is written to the NIfTI descrip field
	Description string

	// MakeDirs creates missing parent directories
	MakeDirs bool
}

// IO loads and saves volumes and logs each transfer
type IO struct {
	Log logrus.FieldLogger
}

// New returns an IO that logs to log, or to the standard logrus logger
// when log is nil.
func New(log logrus.FieldLogger) *IO {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &IO{Log: log}
}

// Load reads a NIfTI or MGH volume. Every failure is a *models.PathError.
func (v *IO) Load(path string) (*models.Volume, error) {
	var vol *models.Volume
	var err error
	switch DetectFormat(path) {
	case FormatNIfTI:
		vol, err = nifti.Read(path)
	case FormatMGH:
		vol, err = mgh.Read(path)
	default:
		return nil, models.NewPathError("read", path, fmt.Errorf("unrecognized volume extension"))
	}
	if err != nil {
		return nil, err
	}

	v.Log.WithFields(logrus.Fields{
		"path":   path,
		"shape":  vol.Shape,
		"voxels": humanize.Comma(int64(len(vol.Data))),
	}).Debug("Loaded volume")
	return vol, nil
}

// Save writes vol to path in the format implied by its extension
func (v *IO) Save(path string, vol *models.Volume, opts SaveOptions) error {
	if opts.MakeDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return models.NewPathError("write", path, err)
		}
	}

	typeName := opts.DataType
	if typeName == "" {
		typeName = "float32"
	}

	var err error
	switch DetectFormat(path) {
	case FormatNIfTI:
		dt, perr := nifti.ParseDataType(typeName)
		if perr != nil {
			return models.NewPathError("write", path, perr)
		}
		err = nifti.Write(path, vol, nifti.WriteOptions{DataType: dt, Description: opts.Description})
	case FormatMGH:
		vt, perr := mghType(typeName)
		if perr != nil {
			return models.NewPathError("write", path, perr)
		}
		err = mgh.Write(path, vol, vt)
	default:
		return models.NewPathError("write", path, fmt.Errorf("unrecognized volume extension"))
	}
	if err != nil {
		return err
	}

	if info, serr := os.Stat(path); serr == nil {
		v.Log.WithFields(logrus.Fields{
			"path": path,
			"size": humanize.Bytes(uint64(info.Size())),
		}).Debug("Saved volume")
	}
	return nil
}

func mghType(name string) (int32, error) {
	switch strings.ToLower(name) {
	case "uint8", "uchar":
		return mgh.TypeUchar, nil
	case "int16", "short":
		return mgh.TypeShort, nil
	case "int32", "int":
		return mgh.TypeInt, nil
	case "float32", "float":
		return mgh.TypeFloat, nil
	}
	return 0, fmt.Errorf("%w: MGH cannot store datatype %q", models.ErrConfig, name)
}

// TrimExtension strips a volume extension, including a double .nii.gz
func TrimExtension(path string) string {
	lower := strings.ToLower(path)
	for _, ext := range []string{".nii.gz", ".nii", ".mgz", ".mgh"} {
		if strings.HasSuffix(lower, ext) {
			return path[:len(path)-len(ext)]
		}
	}
	return path
}

// FindVolume returns the first volume file in dir whose base name, without
// extension, equals name or, failing that, contains it. It returns "" when
// nothing matches.
func FindVolume(dir, name string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", models.NewPathError("list", dir, err)
	}
	var partial string
	for _, e := range entries {
		if e.IsDir() || !IsVolume(e.Name()) {
			continue
		}
		base := TrimExtension(e.Name())
		if strings.EqualFold(base, name) {
			return filepath.Join(dir, e.Name()), nil
		}
		if partial == "" && strings.Contains(strings.ToLower(base), strings.ToLower(name)) {
			partial = filepath.Join(dir, e.Name())
		}
	}
	return partial, nil
}
