// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz).
package nifti

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"neuroquant/internal/models"
)

// NIfTI-1 datatype codes
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
	DTInt64   int16 = 1024
	DTUint64  int16 = 1280
)

// dataOffset is where voxel data starts in files this package writes: the
// header plus an empty 4-byte extension flag.
const dataOffset = models.HeaderSize + 4

// BytesPerVoxel returns the storage size of a datatype, or 0 if the
// datatype is not supported.
func BytesPerVoxel(dt int16) int {
	switch dt {
	case DTUint8, DTInt8:
		return 1
	case DTInt16, DTUint16:
		return 2
	case DTInt32, DTUint32, DTFloat32:
		return 4
	case DTInt64, DTUint64, DTFloat64:
		return 8
	}
	return 0
}

// ParseDataType maps a datatype name such as "float32" or "uint8" to its
// NIfTI code.
func ParseDataType(name string) (int16, error) {
	switch strings.ToLower(name) {
	case "uint8", "uchar":
		return DTUint8, nil
	case "int8":
		return DTInt8, nil
	case "int16", "short":
		return DTInt16, nil
	case "uint16":
		return DTUint16, nil
	case "int32", "int":
		return DTInt32, nil
	case "uint32":
		return DTUint32, nil
	case "int64":
		return DTInt64, nil
	case "uint64":
		return DTUint64, nil
	case "float32", "float":
		return DTFloat32, nil
	case "float64", "double":
		return DTFloat64, nil
	}
	return 0, fmt.Errorf("%w: unsupported NIfTI datatype %q", models.ErrConfig, name)
}

// IsCompressed reports whether path names a gzip-compressed volume
func IsCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// Read loads a .nii or .nii.gz file
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, models.NewPathError("read", path, err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if IsCompressed(path) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, models.NewPathError("read", path, err)
		}
		defer gz.Close()
		r = gz
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, models.NewPathError("read", path, err)
	}
	vol, err := Decode(b)
	if err != nil {
		return nil, models.NewPathError("read", path, err)
	}

	log.WithFields(log.Fields{
		"path":     path,
		"shape":    vol.Shape,
		"channels": vol.Channels,
	}).Debug("Read NIfTI volume")
	return vol, nil
}

// Decode parses an uncompressed single-file NIfTI-1 image.
//
// Dimensions beyond the third are folded into channels. Stored values are
// scaled by scl_slope and scl_inter when a non-trivial slope is present.
func Decode(b []byte) (*models.Volume, error) {
	h, order, err := decodeHeader(b)
	if err != nil {
		return nil, err
	}

	ndim := int(h.Dim[0])
	shape := [3]int{1, 1, 1}
	for d := 0; d < 3 && d < ndim; d++ {
		shape[d] = int(h.Dim[d+1])
	}
	channels := 1
	for d := 4; d <= ndim; d++ {
		if h.Dim[d] > 0 {
			channels *= int(h.Dim[d])
		}
	}
	for d, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("%w: dim[%d] = %d", models.ErrShapeValidation, d+1, s)
		}
	}

	size := BytesPerVoxel(h.DataType)
	if size == 0 {
		return nil, fmt.Errorf("unsupported datatype %d", h.DataType)
	}

	offset := int(h.VoxOffset)
	if offset < models.HeaderSize {
		offset = dataOffset
	}
	n := shape[0] * shape[1] * shape[2] * channels
	if len(b) < offset+n*size {
		return nil, fmt.Errorf("truncated data: need %d bytes after offset %d, have %d",
			n*size, offset, len(b)-offset)
	}

	data := decodeData(b[offset:offset+n*size], h.DataType, order, n)

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	vol := &models.Volume{
		Data:     data,
		Shape:    shape,
		Channels: channels,
		Affine:   Affine(h),
		Header:   h,
	}
	vol.Spacing = models.SpacingFromAffine(vol.Affine)
	for d := 0; d < 3; d++ {
		if p := float64(h.PixDim[d+1]); p > 0 {
			vol.Spacing[d] = p
		}
	}
	return vol, nil
}

func decodeData(b []byte, dt int16, order binary.ByteOrder, n int) []float64 {
	out := make([]float64, n)
	switch dt {
	case DTUint8:
		for i := range out {
			out[i] = float64(b[i])
		}
	case DTInt8:
		for i := range out {
			out[i] = float64(int8(b[i]))
		}
	case DTInt16:
		for i := range out {
			out[i] = float64(int16(order.Uint16(b[2*i:])))
		}
	case DTUint16:
		for i := range out {
			out[i] = float64(order.Uint16(b[2*i:]))
		}
	case DTInt32:
		for i := range out {
			out[i] = float64(int32(order.Uint32(b[4*i:])))
		}
	case DTUint32:
		for i := range out {
			out[i] = float64(order.Uint32(b[4*i:]))
		}
	case DTFloat32:
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(b[4*i:])))
		}
	case DTInt64:
		for i := range out {
			out[i] = float64(int64(order.Uint64(b[8*i:])))
		}
	case DTUint64:
		for i := range out {
			out[i] = float64(order.Uint64(b[8*i:]))
		}
	case DTFloat64:
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(b[8*i:]))
		}
	}
	return out
}

// WriteOptions configures Write and Encode
type WriteOptions struct {
	// DataType is the on-disk datatype; 0 means float32. Integer types
	// round and saturate.
	DataType int16

	// Description replaces the header's descrip field when non-empty
	Description string
}

// Write stores vol as .nii, or gzip-compressed when path ends in .gz
func Write(path string, vol *models.Volume, opts WriteOptions) error {
	b, err := Encode(vol, opts)
	if err != nil {
		return models.NewPathError("write", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return models.NewPathError("write", path, err)
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if IsCompressed(path) {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := w.Write(b); err != nil {
		f.Close()
		return models.NewPathError("write", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return models.NewPathError("write", path, err)
		}
	}
	if err := f.Close(); err != nil {
		return models.NewPathError("write", path, err)
	}

	log.WithFields(log.Fields{
		"path":  path,
		"bytes": len(b),
	}).Debug("Wrote NIfTI volume")
	return nil
}

// Encode serializes vol as an uncompressed single-file NIfTI-1 image.
//
// The volume's own header is used as a template, so fields such as
// descrip, intent, units and calibration survive. Only the dimensions,
// datatype, data offset, scaling, voxel sizes and both spatial transforms
// are rewritten from the volume.
func Encode(vol *models.Volume, opts WriteOptions) ([]byte, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	dt := opts.DataType
	if dt == 0 {
		dt = DTFloat32
	}
	size := BytesPerVoxel(dt)
	if size == 0 {
		return nil, fmt.Errorf("%w: unsupported datatype %d", models.ErrConfig, dt)
	}

	h := vol.Header.Clone()
	if h == nil {
		h = &models.Header{XYZTUnits: 2 | 8} // mm, seconds
	}
	h.SizeOfHdr = models.HeaderSize
	h.Magic = magicSingleFile

	channels := vol.Channels
	if channels < 1 {
		channels = 1
	}
	h.Dim = [8]int16{3, 1, 1, 1, 1, 1, 1, 1}
	for d := 0; d < 3; d++ {
		h.Dim[d+1] = int16(vol.Shape[d])
	}
	if channels > 1 {
		h.Dim[0] = 4
		h.Dim[4] = int16(channels)
	}

	h.DataType = dt
	h.BitPix = int16(8 * size)
	h.VoxOffset = dataOffset
	h.SclSlope, h.SclInter = 1, 0

	setAffine(h, vol.Affine)
	if h.SFormCode <= 0 {
		h.SFormCode = XFormAligned
	}
	if h.QFormCode <= 0 {
		h.QFormCode = XFormAligned
	}
	if opts.Description != "" {
		h.SetDescription(opts.Description)
	}

	hb, err := encodeHeader(h)
	if err != nil {
		return nil, err
	}
	out := make([]byte, dataOffset+len(vol.Data)*size)
	copy(out, hb)
	encodeData(out[dataOffset:], vol.Data, dt)
	return out, nil
}

func encodeData(b []byte, data []float64, dt int16) {
	order := binary.LittleEndian
	switch dt {
	case DTUint8:
		for i, v := range data {
			b[i] = uint8(saturate(v, 0, math.MaxUint8))
		}
	case DTInt8:
		for i, v := range data {
			b[i] = byte(int8(saturate(v, math.MinInt8, math.MaxInt8)))
		}
	case DTInt16:
		for i, v := range data {
			order.PutUint16(b[2*i:], uint16(int16(saturate(v, math.MinInt16, math.MaxInt16))))
		}
	case DTUint16:
		for i, v := range data {
			order.PutUint16(b[2*i:], uint16(saturate(v, 0, math.MaxUint16)))
		}
	case DTInt32:
		for i, v := range data {
			order.PutUint32(b[4*i:], uint32(int32(saturate(v, math.MinInt32, math.MaxInt32))))
		}
	case DTUint32:
		for i, v := range data {
			order.PutUint32(b[4*i:], uint32(saturate(v, 0, math.MaxUint32)))
		}
	case DTFloat32:
		for i, v := range data {
			order.PutUint32(b[4*i:], math.Float32bits(float32(v)))
		}
	case DTInt64:
		for i, v := range data {
			order.PutUint64(b[8*i:], uint64(int64(saturate(v, math.MinInt64, math.MaxInt64))))
		}
	case DTUint64:
		for i, v := range data {
			order.PutUint64(b[8*i:], uint64(saturate(v, 0, math.MaxUint64)))
		}
	case DTFloat64:
		for i, v := range data {
			order.PutUint64(b[8*i:], math.Float64bits(v))
		}
	}
}

// saturate rounds v and clips it to [lo, hi]; NaN becomes 0
func saturate(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	return math.Max(lo, math.Min(v, hi))
}
