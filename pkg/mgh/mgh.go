// Package mgh reads and writes FreeSurfer MGH volumes and their gzipped
// MGZ form.
package mgh

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/mat"

	"neuroquant/internal/models"
)

// Voxel types stored in the header
const (
	TypeUchar int32 = 0
	TypeInt   int32 = 1
	TypeFloat int32 = 3
	TypeShort int32 = 4
)

// headerSize is the offset of the voxel data
const headerSize = 284

// header is the fixed part of an MGH header. Everything is big-endian.
// The voxel sizes and direction cosines are only valid when GoodRAS is 1.
type header struct {
	Version int32
	Width   int32
	Height  int32
	Depth   int32
	NFrames int32
	Type    int32
	DOF     int32
	GoodRAS int16

	VoxelSize [3]float32
	Mdc       [9]float32 // x_r x_a x_s y_r y_a y_s z_r z_a z_s
	CRAS      [3]float32
}

// IsMGH reports whether path has an .mgh or .mgz extension
func IsMGH(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".mgh" || ext == ".mgz"
}

// Read loads an .mgh or .mgz file
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, models.NewPathError("read", path, err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.EqualFold(filepath.Ext(path), ".mgz") {
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
	return vol, nil
}

// Decode parses an uncompressed MGH image. Frames become channels.
func Decode(b []byte) (*models.Volume, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("file too short for an MGH header: %d bytes", len(b))
	}
	var h header
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, &h); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	if h.Version != 1 {
		return nil, fmt.Errorf("unsupported MGH version %d", h.Version)
	}
	shape := [3]int{int(h.Width), int(h.Height), int(h.Depth)}
	for d, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("%w: axis %d has size %d", models.ErrShapeValidation, d, s)
		}
	}
	channels := int(h.NFrames)
	if channels < 1 {
		channels = 1
	}

	size := bytesPerVoxel(h.Type)
	if size == 0 {
		return nil, fmt.Errorf("unsupported MGH voxel type %d", h.Type)
	}
	n := shape[0] * shape[1] * shape[2] * channels
	if len(b) < headerSize+n*size {
		return nil, fmt.Errorf("truncated data: need %d bytes, have %d", n*size, len(b)-headerSize)
	}

	raw := b[headerSize:]
	data := make([]float64, n)
	be := binary.BigEndian
	for i := range data {
		switch h.Type {
		case TypeUchar:
			data[i] = float64(raw[i])
		case TypeShort:
			data[i] = float64(int16(be.Uint16(raw[2*i:])))
		case TypeInt:
			data[i] = float64(int32(be.Uint32(raw[4*i:])))
		case TypeFloat:
			data[i] = float64(math.Float32frombits(be.Uint32(raw[4*i:])))
		}
	}

	if h.GoodRAS <= 0 {
		// FreeSurfer's default orientation for files without geometry
		h.VoxelSize = [3]float32{1, 1, 1}
		h.Mdc = [9]float32{-1, 0, 0, 0, 0, -1, 0, 1, 0}
		h.CRAS = [3]float32{}
	}
	affine := vox2ras(&h)

	vol := &models.Volume{
		Data:     data,
		Shape:    shape,
		Channels: channels,
		Affine:   affine,
		Spacing:  [3]float64{float64(h.VoxelSize[0]), float64(h.VoxelSize[1]), float64(h.VoxelSize[2])},
		Header:   synthesizeHeader(&h),
	}
	return vol, nil
}

func bytesPerVoxel(t int32) int {
	switch t {
	case TypeUchar:
		return 1
	case TypeShort:
		return 2
	case TypeInt, TypeFloat:
		return 4
	}
	return 0
}

// vox2ras builds the voxel-to-RAS matrix: direction cosines scaled by the
// voxel sizes, with the translation chosen so voxel dims/2 lands on c_ras.
func vox2ras(h *header) *mat.Dense {
	m := models.Identity4()
	for c := 0; c < 3; c++ {
		for r := 0; r < 3; r++ {
			m.Set(r, c, float64(h.Mdc[3*c+r])*float64(h.VoxelSize[c]))
		}
	}
	half := [3]float64{float64(h.Width) / 2, float64(h.Height) / 2, float64(h.Depth) / 2}
	for r := 0; r < 3; r++ {
		p := float64(h.CRAS[r])
		for c := 0; c < 3; c++ {
			p -= m.At(r, c) * half[c]
		}
		m.Set(r, 3, p)
	}
	return m
}

// synthesizeHeader returns a NIfTI header describing the MGH volume, so
// the volume can be written as NIfTI with its geometry intact.
func synthesizeHeader(h *header) *models.Header {
	nh := &models.Header{
		SizeOfHdr: models.HeaderSize,
		Dim:       [8]int16{3, int16(h.Width), int16(h.Height), int16(h.Depth), 1, 1, 1, 1},
		PixDim:    [8]float32{1, h.VoxelSize[0], h.VoxelSize[1], h.VoxelSize[2]},
		XYZTUnits: 2,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	if h.NFrames > 1 {
		nh.Dim[0] = 4
		nh.Dim[4] = int16(h.NFrames)
	}
	nh.SetDescription("converted from MGH")
	return nh
}

// Write stores vol as .mgh, or gzip-compressed when the extension is .mgz.
// voxType selects the on-disk type; integer types round and saturate.
func Write(path string, vol *models.Volume, voxType int32) error {
	b, err := Encode(vol, voxType)
	if err != nil {
		return models.NewPathError("write", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return models.NewPathError("write", path, err)
	}
	var w io.Writer = f
	var gz *gzip.Writer
	if strings.EqualFold(filepath.Ext(path), ".mgz") {
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
	return models.NewPathError("write", path, f.Close())
}

// Encode serializes vol as an uncompressed MGH image
func Encode(vol *models.Volume, voxType int32) ([]byte, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	size := bytesPerVoxel(voxType)
	if size == 0 {
		return nil, fmt.Errorf("%w: unsupported MGH voxel type %d", models.ErrConfig, voxType)
	}
	channels := vol.Channels
	if channels < 1 {
		channels = 1
	}

	h := header{
		Version: 1,
		Width:   int32(vol.Shape[0]),
		Height:  int32(vol.Shape[1]),
		Depth:   int32(vol.Shape[2]),
		NFrames: int32(channels),
		Type:    voxType,
		GoodRAS: 1,
	}
	zooms := models.SpacingFromAffine(vol.Affine)
	for c := 0; c < 3; c++ {
		h.VoxelSize[c] = float32(zooms[c])
		for r := 0; r < 3; r++ {
			h.Mdc[3*c+r] = float32(vol.Affine.At(r, c) / zooms[c])
		}
	}
	for r := 0; r < 3; r++ {
		p := vol.Affine.At(r, 3)
		for c := 0; c < 3; c++ {
			p += vol.Affine.At(r, c) * float64(vol.Shape[c]) / 2
		}
		h.CRAS[r] = float32(p)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, &h); err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	out := make([]byte, headerSize+len(vol.Data)*size)
	copy(out, buf.Bytes())

	raw := out[headerSize:]
	be := binary.BigEndian
	for i, v := range vol.Data {
		switch voxType {
		case TypeUchar:
			raw[i] = uint8(saturate(v, 0, math.MaxUint8))
		case TypeShort:
			be.PutUint16(raw[2*i:], uint16(int16(saturate(v, math.MinInt16, math.MaxInt16))))
		case TypeInt:
			be.PutUint32(raw[4*i:], uint32(int32(saturate(v, math.MinInt32, math.MaxInt32))))
		case TypeFloat:
			be.PutUint32(raw[4*i:], math.Float32bits(float32(v)))
		}
	}
	return out, nil
}

func saturate(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(math.Round(v), hi))
}
