package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"neuroquant/internal/models"
)

// Transform codes for qform_code and sform_code
const (
	XFormUnknown = 0
	XFormScanner = 1
	XFormAligned = 2
)

var magicSingleFile = [4]byte{'n', '+', '1', 0}

// decodeHeader reads the fixed header from b and returns it with the byte
// order it was stored in. The order is found from sizeof_hdr, which is 348
// in the file's own byte order.
func decodeHeader(b []byte) (*models.Header, binary.ByteOrder, error) {
	if len(b) < models.HeaderSize {
		return nil, nil, fmt.Errorf("file too short for a NIfTI-1 header: %d bytes", len(b))
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(order.Uint32(b[:4])) != models.HeaderSize {
		order = binary.BigEndian
		if int32(order.Uint32(b[:4])) != models.HeaderSize {
			return nil, nil, fmt.Errorf("invalid header size for nifti1")
		}
	}

	h := new(models.Header)
	if err := binary.Read(bytes.NewReader(b[:models.HeaderSize]), order, h); err != nil {
		return nil, nil, fmt.Errorf("failed to decode header: %w", err)
	}

	switch {
	case h.Magic != magicSingleFile:
		return nil, nil, fmt.Errorf("invalid file magic %q: data must be stored in the same file as the header", h.Magic[:3])
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return nil, nil, fmt.Errorf("dim[0] = %d is not in [1, 7]", h.Dim[0])
	}
	return h, order, nil
}

// encodeHeader serializes h in little-endian order
func encodeHeader(h *models.Header) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	return buf.Bytes(), nil
}

// Affine returns the voxel-to-world matrix of a header: the sform when
// sform_code is set, otherwise the qform when qform_code is set, otherwise
// a diagonal matrix of the voxel sizes.
func Affine(h *models.Header) *mat.Dense {
	switch {
	case h.SFormCode > 0:
		return sformAffine(h)
	case h.QFormCode > 0:
		return qformAffine(h)
	}
	m := models.Identity4()
	for d := 0; d < 3; d++ {
		if p := float64(h.PixDim[d+1]); p > 0 {
			m.Set(d, d, p)
		}
	}
	return m
}

func sformAffine(h *models.Header) *mat.Dense {
	m := models.Identity4()
	rows := [3][4]float32{h.SRowX, h.SRowY, h.SRowZ}
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, float64(rows[r][c]))
		}
	}
	return m
}

func qformAffine(h *models.Header) *mat.Dense {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// Special case from nifti1_io: a 180 degree rotation
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := 1.0
	if h.PixDim[0] < 0 {
		qfac = -1
	}
	zooms := [3]float64{float64(h.PixDim[1]), float64(h.PixDim[2]), float64(h.PixDim[3])}
	for i, z := range zooms {
		if z <= 0 {
			zooms[i] = 1
		}
	}
	zooms[2] *= qfac

	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
	m := models.Identity4()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, r[i][j]*zooms[j])
		}
	}
	m.Set(0, 3, float64(h.QOffsetX))
	m.Set(1, 3, float64(h.QOffsetY))
	m.Set(2, 3, float64(h.QOffsetZ))
	return m
}

// setAffine writes affine into both the sform and the qform of h. The
// qform keeps only the rotation, so shears are carried by the sform alone.
func setAffine(h *models.Header, affine *mat.Dense) {
	rows := [3]*[4]float32{&h.SRowX, &h.SRowY, &h.SRowZ}
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			rows[r][c] = float32(affine.At(r, c))
		}
	}

	zooms := models.SpacingFromAffine(affine)
	var rot [3][3]float64
	for c := 0; c < 3; c++ {
		z := zooms[c]
		if z == 0 {
			z = 1
		}
		for r := 0; r < 3; r++ {
			rot[r][c] = affine.At(r, c) / z
		}
	}
	det := rot[0][0]*(rot[1][1]*rot[2][2]-rot[1][2]*rot[2][1]) -
		rot[0][1]*(rot[1][0]*rot[2][2]-rot[1][2]*rot[2][0]) +
		rot[0][2]*(rot[1][0]*rot[2][1]-rot[1][1]*rot[2][0])
	qfac := float32(1)
	if det < 0 {
		qfac = -1
		for r := 0; r < 3; r++ {
			rot[r][2] = -rot[r][2]
		}
	}

	_, b, c, d := quaternion(rot)
	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(c), float32(d)
	h.QOffsetX = float32(affine.At(0, 3))
	h.QOffsetY = float32(affine.At(1, 3))
	h.QOffsetZ = float32(affine.At(2, 3))
	h.PixDim[0] = qfac
	for d := 0; d < 3; d++ {
		h.PixDim[d+1] = float32(zooms[d])
	}
}

// quaternion converts a proper rotation matrix to a unit quaternion with a
// non-negative real part.
func quaternion(r [3][3]float64) (a, b, c, d float64) {
	trace := r[0][0] + r[1][1] + r[2][2] + 1
	if trace > 0.5 {
		a = 0.5 * math.Sqrt(trace)
		b = 0.25 * (r[2][1] - r[1][2]) / a
		c = 0.25 * (r[0][2] - r[2][0]) / a
		d = 0.25 * (r[1][0] - r[0][1]) / a
		return a, b, c, d
	}

	xd := 1 + r[0][0] - (r[1][1] + r[2][2])
	yd := 1 + r[1][1] - (r[0][0] + r[2][2])
	zd := 1 + r[2][2] - (r[0][0] + r[1][1])
	switch {
	case xd > 1:
		b = 0.5 * math.Sqrt(xd)
		c = 0.25 * (r[0][1] + r[1][0]) / b
		d = 0.25 * (r[0][2] + r[2][0]) / b
		a = 0.25 * (r[2][1] - r[1][2]) / b
	case yd > 1:
		c = 0.5 * math.Sqrt(yd)
		b = 0.25 * (r[0][1] + r[1][0]) / c
		d = 0.25 * (r[1][2] + r[2][1]) / c
		a = 0.25 * (r[0][2] - r[2][0]) / c
	default:
		d = 0.5 * math.Sqrt(zd)
		b = 0.25 * (r[0][2] + r[2][0]) / d
		c = 0.25 * (r[1][2] + r[2][1]) / d
		a = 0.25 * (r[1][0] - r[0][1]) / d
	}
	if a < 0 {
		a, b, c, d = -a, -b, -c, -d
	}
	return a, b, c, d
}
