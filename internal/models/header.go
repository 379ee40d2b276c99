package models

// Header mirrors the 348-byte NIfTI-1 header.
//
// Type translation from the nifti1.h C header:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  byte
type Header struct {
	SizeOfHdr      int32    // Must be 348
	DataTypeUnused [10]byte // Unused
	DbName         [18]byte // Unused
	Extents        int32    // Unused
	SessionError   int16    // Unused
	Regular        byte     // Unused
	DimInfo        byte     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     byte       // Slice timing order
	XYZTUnits     byte       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	GlMax         int32      // Unused
	GlMin         int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b param
	QuaternC float32 // Quaternion c param
	QuaternD float32 // Quaternion d param
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // Name or meaning of data

	Magic [4]byte // "ni1\0" or "n+1\0"
}

// HeaderSize is the size of the NIfTI-1 header on disk
const HeaderSize = 348

// Clone returns a copy of the header, or nil for a nil header
func (h *Header) Clone() *Header {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

// SetDescription stores s in the descrip field, truncated to fit
func (h *Header) SetDescription(s string) {
	h.Descrip = [80]byte{}
	copy(h.Descrip[:79], s)
}

// Description returns the descrip field as a string
func (h *Header) Description() string {
	n := 0
	for n < len(h.Descrip) && h.Descrip[n] != 0 {
		n++
	}
	return string(h.Descrip[:n])
}
