package geometry

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"neuroquant/internal/models"
)

// createTestVolume creates an empty single-frame volume with the given affine
func createTestVolume(shape [3]int, affine *mat.Dense) *models.Volume {
	return models.NewVolume(shape, affine)
}

func assertIdentity(t *testing.T, m *mat.Dense, tol float64) {
	t.Helper()
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(m.At(i, j)-want) > tol {
				t.Fatalf("Expected identity, element (%d,%d) = %f\n%v", i, j, m.At(i, j), mat.Formatted(m))
			}
		}
	}
}

// TestOrientationLIA verifies the direction cosines of the network orientation
func TestOrientationLIA(t *testing.T) {
	rot, err := Orientation("LIA")
	if err != nil {
		t.Fatalf("Orientation failed: %v", err)
	}
	want := []float64{
		-1, 0, 0,
		0, 0, 1,
		0, -1, 0,
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if rot.At(i, j) != want[i*3+j] {
				t.Errorf("Rotation(%d,%d) = %f, expected %f", i, j, rot.At(i, j), want[i*3+j])
			}
		}
	}
}

func TestOrientationInvalid(t *testing.T) {
	for _, code := range []string{"LI", "LIX", "LLA", ""} {
		if _, err := Orientation(code); !errors.Is(err, models.ErrConfig) {
			t.Errorf("Orientation(%q): expected ErrConfig, got %v", code, err)
		}
	}
}

func TestOrientationCodeRoundTrip(t *testing.T) {
	for _, code := range []string{"LIA", "RAS", "LPS", "AIR", "SAL"} {
		g, err := NewGeometry([3]int{4, 4, 4}, [3]float64{1, 2, 3}, code, [3]float64{})
		if err != nil {
			t.Fatalf("NewGeometry(%s): %v", code, err)
		}
		if got := OrientationCode(g.Vox2World()); got != code {
			t.Errorf("OrientationCode = %s, expected %s", got, code)
		}
	}
}

// TestGeometryCenter verifies that voxel shape/2 maps onto the center
func TestGeometryCenter(t *testing.T) {
	center := [3]float64{10, -5, 2.5}
	g, err := NewGeometry([3]int{20, 30, 40}, [3]float64{1.5, 1, 2}, "RAS", center)
	if err != nil {
		t.Fatalf("NewGeometry failed: %v", err)
	}
	w := Apply(g.Vox2World(), []float64{10, 15, 20})
	for d := 0; d < 3; d++ {
		if math.Abs(w[d]-center[d]) > 1e-9 {
			t.Errorf("Axis %d: expected %f, got %f", d, center[d], w[d])
		}
	}

	vol := createTestVolume(g.Shape, g.Vox2World())
	c := CenterOf(vol)
	for d := 0; d < 3; d++ {
		if math.Abs(c[d]-center[d]) > 1e-9 {
			t.Errorf("CenterOf axis %d: expected %f, got %f", d, center[d], c[d])
		}
	}
}

// TestNetworkSpaceIdentity checks that an image already in network space
// yields identity transforms.
func TestNetworkSpaceIdentity(t *testing.T) {
	shape := [3]int{16, 16, 16}
	g, err := NewGeometry(shape, [3]float64{1, 1, 1}, NetworkOrientation, [3]float64{3, -7, 12})
	if err != nil {
		t.Fatalf("NewGeometry failed: %v", err)
	}
	vol := createTestVolume(shape, g.Vox2World())

	netToVox, voxToNet, err := NetworkSpace(vol, shape, [3]float64{1, 1, 1}, nil)
	if err != nil {
		t.Fatalf("NetworkSpace failed: %v", err)
	}
	assertIdentity(t, netToVox, 1e-9)
	assertIdentity(t, voxToNet, 1e-9)
}

// TestNetworkSpaceInverse checks that the two returned transforms compose
// to the identity for an arbitrary oblique image.
func TestNetworkSpaceInverse(t *testing.T) {
	affine := mat.NewDense(4, 4, []float64{
		0.9, 0.1, 0, -90,
		-0.1, 1.1, 0.05, -120,
		0, -0.05, 2.5, -60,
		0, 0, 0, 1,
	})
	vol := createTestVolume([3]int{91, 109, 40}, affine)

	netToVox, voxToNet, err := NetworkSpace(vol, [3]int{64, 64, 64}, [3]float64{2, 2, 2}, nil)
	if err != nil {
		t.Fatalf("NetworkSpace failed: %v", err)
	}

	var prod mat.Dense
	prod.Mul(netToVox, voxToNet)
	assertIdentity(t, &prod, 1e-9)

	prod.Mul(voxToNet, netToVox)
	assertIdentity(t, &prod, 1e-9)
}

// TestNetworkSpaceReferenceCenter checks that the network grid center lands
// on the reference volume's center.
func TestNetworkSpaceReferenceCenter(t *testing.T) {
	vol := createTestVolume([3]int{50, 50, 50}, models.Identity4())
	refAffine := models.Identity4()
	refAffine.Set(0, 3, 5)
	refAffine.Set(1, 3, -3)
	ref := createTestVolume([3]int{20, 20, 20}, refAffine)

	shape := [3]int{32, 32, 32}
	netToVox, _, err := NetworkSpace(vol, shape, [3]float64{1, 1, 1}, ref)
	if err != nil {
		t.Fatalf("NetworkSpace failed: %v", err)
	}

	// Reference center in world space is (15, 7, 10); vol has an identity
	// affine so the voxel index equals the world coordinate.
	got := Apply(netToVox, []float64{16, 16, 16})
	want := []float64{15, 7, 10}
	for d := 0; d < 3; d++ {
		if math.Abs(got[d]-want[d]) > 1e-9 {
			t.Errorf("Axis %d: expected %f, got %f", d, want[d], got[d])
		}
	}
}

func TestNetworkSpaceRejectsMultiFrame(t *testing.T) {
	vol := createTestVolume([3]int{4, 4, 4}, nil)
	vol.Data = make([]float64, 4*4*4*2)
	vol.Channels = 2

	_, _, err := NetworkSpace(vol, [3]int{4, 4, 4}, [3]float64{1, 1, 1}, nil)
	if !errors.Is(err, models.ErrShapeValidation) {
		t.Fatalf("Expected ErrShapeValidation, got %v", err)
	}
}

func TestAllClose(t *testing.T) {
	a := models.Identity4()
	b := models.Identity4()
	b.Set(0, 3, 5e-4)
	if !AllClose(a, b, 1e-3) {
		t.Error("Expected matrices within 1e-3 to be close")
	}
	b.Set(0, 3, 2e-3)
	if AllClose(a, b, 1e-3) {
		t.Error("Expected matrices 2e-3 apart not to be close")
	}
	if AllClose(a, mat.NewDense(3, 4, nil), 1) {
		t.Error("Expected matrices of different shapes not to be close")
	}
}

func TestOrientedSpaceRAS(t *testing.T) {
	vol := createTestVolume([3]int{10, 10, 10}, models.Identity4())
	netToVox, _, err := OrientedSpace(vol, [3]int{10, 10, 10}, [3]float64{1, 1, 1}, "RAS", nil)
	if err != nil {
		t.Fatalf("OrientedSpace failed: %v", err)
	}
	// A RAS network grid of the same size is the identity on an RAS volume
	assertIdentity(t, netToVox, 1e-9)

	if _, _, err := OrientedSpace(vol, [3]int{10, 10, 10}, [3]float64{1, 1, 1}, "QQQ", nil); !errors.Is(err, models.ErrConfig) {
		t.Errorf("Expected ErrConfig for a bad orientation, got %v", err)
	}
}
