package registration

import (
	"math"
	"math/rand"
	"testing"

	"github.com/mabbasi6/merfish3d-analysis/pkg/volume"
)

// isoGrid returns a grid with 1 um isotropic voxels so shifts in micrometers
// and voxels coincide.
func isoGrid(nz, ny, nx int) volume.Grid {
	return volume.Grid{NZ: nz, NY: ny, NX: nx, VoxelZYX: [3]float64{1, 1, 1}}
}

// blobVolume builds a deterministic volume of smooth Gaussian blobs, the
// kind of structure the correlation passes are designed for.
func blobVolume(g volume.Grid) *volume.F32 {
	centers := [][3]float64{
		{10, 12, 9}, {14, 22, 20}, {20, 9, 25}, {8, 25, 14},
		{22, 18, 8}, {16, 14, 28}, {12, 28, 24},
	}
	const sigma = 2.5

	v := volume.NewF32(g)
	for z := 0; z < g.NZ; z++ {
		for y := 0; y < g.NY; y++ {
			for x := 0; x < g.NX; x++ {
				sum := 0.0
				for _, c := range centers {
					dz := (float64(z) - c[0]*float64(g.NZ)/32.0)
					dy := (float64(y) - c[1]*float64(g.NY)/32.0)
					dx := (float64(x) - c[2]*float64(g.NX)/32.0)
					sum += 1000 * math.Exp(-(dz*dz+dy*dy+dx*dx)/(2*sigma*sigma))
				}
				v.Data[v.Index(z, y, x)] = float32(sum)
			}
		}
	}
	return v
}

// shiftedCopy displaces a volume by shiftUm: the result is the reference
// content moved by +shift, as a stage drift between rounds would produce.
func shiftedCopy(ref *volume.F32, shiftUm [3]float64) *volume.F32 {
	// mov(x) = ref(x - shift) is ApplyTranslation with the negated shift.
	return ApplyTranslation(ref, [3]float64{-shiftUm[0], -shiftUm[1], -shiftUm[2]})
}

// TestEstimateRigidIdentity verifies that registering a volume against
// itself yields a near-zero shift on every pass.
func TestEstimateRigidIdentity(t *testing.T) {
	ref := blobVolume(isoGrid(32, 32, 32))

	res, err := EstimateRigid(ref, ref, RigidOptions{DownsampleFactor: 2})
	if err != nil {
		t.Fatalf("EstimateRigid failed: %v", err)
	}

	for d := 0; d < 3; d++ {
		if math.Abs(res.TotalShiftUm[d]) > 0.25 {
			t.Errorf("Axis %d: identity registration should give ~0 shift, got %f",
				d, res.TotalShiftUm[d])
		}
	}
}

// TestEstimateRigidRecoversShift verifies round-trip recovery of a known
// translation within half a voxel at the working downsample factor.
func TestEstimateRigidRecoversShift(t *testing.T) {
	ref := blobVolume(isoGrid(32, 32, 32))
	truth := [3]float64{2, 3, -2}
	mov := shiftedCopy(ref, truth)

	const factor = 2
	res, err := EstimateRigid(ref, mov, RigidOptions{DownsampleFactor: factor})
	if err != nil {
		t.Fatalf("EstimateRigid failed: %v", err)
	}

	tolerance := 0.5 * factor // half a voxel at the working resolution
	for d := 0; d < 3; d++ {
		if math.Abs(res.TotalShiftUm[d]-truth[d]) > tolerance {
			t.Errorf("Axis %d: expected shift %f, got %f (tolerance %f)",
				d, truth[d], res.TotalShiftUm[d], tolerance)
		}
	}

	// The per-pass decomposition must sum to the reported total.
	for d := 0; d < 3; d++ {
		sum := res.XYShiftUm[d] + res.ZShiftUm[d] + res.ResidualShiftUm[d]
		if math.Abs(sum-res.TotalShiftUm[d]) > 1e-9 {
			t.Errorf("Axis %d: pass shifts sum to %f, total reports %f", d, sum, res.TotalShiftUm[d])
		}
	}
}

// TestEstimateRigidSubVoxel verifies sub-voxel recovery of a fractional
// translation.
func TestEstimateRigidSubVoxel(t *testing.T) {
	ref := blobVolume(isoGrid(32, 32, 32))
	truth := [3]float64{0.5, -1.5, 1.0}
	mov := shiftedCopy(ref, truth)

	const factor = 2
	res, err := EstimateRigid(ref, mov, RigidOptions{DownsampleFactor: factor})
	if err != nil {
		t.Fatalf("EstimateRigid failed: %v", err)
	}

	for d := 0; d < 3; d++ {
		if math.Abs(res.TotalShiftUm[d]-truth[d]) > 0.5*factor {
			t.Errorf("Axis %d: expected shift %f, got %f", d, truth[d], res.TotalShiftUm[d])
		}
	}
}

// TestEstimateRigidDegenerate feeds flat and pure-noise volume pairs to the
// estimator; both must produce finite shifts without error, defaulting to
// zero when no peak is discernible.
func TestEstimateRigidDegenerate(t *testing.T) {
	g := isoGrid(16, 16, 16)

	// Flat volumes: no correlation structure at all.
	flatA := volume.NewF32(g)
	flatB := volume.NewF32(g)
	res, err := EstimateRigid(flatA, flatB, RigidOptions{DownsampleFactor: 2})
	if err != nil {
		t.Fatalf("EstimateRigid on flat volumes failed: %v", err)
	}
	if res.XYFound || res.ZFound || res.ResidualFound {
		t.Error("Expected no pass to report a peak on flat volumes")
	}
	for d := 0; d < 3; d++ {
		if res.TotalShiftUm[d] != 0 {
			t.Errorf("Axis %d: expected zero shift on flat volumes, got %f", d, res.TotalShiftUm[d])
		}
	}

	// Uncorrelated noise: any reported shift must at least be finite.
	rng := rand.New(rand.NewSource(7))
	noiseA := volume.NewF32(g)
	noiseB := volume.NewF32(g)
	for i := range noiseA.Data {
		noiseA.Data[i] = float32(rng.Float64())
		noiseB.Data[i] = float32(rng.Float64())
	}
	res, err = EstimateRigid(noiseA, noiseB, RigidOptions{DownsampleFactor: 2})
	if err != nil {
		t.Fatalf("EstimateRigid on noise volumes failed: %v", err)
	}
	for d := 0; d < 3; d++ {
		if math.IsNaN(res.TotalShiftUm[d]) || math.IsInf(res.TotalShiftUm[d], 0) {
			t.Errorf("Axis %d: expected finite shift on noise volumes, got %f", d, res.TotalShiftUm[d])
		}
	}
}

// TestEstimateRigidGeometryMismatch verifies the fatal mismatch contract.
func TestEstimateRigidGeometryMismatch(t *testing.T) {
	a := volume.NewF32(isoGrid(8, 8, 8))
	b := volume.NewF32(isoGrid(8, 8, 10))
	if _, err := EstimateRigid(a, b, RigidOptions{}); err == nil {
		t.Error("Expected error for mismatched volume geometry")
	}

	released := volume.NewF32(isoGrid(8, 8, 8))
	released.Release()
	if _, err := EstimateRigid(a, released, RigidOptions{}); err == nil {
		t.Error("Expected error for released moving volume")
	}
}

// TestCrossCorrelate1DKnownLag verifies the 1D correlation path used by the
// depth pass, including the degenerate flat case.
func TestCrossCorrelate1DKnownLag(t *testing.T) {
	n := 32
	a := make([]float64, n)
	b := make([]float64, n)
	for i := 0; i < n; i++ {
		a[i] = math.Exp(-float64(i-12) * float64(i-12) / 8.0)
		b[i] = math.Exp(-float64(i-15) * float64(i-15) / 8.0) // displaced by +3
	}

	shift, ok := crossCorrelate(a, b, []int{n})
	if !ok {
		t.Fatal("Expected a correlation peak")
	}
	if math.Abs(shift[0]-3) > 0.25 {
		t.Errorf("Expected lag 3, got %f", shift[0])
	}

	flat := make([]float64, n)
	if shift, ok := crossCorrelate(flat, flat, []int{n}); ok || shift[0] != 0 {
		t.Errorf("Expected zero shift and ok=false on flat input, got %f ok=%v", shift[0], ok)
	}
}
