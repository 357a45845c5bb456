package restoration

import (
	"math"
	"testing"

	"github.com/mabbasi6/merfish3d-analysis/pkg/volume"
)

func isoGrid(nz, ny, nx int) volume.Grid {
	return volume.Grid{NZ: nz, NY: ny, NX: nx, VoxelZYX: [3]float64{1, 1, 1}}
}

// deltaPSF returns a unit impulse kernel: convolution with it is identity.
func deltaPSF(size int) *volume.F32 {
	psf := volume.NewF32(isoGrid(size, size, size))
	psf.Data[psf.Index(size/2, size/2, size/2)] = 1
	return psf
}

// TestDeconvolveIdentityPSF verifies that deconvolving with a delta PSF
// approximately reproduces the input.
func TestDeconvolveIdentityPSF(t *testing.T) {
	raw := volume.NewU16(isoGrid(5, 5, 5))
	raw.Data[raw.Index(2, 2, 2)] = 1000
	raw.Data[raw.Index(1, 3, 2)] = 500

	out, err := Deconvolve(raw, deltaPSF(3), 5, 0)
	if err != nil {
		t.Fatalf("Deconvolve failed: %v", err)
	}

	for i := range raw.Data {
		diff := int(out.Data[i]) - int(raw.Data[i])
		if diff < -1 || diff > 1 {
			t.Errorf("Voxel %d: expected ~%d, got %d", i, raw.Data[i], out.Data[i])
		}
	}
}

// TestDeconvolveSharpens verifies that RL iteration concentrates a blurred
// point source: the peak voxel must gain intensity relative to the input.
func TestDeconvolveSharpens(t *testing.T) {
	// A small symmetric blur kernel.
	psf := volume.NewF32(isoGrid(3, 3, 3))
	psf.Data[psf.Index(1, 1, 1)] = 4
	for _, off := range [][3]int{{0, 1, 1}, {2, 1, 1}, {1, 0, 1}, {1, 2, 1}, {1, 1, 0}, {1, 1, 2}} {
		psf.Data[psf.Index(off[0], off[1], off[2])] = 1
	}

	// Blurred observation of a point source at the center.
	raw := volume.NewU16(isoGrid(7, 7, 7))
	raw.Data[raw.Index(3, 3, 3)] = 400
	for _, off := range [][3]int{{2, 3, 3}, {4, 3, 3}, {3, 2, 3}, {3, 4, 3}, {3, 3, 2}, {3, 3, 4}} {
		raw.Data[raw.Index(off[0], off[1], off[2])] = 100
	}

	out, err := Deconvolve(raw, psf, 20, DeconRegularization)
	if err != nil {
		t.Fatalf("Deconvolve failed: %v", err)
	}

	center := raw.Index(3, 3, 3)
	if out.Data[center] <= raw.Data[center] {
		t.Errorf("Expected deconvolution to concentrate the peak: raw %d, decon %d",
			raw.Data[center], out.Data[center])
	}
}

// TestDeconvolveRejectsEmptyPSF verifies the fatal-PSF contract.
func TestDeconvolveRejectsEmptyPSF(t *testing.T) {
	raw := volume.NewU16(isoGrid(3, 3, 3))
	psf := volume.NewF32(isoGrid(3, 3, 3)) // all zeros

	if _, err := Deconvolve(raw, psf, 5, 0); err == nil {
		t.Error("Expected error for zero-intensity PSF")
	}

	if _, err := Deconvolve(nil, deltaPSF(3), 5, 0); err == nil {
		t.Error("Expected error for missing raw volume")
	}
}

// TestDoGEnhanceClipsNegative verifies that the enhancement output is
// non-negative everywhere.
func TestDoGEnhanceClipsNegative(t *testing.T) {
	raw := volume.NewU16(isoGrid(9, 9, 9))
	raw.Data[raw.Index(4, 4, 4)] = 2000

	out := DoGEnhance(raw, 1.0, 2.0)
	for i, v := range out.Data {
		if v < 0 {
			t.Fatalf("Voxel %d: negative response %f not clipped", i, v)
		}
	}

	// A point source must survive as a positive central response.
	if out.Data[out.Index(4, 4, 4)] <= 0 {
		t.Error("Expected positive DoG response at the spot center")
	}
}

// TestDoGEnhanceFlatVolume verifies that a constant volume produces a
// near-zero interior response (both blurs agree away from boundaries).
func TestDoGEnhanceFlatVolume(t *testing.T) {
	raw := volume.NewU16(isoGrid(15, 15, 15))
	for i := range raw.Data {
		raw.Data[i] = 100
	}

	out := DoGEnhance(raw, 1.0, 2.0)
	center := out.Index(7, 7, 7)
	if math.Abs(float64(out.Data[center])) > 1 {
		t.Errorf("Expected near-zero interior response on flat volume, got %f", out.Data[center])
	}
}

// TestSigmaForWavelength verifies the diffraction-scale estimate and its
// guard against invalid optics parameters.
func TestSigmaForWavelength(t *testing.T) {
	sigma := SigmaForWavelength(0.67, 1.35, 0.098)
	expected := 0.21 * 0.67 / 1.35 / 0.098
	if math.Abs(sigma-expected) > 1e-12 {
		t.Errorf("Expected sigma %f, got %f", expected, sigma)
	}

	if sigma := SigmaForWavelength(0.67, 0, 0.098); sigma != 1.0 {
		t.Errorf("Expected fallback sigma 1.0, got %f", sigma)
	}
}
