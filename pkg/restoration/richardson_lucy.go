// Package restoration implements the two numerical preprocessing routines the
// registration pipeline calls through fixed signatures: Richardson-Lucy
// deconvolution of raw volumes against a calibration point-spread function,
// and difference-of-Gaussian spot enhancement for readout bit channels.
//
// Both routines are pipeline-wide: the iteration count and regularization
// strength of the deconvolution are constants of the processing contract, not
// per-call tunables.
package restoration

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/mabbasi6/merfish3d-analysis/pkg/volume"
)

// Pipeline-wide deconvolution constants.
const (
	// DeconIterations is the fixed Richardson-Lucy iteration count.
	DeconIterations = 40

	// DeconRegularization damps the multiplicative update to suppress
	// noise amplification in late iterations.
	DeconRegularization = 1e-4
)

// epsilon guards divisions against empty background regions.
const epsilon = 1e-12

// Deconvolve restores a blurred acquisition given its point-spread function
// using damped Richardson-Lucy iteration. The PSF is normalized to unit sum
// before use; its spatial support is expected to be small (tens of voxels per
// axis) so convolution runs directly in the spatial domain.
//
// The returned volume has the raw volume's grid and uint16 storage type.
func Deconvolve(raw *volume.U16, psf *volume.F32, iterations int, regularization float64) (*volume.U16, error) {
	if raw == nil || raw.Data == nil {
		return nil, fmt.Errorf("deconvolution requires a loaded raw volume")
	}
	if psf == nil || psf.Data == nil {
		return nil, fmt.Errorf("deconvolution requires a point-spread function")
	}

	kernel, err := normalizePSF(psf)
	if err != nil {
		return nil, err
	}

	observed := raw.ToF32()
	estimate := observed.Clone()
	ratio := volume.NewF32(observed.Grid)

	damping := float32(1.0 / (1.0 + regularization))

	for iter := 0; iter < iterations; iter++ {
		// ratio = observed / (estimate (x) psf)
		blurred := convolve(estimate, kernel, false)
		for i := range ratio.Data {
			ratio.Data[i] = observed.Data[i] / (blurred.Data[i] + epsilon)
		}
		blurred.Release()

		// estimate *= (ratio (x) psf-flipped), damped by the
		// regularization factor
		correction := convolve(ratio, kernel, true)
		for i := range estimate.Data {
			estimate.Data[i] *= correction.Data[i] * damping
		}
		correction.Release()
	}

	observed.Release()
	ratio.Release()

	out := estimate.ToU16()
	estimate.Release()
	return out, nil
}

// normalizePSF returns a unit-sum copy of the PSF.
func normalizePSF(psf *volume.F32) (*volume.F32, error) {
	sums := make([]float64, len(psf.Data))
	for i, v := range psf.Data {
		sums[i] = float64(v)
	}
	total := floats.Sum(sums)
	if total <= 0 {
		return nil, fmt.Errorf("point-spread function has non-positive total intensity")
	}

	kernel := volume.NewF32(psf.Grid)
	scale := float32(1.0 / total)
	for i, v := range psf.Data {
		kernel.Data[i] = v * scale
	}
	return kernel, nil
}

// convolve computes the spatial convolution of vol with kernel, optionally
// using the coordinate-flipped kernel (the adjoint operation in the
// Richardson-Lucy update). Samples outside the volume contribute zero.
func convolve(vol, kernel *volume.F32, flipped bool) *volume.F32 {
	out := volume.NewF32(vol.Grid)

	// Kernel center; flipping mirrors the kernel through it.
	cz := kernel.NZ / 2
	cy := kernel.NY / 2
	cx := kernel.NX / 2

	for z := 0; z < vol.NZ; z++ {
		for y := 0; y < vol.NY; y++ {
			for x := 0; x < vol.NX; x++ {
				sum := 0.0
				for kz := 0; kz < kernel.NZ; kz++ {
					for ky := 0; ky < kernel.NY; ky++ {
						for kx := 0; kx < kernel.NX; kx++ {
							w := kernel.Data[kernel.Index(kz, ky, kx)]
							if w == 0 {
								continue
							}
							dz, dy, dx := kz-cz, ky-cy, kx-cx
							if flipped {
								dz, dy, dx = -dz, -dy, -dx
							}
							sum += float64(w) * vol.At(z-dz, y-dy, x-dx)
						}
					}
				}
				out.Data[out.Index(z, y, x)] = float32(sum)
			}
		}
	}
	return out
}
