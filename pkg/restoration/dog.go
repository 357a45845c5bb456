package restoration

import (
	"math"

	"github.com/mabbasi6/merfish3d-analysis/pkg/volume"
)

// DoGEnhance applies a difference-of-Gaussian spot-enhancement filter: the
// volume is blurred at a narrow and a wide scale, the wide blur is
// subtracted, and negative responses are clipped to zero. The result keeps
// the input grid and is float32, matching the dog_data storage type.
func DoGEnhance(vol *volume.U16, sigmaLow, sigmaHigh float64) *volume.F32 {
	work := vol.ToF32()
	narrow := gaussianBlur(work, sigmaLow)
	wide := gaussianBlur(work, sigmaHigh)
	work.Release()

	out := volume.NewF32(vol.Grid)
	for i := range out.Data {
		diff := narrow.Data[i] - wide.Data[i]
		if diff < 0 {
			diff = 0
		}
		out.Data[i] = diff
	}
	narrow.Release()
	wide.Release()
	return out
}

// SigmaForWavelength estimates the spot scale in pixels for a given emission
// wavelength: the diffraction-limited Gaussian approximation
// sigma ~= 0.21 * lambda / NA, converted into pixel units.
func SigmaForWavelength(emissionUm, na, pixelUm float64) float64 {
	if na <= 0 || pixelUm <= 0 {
		return 1.0
	}
	return 0.21 * emissionUm / na / pixelUm
}

// gaussianBlur applies a separable Gaussian filter along each axis.
func gaussianBlur(vol *volume.F32, sigma float64) *volume.F32 {
	if sigma <= 0 {
		return vol.Clone()
	}
	kernel := gaussianKernel(sigma)

	pass1 := convolveAxis(vol, kernel, 2)   // x
	pass2 := convolveAxis(pass1, kernel, 1) // y
	pass1.Release()
	pass3 := convolveAxis(pass2, kernel, 0) // z
	pass2.Release()
	return pass3
}

// gaussianKernel builds a normalized 1D Gaussian with radius 3*sigma.
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// convolveAxis convolves a 1D kernel along the given axis (0=z, 1=y, 2=x)
// with zero fill at the boundaries.
func convolveAxis(vol *volume.F32, kernel []float64, axis int) *volume.F32 {
	out := volume.NewF32(vol.Grid)
	radius := len(kernel) / 2

	for z := 0; z < vol.NZ; z++ {
		for y := 0; y < vol.NY; y++ {
			for x := 0; x < vol.NX; x++ {
				sum := 0.0
				for k := -radius; k <= radius; k++ {
					var val float64
					switch axis {
					case 0:
						val = vol.At(z+k, y, x)
					case 1:
						val = vol.At(z, y+k, x)
					default:
						val = vol.At(z, y, x+k)
					}
					sum += kernel[k+radius] * val
				}
				out.Data[out.Index(z, y, x)] = float32(sum)
			}
		}
	}
	return out
}
