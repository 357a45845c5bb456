// Package registration implements the core alignment engine: coarse-to-fine
// rigid translation estimation between volumes of the same tile, optional
// dense displacement-field refinement, and the transform applicator that
// resamples volumes into the reference frame.
package registration

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// crossCorrelate computes the circular cross-correlation of two equally
// shaped real arrays via the FFT and returns the sub-sample shift of b
// relative to a, one component per axis: b(x) ~= a(x - shift).
//
// A degenerate pair (flat input, non-finite correlation, or no discernible
// peak) yields a zero shift with ok=false; callers treat that as "no
// correction" rather than an error, since a zero shift cannot corrupt the
// additive composition of later passes.
func crossCorrelate(a, b []float64, shape []int) (shift []float64, ok bool) {
	shift = make([]float64, len(shape))
	n := 1
	for _, s := range shape {
		n *= s
	}
	if n == 0 || len(a) != n || len(b) != n {
		return shift, false
	}

	// Flat volumes have no correlation structure at all.
	if stat.Variance(a, nil) < 1e-12 || stat.Variance(b, nil) < 1e-12 {
		return shift, false
	}

	// Demean both inputs so the correlation surface is free of the DC
	// baseline and its peak reflects structure alone.
	fa := toComplexDemeaned(a)
	fb := toComplexDemeaned(b)
	fftND(fa, shape, false)
	fftND(fb, shape, false)

	// Correlation surface: IFFT(FFT(a) * conj(FFT(b))). The inverse is
	// left unnormalized; only the peak location matters.
	for i := range fa {
		fa[i] *= cmplxConj(fb[i])
	}
	fftND(fa, shape, true)

	surface := make([]float64, n)
	for i := range fa {
		surface[i] = real(fa[i])
	}

	peakIdx, peakVal := argmax(surface)
	if math.IsNaN(peakVal) || math.IsInf(peakVal, 0) || peakVal <= 0 {
		return shift, false
	}

	// Unwrap the peak coordinate on each axis and refine it with a
	// parabolic fit through the two circular neighbors.
	coords := unflatten(peakIdx, shape)
	for d, size := range shape {
		lag := float64(coords[d])
		lag += parabolicOffset(surface, shape, coords, d)
		if lag > float64(size)/2 {
			lag -= float64(size)
		}
		// The peak sits at the negated displacement of b.
		shift[d] = -lag
	}
	return shift, true
}

// fftND runs an in-place complex FFT over every axis of a row-major N-d
// array. The inverse transform is unnormalized.
func fftND(data []complex128, shape []int, inverse bool) {
	n := len(shape)
	strides := make([]int, n)
	acc := 1
	for d := n - 1; d >= 0; d-- {
		strides[d] = acc
		acc *= shape[d]
	}

	for d := 0; d < n; d++ {
		size := shape[d]
		if size < 2 {
			continue
		}
		fft := fourier.NewCmplxFFT(size)
		line := make([]complex128, size)
		out := make([]complex128, size)

		// Walk every 1D line along axis d.
		lineCount := len(data) / size
		idx := make([]int, n)
		for line0 := 0; line0 < lineCount; line0++ {
			base := 0
			for dd := 0; dd < n; dd++ {
				base += idx[dd] * strides[dd]
			}
			for i := 0; i < size; i++ {
				line[i] = data[base+i*strides[d]]
			}
			if inverse {
				out = fft.Sequence(out, line)
			} else {
				out = fft.Coefficients(out, line)
			}
			for i := 0; i < size; i++ {
				data[base+i*strides[d]] = out[i]
			}

			// Advance the odometer over all axes except d.
			for dd := n - 1; dd >= 0; dd-- {
				if dd == d {
					continue
				}
				idx[dd]++
				if idx[dd] < shape[dd] {
					break
				}
				idx[dd] = 0
			}
		}
	}
}

// parabolicOffset fits a parabola through the correlation peak and its two
// circular neighbors along axis d, returning the sub-sample refinement in
// (-1, 1).
func parabolicOffset(surface []float64, shape, peak []int, d int) float64 {
	size := shape[d]
	if size < 3 {
		return 0
	}

	at := func(offset int) float64 {
		coords := make([]int, len(peak))
		copy(coords, peak)
		coords[d] = ((peak[d]+offset)%size + size) % size
		return surface[flatten(coords, shape)]
	}

	cm1, c0, cp1 := at(-1), at(0), at(1)
	denom := cm1 - 2*c0 + cp1
	if denom == 0 {
		return 0
	}
	offset := 0.5 * (cm1 - cp1) / denom
	if offset <= -1 || offset >= 1 || math.IsNaN(offset) {
		return 0
	}
	return offset
}

func toComplexDemeaned(data []float64) []complex128 {
	mean := stat.Mean(data, nil)
	out := make([]complex128, len(data))
	for i, v := range data {
		out[i] = complex(v-mean, 0)
	}
	return out
}

func cmplxConj(c complex128) complex128 {
	return complex(real(c), -imag(c))
}

func argmax(data []float64) (int, float64) {
	best, bestVal := 0, math.Inf(-1)
	for i, v := range data {
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	return best, bestVal
}

func flatten(coords, shape []int) int {
	idx := 0
	for d := range shape {
		idx = idx*shape[d] + coords[d]
	}
	return idx
}

func unflatten(idx int, shape []int) []int {
	coords := make([]int, len(shape))
	for d := len(shape) - 1; d >= 0; d-- {
		coords[d] = idx % shape[d]
		idx /= shape[d]
	}
	return coords
}
