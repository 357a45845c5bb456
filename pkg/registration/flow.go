package registration

import (
	"fmt"
	"math"
	"sync"

	"github.com/mabbasi6/merfish3d-analysis/pkg/volume"
)

// FlowOptions configures the dense displacement-field estimator.
type FlowOptions struct {
	// BlockSize is the matching window extent in voxels per axis.
	BlockSize int

	// SearchRadius is the maximum integer displacement searched per axis.
	SearchRadius int

	// Stride is the spacing between block origins. Smaller strides give a
	// denser coarse field at quadratic cost.
	Stride int
}

// DefaultFlowOptions returns the block-matching parameters used by the
// pipeline at the standard working resolution.
func DefaultFlowOptions() FlowOptions {
	return FlowOptions{BlockSize: 8, SearchRadius: 4, Stride: 4}
}

// EstimateFlow computes a dense per-voxel displacement field between a
// reference volume and a rigidly pre-aligned moving volume, both already at
// the reduced working resolution. Each block of the reference is matched
// against displaced blocks of the moving volume by normalized correlation;
// the per-block displacements are then interpolated onto the input grid.
//
// The field is valid only as a residual correction on top of the rigid
// pre-alignment it was estimated against, and is returned at the input
// resolution: callers must upsample it before applying it to a
// full-resolution volume. Displacement values are micrometers in [z y x].
func EstimateFlow(ref, mov *volume.F32, opts FlowOptions) (*Field, error) {
	if ref == nil || ref.Data == nil || mov == nil || mov.Data == nil {
		return nil, fmt.Errorf("flow estimation requires loaded reference and moving volumes")
	}
	if ref.NZ != mov.NZ || ref.NY != mov.NY || ref.NX != mov.NX {
		return nil, fmt.Errorf("volume geometry mismatch: reference %dx%dx%d, moving %dx%dx%d",
			ref.NZ, ref.NY, ref.NX, mov.NZ, mov.NY, mov.NX)
	}

	if opts.BlockSize <= 0 || opts.Stride <= 0 {
		opts = DefaultFlowOptions()
	}

	// Coarse grid of block origins.
	nbz := blockCount(ref.NZ, opts.BlockSize, opts.Stride)
	nby := blockCount(ref.NY, opts.BlockSize, opts.Stride)
	nbx := blockCount(ref.NX, opts.BlockSize, opts.Stride)

	coarse := volume.Grid{NZ: nbz, NY: nby, NX: nbx, VoxelZYX: ref.VoxelZYX}
	blockField := NewField(coarse)

	// Blocks are independent; match one z-row of blocks per worker, the
	// same fan-out/collect pattern used for sub-volume processing.
	var wg sync.WaitGroup
	for bz := 0; bz < nbz; bz++ {
		wg.Add(1)
		go func(bz int) {
			defer wg.Done()
			oz := blockOrigin(bz, opts.Stride, opts.BlockSize, ref.NZ)
			for by := 0; by < nby; by++ {
				oy := blockOrigin(by, opts.Stride, opts.BlockSize, ref.NY)
				for bx := 0; bx < nbx; bx++ {
					ox := blockOrigin(bx, opts.Stride, opts.BlockSize, ref.NX)
					dz, dy, dx := matchBlock(ref, mov, oz, oy, ox, opts.BlockSize, opts.SearchRadius)
					idx := blockField.Z.Index(bz, by, bx)
					blockField.Z.Data[idx] = float32(float64(dz) * ref.VoxelZYX[0])
					blockField.Y.Data[idx] = float32(float64(dy) * ref.VoxelZYX[1])
					blockField.X.Data[idx] = float32(float64(dx) * ref.VoxelZYX[2])
				}
			}
		}(bz)
	}
	wg.Wait()

	// Interpolate block displacements onto the full (working-resolution)
	// voxel grid.
	field := blockField.Upsample(ref.Grid)
	blockField.Release()
	return field, nil
}

// matchBlock finds the integer displacement of the moving volume that best
// matches the reference block at the given origin, by zero-normalized
// correlation. A block without contrast reports zero displacement.
func matchBlock(ref, mov *volume.F32, oz, oy, ox, size, radius int) (int, int, int) {
	refBlock := extractBlock(ref, oz, oy, ox, size)
	refMean, refNorm := blockStats(refBlock)
	if refNorm < 1e-9 {
		return 0, 0, 0
	}

	bestScore := math.Inf(-1)
	bestZ, bestY, bestX := 0, 0, 0
	movBlock := make([]float64, len(refBlock))

	for dz := -radius; dz <= radius; dz++ {
		for dy := -radius; dy <= radius; dy++ {
			for dx := -radius; dx <= radius; dx++ {
				extractBlockInto(movBlock, mov, oz+dz, oy+dy, ox+dx, size)
				movMean, movNorm := blockStats(movBlock)
				if movNorm < 1e-9 {
					continue
				}
				dot := 0.0
				for i := range refBlock {
					dot += (refBlock[i] - refMean) * (movBlock[i] - movMean)
				}
				score := dot / (refNorm * movNorm)
				if score > bestScore {
					bestScore = score
					bestZ, bestY, bestX = dz, dy, dx
				}
			}
		}
	}
	if math.IsInf(bestScore, -1) {
		return 0, 0, 0
	}
	return bestZ, bestY, bestX
}

func extractBlock(v *volume.F32, oz, oy, ox, size int) []float64 {
	block := make([]float64, size*size*size)
	extractBlockInto(block, v, oz, oy, ox, size)
	return block
}

func extractBlockInto(dst []float64, v *volume.F32, oz, oy, ox, size int) {
	i := 0
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dst[i] = v.At(oz+z, oy+y, ox+x)
				i++
			}
		}
	}
}

// blockStats returns the mean and the centered L2 norm of a block.
func blockStats(block []float64) (float64, float64) {
	mean := 0.0
	for _, v := range block {
		mean += v
	}
	mean /= float64(len(block))

	norm := 0.0
	for _, v := range block {
		d := v - mean
		norm += d * d
	}
	return mean, math.Sqrt(norm)
}

// blockCount returns how many block origins fit along an axis.
func blockCount(extent, size, stride int) int {
	if extent <= size {
		return 1
	}
	return (extent-size)/stride + 1
}

// blockOrigin returns the clamped origin of block i along an axis.
func blockOrigin(i, stride, size, extent int) int {
	origin := i * stride
	if origin+size > extent {
		origin = extent - size
	}
	if origin < 0 {
		origin = 0
	}
	return origin
}
