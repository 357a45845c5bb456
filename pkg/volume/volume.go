// Package volume provides the 3D volume types shared by the registration
// pipeline. Volumes are stored as flat row-major arrays in ZYX order with
// explicit dimensions, matching the on-disk layout of the microscope data.
//
// Raw acquisitions are unsigned 16-bit; all geometric processing happens on
// float32 working copies. Volumes routinely reach several gigabytes, so every
// type carries an explicit Release method and callers are expected to scope
// each volume's lifetime to the narrowest span that uses it.
package volume

import (
	"fmt"
	"math"
)

// Grid describes the sampling geometry of a volume: voxel counts along each
// axis and the physical voxel size in micrometers. Axis order is ZYX
// throughout, matching the voxel_zyx_um attribute of the dataset format.
type Grid struct {
	// NZ, NY, NX are the voxel counts along the z (depth), y and x axes.
	NZ, NY, NX int

	// VoxelZYX is the physical extent of one voxel in micrometers,
	// ordered [z y x]. Microscope stacks are typically anisotropic with
	// a coarser z step than xy pixel size.
	VoxelZYX [3]float64
}

// Len returns the number of voxels in the grid.
func (g Grid) Len() int {
	return g.NZ * g.NY * g.NX
}

// Index converts ZYX voxel coordinates into a flat row-major index.
func (g Grid) Index(z, y, x int) int {
	return (z*g.NY+y)*g.NX + x
}

// Contains reports whether the given voxel coordinates fall inside the grid.
func (g Grid) Contains(z, y, x int) bool {
	return z >= 0 && z < g.NZ && y >= 0 && y < g.NY && x >= 0 && x < g.NX
}

// Downsampled returns the grid geometry after mean-pooling by factor:
// voxel counts shrink, physical voxel size grows by the same factor.
func (g Grid) Downsampled(factor int) Grid {
	return Grid{
		NZ: (g.NZ + factor - 1) / factor,
		NY: (g.NY + factor - 1) / factor,
		NX: (g.NX + factor - 1) / factor,
		VoxelZYX: [3]float64{
			g.VoxelZYX[0] * float64(factor),
			g.VoxelZYX[1] * float64(factor),
			g.VoxelZYX[2] * float64(factor),
		},
	}
}

// U16 is an unsigned 16-bit intensity volume, the storage type of raw and
// deconvolved acquisitions.
type U16 struct {
	Grid
	Data []uint16
}

// F32 is a float32 working volume used for registration math, enhancement
// output and displacement-field channels.
type F32 struct {
	Grid
	Data []float32
}

// NewU16 allocates a zeroed uint16 volume on the given grid.
func NewU16(g Grid) *U16 {
	return &U16{Grid: g, Data: make([]uint16, g.Len())}
}

// NewF32 allocates a zeroed float32 volume on the given grid.
func NewF32(g Grid) *F32 {
	return &F32{Grid: g, Data: make([]float32, g.Len())}
}

// Release drops the voxel buffer so it can be reclaimed immediately.
// The volume must not be used afterwards.
func (v *U16) Release() { v.Data = nil }

// Release drops the voxel buffer so it can be reclaimed immediately.
// The volume must not be used afterwards.
func (v *F32) Release() { v.Data = nil }

// ToF32 returns a float32 working copy of the volume.
func (v *U16) ToF32() *F32 {
	out := &F32{Grid: v.Grid, Data: make([]float32, len(v.Data))}
	for i, s := range v.Data {
		out.Data[i] = float32(s)
	}
	return out
}

// ToU16 converts the volume back to uint16 storage, clamping to [0, 65535]
// and rounding to nearest.
func (v *F32) ToU16() *U16 {
	out := &U16{Grid: v.Grid, Data: make([]uint16, len(v.Data))}
	for i, s := range v.Data {
		f := math.Round(float64(s))
		if f < 0 {
			f = 0
		} else if f > 65535 {
			f = 65535
		}
		out.Data[i] = uint16(f)
	}
	return out
}

// Clone returns a deep copy of the volume.
func (v *F32) Clone() *F32 {
	out := &F32{Grid: v.Grid, Data: make([]float32, len(v.Data))}
	copy(out.Data, v.Data)
	return out
}

// At returns the voxel value at integer ZYX coordinates, or 0 outside the
// grid. The zero fill keeps resampling loops free of bounds branching.
func (v *F32) At(z, y, x int) float64 {
	if !v.Contains(z, y, x) {
		return 0
	}
	return float64(v.Data[v.Index(z, y, x)])
}

// TrilinearAt samples the volume at fractional ZYX voxel coordinates using
// trilinear interpolation. Samples outside the grid contribute 0.
func (v *F32) TrilinearAt(z, y, x float64) float64 {
	z0 := math.Floor(z)
	y0 := math.Floor(y)
	x0 := math.Floor(x)
	fz := z - z0
	fy := y - y0
	fx := x - x0
	iz := int(z0)
	iy := int(y0)
	ix := int(x0)

	c000 := v.At(iz, iy, ix)
	c001 := v.At(iz, iy, ix+1)
	c010 := v.At(iz, iy+1, ix)
	c011 := v.At(iz, iy+1, ix+1)
	c100 := v.At(iz+1, iy, ix)
	c101 := v.At(iz+1, iy, ix+1)
	c110 := v.At(iz+1, iy+1, ix)
	c111 := v.At(iz+1, iy+1, ix+1)

	c00 := c000*(1-fx) + c001*fx
	c01 := c010*(1-fx) + c011*fx
	c10 := c100*(1-fx) + c101*fx
	c11 := c110*(1-fx) + c111*fx

	c0 := c00*(1-fy) + c01*fy
	c1 := c10*(1-fy) + c11*fy

	return c0*(1-fz) + c1*fz
}

// MaxProjectZ collapses the volume along the depth axis with a
// max-intensity projection, returning an NY x NX image in row-major order.
func (v *F32) MaxProjectZ() []float64 {
	proj := make([]float64, v.NY*v.NX)
	for z := 0; z < v.NZ; z++ {
		base := z * v.NY * v.NX
		for i := 0; i < v.NY*v.NX; i++ {
			val := float64(v.Data[base+i])
			if val > proj[i] {
				proj[i] = val
			}
		}
	}
	return proj
}

// MeanProfileZ collapses each z-plane to its mean intensity, returning a
// 1D axial profile of length NZ.
func (v *F32) MeanProfileZ() []float64 {
	profile := make([]float64, v.NZ)
	planeSize := v.NY * v.NX
	if planeSize == 0 {
		return profile
	}
	for z := 0; z < v.NZ; z++ {
		sum := 0.0
		base := z * planeSize
		for i := 0; i < planeSize; i++ {
			sum += float64(v.Data[base+i])
		}
		profile[z] = sum / float64(planeSize)
	}
	return profile
}

// Downsample reduces the volume by an integer factor along every axis using
// mean pooling. Partial boundary cells average only the voxels they cover.
func Downsample(v *F32, factor int) *F32 {
	if factor <= 1 {
		return v.Clone()
	}
	out := NewF32(v.Grid.Downsampled(factor))
	for z := 0; z < out.NZ; z++ {
		for y := 0; y < out.NY; y++ {
			for x := 0; x < out.NX; x++ {
				sum := 0.0
				count := 0
				for dz := 0; dz < factor; dz++ {
					sz := z*factor + dz
					if sz >= v.NZ {
						break
					}
					for dy := 0; dy < factor; dy++ {
						sy := y*factor + dy
						if sy >= v.NY {
							break
						}
						for dx := 0; dx < factor; dx++ {
							sx := x*factor + dx
							if sx >= v.NX {
								break
							}
							sum += float64(v.Data[v.Index(sz, sy, sx)])
							count++
						}
					}
				}
				if count > 0 {
					out.Data[out.Index(z, y, x)] = float32(sum / float64(count))
				}
			}
		}
	}
	return out
}

// ExtractSliceZ copies a single XY plane out of the volume.
func (v *F32) ExtractSliceZ(z int) ([]float32, error) {
	if z < 0 || z >= v.NZ {
		return nil, fmt.Errorf("slice position %d exceeds depth %d", z, v.NZ)
	}
	planeSize := v.NY * v.NX
	slice := make([]float32, planeSize)
	copy(slice, v.Data[z*planeSize:(z+1)*planeSize])
	return slice, nil
}
