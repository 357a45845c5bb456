package registration

import (
	"fmt"

	"github.com/mabbasi6/merfish3d-analysis/pkg/volume"
)

// ApplyTranslation resamples a moving volume into the reference grid under a
// rigid shift given in micrometers [z y x]. The shift is the displacement of
// the moving volume relative to the reference (mov(x) ~= ref(x - shift)), so
// the aligned output is out(x) = mov(x + shift). Samples falling outside the
// moving volume are zero-filled.
func ApplyTranslation(mov *volume.F32, shiftUm [3]float64) *volume.F32 {
	dz := shiftUm[0] / mov.VoxelZYX[0]
	dy := shiftUm[1] / mov.VoxelZYX[1]
	dx := shiftUm[2] / mov.VoxelZYX[2]

	out := volume.NewF32(mov.Grid)
	for z := 0; z < out.NZ; z++ {
		for y := 0; y < out.NY; y++ {
			for x := 0; x < out.NX; x++ {
				out.Data[out.Index(z, y, x)] = float32(
					mov.TrilinearAt(float64(z)+dz, float64(y)+dy, float64(x)+dx))
			}
		}
	}
	return out
}

// Field is a dense displacement field: one micrometer-valued channel per
// axis, all sampled on a common (typically downsampled) grid. Fields are
// persisted at the resolution they were estimated at and upsampled only for
// application.
type Field struct {
	Z, Y, X *volume.F32
}

// NewField allocates a zero displacement field on the given grid.
func NewField(g volume.Grid) *Field {
	return &Field{Z: volume.NewF32(g), Y: volume.NewF32(g), X: volume.NewF32(g)}
}

// Grid returns the sampling grid of the field channels.
func (f *Field) Grid() volume.Grid {
	return f.Z.Grid
}

// Shape returns the storage shape (3, Z, Y, X) used for persistence.
func (f *Field) Shape() []int {
	g := f.Grid()
	return []int{3, g.NZ, g.NY, g.NX}
}

// Flatten packs the three channels into a single (3, Z, Y, X) array in
// channel-major order, matching the of_xform storage layout.
func (f *Field) Flatten() []float32 {
	n := f.Grid().Len()
	out := make([]float32, 3*n)
	copy(out[0*n:], f.Z.Data)
	copy(out[1*n:], f.Y.Data)
	copy(out[2*n:], f.X.Data)
	return out
}

// FieldFromData rebuilds a field from its persisted (3, Z, Y, X) array. The
// voxel size describes the grid the field was estimated on.
func FieldFromData(data []float32, shape []int, voxelZYX [3]float64) (*Field, error) {
	if len(shape) != 4 || shape[0] != 3 {
		return nil, fmt.Errorf("displacement field must have shape (3, Z, Y, X), got %v", shape)
	}
	g := volume.Grid{NZ: shape[1], NY: shape[2], NX: shape[3], VoxelZYX: voxelZYX}
	n := g.Len()
	if len(data) != 3*n {
		return nil, fmt.Errorf("displacement field has %d elements, expected %d", len(data), 3*n)
	}

	field := NewField(g)
	copy(field.Z.Data, data[0*n:1*n])
	copy(field.Y.Data, data[1*n:2*n])
	copy(field.X.Data, data[2*n:3*n])
	return field, nil
}

// Release drops all three channel buffers.
func (f *Field) Release() {
	f.Z.Release()
	f.Y.Release()
	f.X.Release()
}

// Upsample resamples the field channels onto a full-resolution grid with
// trilinear interpolation. Displacement values are in physical units, so
// only sample positions are interpolated; values are never rescaled.
func (f *Field) Upsample(target volume.Grid) *Field {
	return &Field{
		Z: resampleToGrid(f.Z, target),
		Y: resampleToGrid(f.Y, target),
		X: resampleToGrid(f.X, target),
	}
}

// ApplyField warps a moving volume by a per-voxel displacement field that
// must already be sampled on the moving volume's grid. Displacements are in
// micrometers; voxels displaced outside the field's support are zero-filled
// by the trilinear sampler.
func ApplyField(mov *volume.F32, field *Field) (*volume.F32, error) {
	g := field.Grid()
	if g.NZ != mov.NZ || g.NY != mov.NY || g.NX != mov.NX {
		return nil, fmt.Errorf("displacement field grid %dx%dx%d does not match volume %dx%dx%d; upsample the field first",
			g.NZ, g.NY, g.NX, mov.NZ, mov.NY, mov.NX)
	}

	out := volume.NewF32(mov.Grid)
	for z := 0; z < out.NZ; z++ {
		for y := 0; y < out.NY; y++ {
			for x := 0; x < out.NX; x++ {
				idx := out.Index(z, y, x)
				sz := float64(z) + float64(field.Z.Data[idx])/mov.VoxelZYX[0]
				sy := float64(y) + float64(field.Y.Data[idx])/mov.VoxelZYX[1]
				sx := float64(x) + float64(field.X.Data[idx])/mov.VoxelZYX[2]
				out.Data[idx] = float32(mov.TrilinearAt(sz, sy, sx))
			}
		}
	}
	return out, nil
}

// resampleToGrid maps a volume onto a target grid by relative position:
// voxel centers of the target are projected into the source's index space
// and sampled trilinearly.
func resampleToGrid(src *volume.F32, target volume.Grid) *volume.F32 {
	out := volume.NewF32(target)
	scaleZ := float64(src.NZ) / float64(target.NZ)
	scaleY := float64(src.NY) / float64(target.NY)
	scaleX := float64(src.NX) / float64(target.NX)

	for z := 0; z < target.NZ; z++ {
		sz := (float64(z)+0.5)*scaleZ - 0.5
		for y := 0; y < target.NY; y++ {
			sy := (float64(y)+0.5)*scaleY - 0.5
			for x := 0; x < target.NX; x++ {
				sx := (float64(x)+0.5)*scaleX - 0.5
				out.Data[out.Index(z, y, x)] = float32(src.TrilinearAt(clampSample(sz, src.NZ), clampSample(sy, src.NY), clampSample(sx, src.NX)))
			}
		}
	}
	return out
}

// clampSample keeps resample positions inside the source support so border
// voxels extend rather than fading to the zero fill.
func clampSample(pos float64, size int) float64 {
	if pos < 0 {
		return 0
	}
	if max := float64(size - 1); pos > max {
		return max
	}
	return pos
}
