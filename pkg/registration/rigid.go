package registration

import (
	"fmt"

	"github.com/mabbasi6/merfish3d-analysis/pkg/volume"
)

// DefaultDownsampleFactor is the working resolution of the estimators: all
// correlation passes run on volumes mean-pooled by this factor.
const DefaultDownsampleFactor = 4

// RigidOptions configures the rigid estimator.
type RigidOptions struct {
	// DownsampleFactor reduces both volumes before every correlation
	// pass. Zero selects DefaultDownsampleFactor.
	DownsampleFactor int
}

// RigidResult reports the outcome of the three-pass rigid estimation. All
// shifts are micrometers in [z y x] order: the per-pass partial shifts and
// their sum, which is the value persisted as the round's rigid transform.
type RigidResult struct {
	// XYShiftUm is the in-plane shift from the projection pass.
	XYShiftUm [3]float64

	// ZShiftUm is the depth shift from the axial-profile pass.
	ZShiftUm [3]float64

	// ResidualShiftUm is the joint correction from the full 3D pass.
	ResidualShiftUm [3]float64

	// TotalShiftUm is the additive composition of the three passes.
	TotalShiftUm [3]float64

	// XYFound, ZFound and ResidualFound report whether each pass located
	// a usable correlation peak. A failed pass contributes a zero shift.
	XYFound, ZFound, ResidualFound bool
}

// EstimateRigid estimates the translation aligning a moving volume onto a
// reference volume of identical geometry. The search is decomposed into
// three passes, each correlating freshly downsampled volumes:
//
//  1. XY: max-intensity projections along depth, 2D cross-correlation.
//  2. Z: mean axial profiles, 1D cross-correlation.
//  3. Full 3D cross-correlation for the residual joint error.
//
// The in-plane and depth searches are decoupled deliberately: joint search
// along the poorly conditioned depth axis of noisy anisotropic stacks is
// dominated by the lateral signal, and the final 3D pass corrects whatever
// residual the decoupling leaves. The moving volume is shifted between
// passes so each pass sees the partially aligned state; the total shift is
// the sum of the three partials.
func EstimateRigid(ref, mov *volume.F32, opts RigidOptions) (RigidResult, error) {
	var res RigidResult
	if ref == nil || ref.Data == nil || mov == nil || mov.Data == nil {
		return res, fmt.Errorf("rigid estimation requires loaded reference and moving volumes")
	}
	if ref.NZ != mov.NZ || ref.NY != mov.NY || ref.NX != mov.NX {
		return res, fmt.Errorf("volume geometry mismatch: reference %dx%dx%d, moving %dx%dx%d",
			ref.NZ, ref.NY, ref.NX, mov.NZ, mov.NY, mov.NX)
	}

	factor := opts.DownsampleFactor
	if factor <= 0 {
		factor = DefaultDownsampleFactor
	}

	refDs := volume.Downsample(ref, factor)
	defer refDs.Release()
	voxel := refDs.VoxelZYX

	// Pass 1: in-plane shift from depth projections.
	movDs := volume.Downsample(mov, factor)
	shiftXY, okXY := crossCorrelate(refDs.MaxProjectZ(), movDs.MaxProjectZ(), []int{refDs.NY, refDs.NX})
	movDs.Release()
	if okXY {
		res.XYShiftUm = [3]float64{0, shiftXY[0] * voxel[1], shiftXY[1] * voxel[2]}
		res.XYFound = true
	}
	work := ApplyTranslation(mov, res.XYShiftUm)

	// Pass 2: depth shift from axial profiles.
	movDs = volume.Downsample(work, factor)
	shiftZ, okZ := crossCorrelate(refDs.MeanProfileZ(), movDs.MeanProfileZ(), []int{refDs.NZ})
	movDs.Release()
	if okZ {
		res.ZShiftUm = [3]float64{shiftZ[0] * voxel[0], 0, 0}
		res.ZFound = true
	}
	aligned := ApplyTranslation(work, res.ZShiftUm)
	work.Release()

	// Pass 3: full 3D residual on the coarsely aligned pair.
	movDs = volume.Downsample(aligned, factor)
	aligned.Release()
	shape := []int{refDs.NZ, refDs.NY, refDs.NX}
	shift3D, ok3D := crossCorrelate(toFloat64(refDs), toFloat64(movDs), shape)
	movDs.Release()
	if ok3D {
		res.ResidualShiftUm = [3]float64{
			shift3D[0] * voxel[0],
			shift3D[1] * voxel[1],
			shift3D[2] * voxel[2],
		}
		res.ResidualFound = true
	}

	for d := 0; d < 3; d++ {
		res.TotalShiftUm[d] = res.XYShiftUm[d] + res.ZShiftUm[d] + res.ResidualShiftUm[d]
	}
	return res, nil
}

func toFloat64(v *volume.F32) []float64 {
	out := make([]float64, len(v.Data))
	for i, s := range v.Data {
		out[i] = float64(s)
	}
	return out
}
