package pipeline

import (
	"fmt"

	"github.com/mabbasi6/merfish3d-analysis/internal/models"
	"github.com/mabbasi6/merfish3d-analysis/pkg/dataset"
	"github.com/mabbasi6/merfish3d-analysis/pkg/registration"
	"github.com/mabbasi6/merfish3d-analysis/pkg/restoration"
	"github.com/mabbasi6/merfish3d-analysis/pkg/volume"
)

// PropagateBits processes every readout bit of the tile: deconvolution with
// the bit's own PSF, band-pass enhancement, and registration by reuse of
// the owning round's persisted transforms. Bits are never registered
// independently; their rounds must have been registered first.
func (r *Registrar) PropagateBits() error {
	bits, err := r.index.Bits(r.params.Tile)
	if err != nil {
		return err
	}
	if err := r.ensureVoxel(); err != nil {
		return err
	}

	for _, bit := range bits {
		if err := r.propagateBit(bit); err != nil {
			return fmt.Errorf("tile %d bit %d: %w", r.params.Tile, bit.Index, err)
		}
	}
	return nil
}

// propagateBit runs restoration and transform reuse for one bit.
func (r *Registrar) propagateBit(bit models.BitInfo) error {
	g, err := r.index.BitGroup(r.params.Tile, bit.Index)
	if err != nil {
		return err
	}
	if g.HasArray(dataset.ArrayRegistered) && g.HasArray(dataset.ArrayRegisteredDoG) && !r.params.Overwrite {
		r.logf("Bit %d: already registered, skipping\n", bit.Index)
		return nil
	}

	r.logf("Step 1: Deconvolving bit %d (round %d)...\n", bit.Index, bit.Round)
	decon, err := r.deconVolume(g, bit.PSFIndex)
	if err != nil {
		return err
	}

	r.logf("Step 2: Band-pass enhancing bit %d...\n", bit.Index)
	sigmaLow := restoration.SigmaForWavelength(bit.EmissionUm, r.params.NumericalAperture, r.voxel[2])
	dog := restoration.DoGEnhance(decon, sigmaLow, sigmaLow*r.params.DoGSigmaRatio)
	if err := r.persistF32(g, dataset.ArrayDoG, dog); err != nil {
		return err
	}

	// Reference-round bits are persisted unregistered: the registered
	// arrays equal the restoration outputs.
	if bit.Round == 0 {
		r.logf("Step 3: Bit %d belongs to the reference round, persisting as-is\n", bit.Index)
		if err := r.persistU16(g, dataset.ArrayRegistered, decon); err != nil {
			return err
		}
		if err := r.persistF32(g, dataset.ArrayRegisteredDoG, dog); err != nil {
			return err
		}
		decon.Release()
		dog.Release()
		return nil
	}

	r.logf("Step 3: Applying round %d transforms to bit %d...\n", bit.Round, bit.Index)
	shift, err := r.cache.Rigid(bit.Round)
	if err != nil {
		return err
	}

	deconFloat := decon.ToF32()
	decon.Release()
	alignedDecon := registration.ApplyTranslation(deconFloat, shift)
	deconFloat.Release()
	alignedDoG := registration.ApplyTranslation(dog, shift)
	dog.Release()

	if r.params.OpticalFlow {
		field, err := r.cache.UpsampledField(bit.Round, alignedDecon.Grid)
		if err != nil {
			return err
		}
		if field != nil {
			warpedDecon, err := registration.ApplyField(alignedDecon, field)
			if err != nil {
				return err
			}
			alignedDecon.Release()
			alignedDecon = warpedDecon

			warpedDoG, err := registration.ApplyField(alignedDoG, field)
			field.Release()
			if err != nil {
				return err
			}
			alignedDoG.Release()
			alignedDoG = warpedDoG
		}
	}

	r.logf("Step 4: Persisting registered bit %d...\n", bit.Index)
	registered := alignedDecon.ToU16()
	alignedDecon.Release()
	if err := r.persistU16(g, dataset.ArrayRegistered, registered); err != nil {
		return err
	}
	registered.Release()
	if err := r.persistF32(g, dataset.ArrayRegisteredDoG, alignedDoG); err != nil {
		return err
	}
	alignedDoG.Release()
	return nil
}

// LoadRegistered loads the registered volumes of the tile: one per round,
// or, with readouts set, the reference round's deconvolved volume followed
// by the registered volume of every bit.
func (r *Registrar) LoadRegistered(readouts bool) ([]*volume.U16, error) {
	if err := r.ensureVoxel(); err != nil {
		return nil, err
	}

	var volumes []*volume.U16
	if !readouts {
		rounds, err := r.index.Rounds(r.params.Tile)
		if err != nil {
			return nil, err
		}
		for _, round := range rounds {
			g, err := r.index.RoundGroup(r.params.Tile, round.Index)
			if err != nil {
				return nil, err
			}
			v, err := r.readU16(g, dataset.ArrayRegistered)
			if err != nil {
				return nil, fmt.Errorf("round %d: %w", round.Index, err)
			}
			volumes = append(volumes, v)
		}
		return volumes, nil
	}

	refGroup, err := r.index.RoundGroup(r.params.Tile, 0)
	if err != nil {
		return nil, err
	}
	ref, err := r.readU16(refGroup, dataset.ArrayDecon)
	if err != nil {
		return nil, fmt.Errorf("reference round: %w", err)
	}
	volumes = append(volumes, ref)

	bits, err := r.index.Bits(r.params.Tile)
	if err != nil {
		return nil, err
	}
	for _, bit := range bits {
		g, err := r.index.BitGroup(r.params.Tile, bit.Index)
		if err != nil {
			return nil, err
		}
		v, err := r.readU16(g, dataset.ArrayRegistered)
		if err != nil {
			return nil, fmt.Errorf("bit %d: %w", bit.Index, err)
		}
		volumes = append(volumes, v)
	}
	return volumes, nil
}
