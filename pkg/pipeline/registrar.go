package pipeline

import (
	"fmt"

	"github.com/mabbasi6/merfish3d-analysis/internal/models"
	"github.com/mabbasi6/merfish3d-analysis/pkg/config"
	"github.com/mabbasi6/merfish3d-analysis/pkg/dataset"
	"github.com/mabbasi6/merfish3d-analysis/pkg/registration"
	"github.com/mabbasi6/merfish3d-analysis/pkg/restoration"
	"github.com/mabbasi6/merfish3d-analysis/pkg/volume"
	"github.com/mabbasi6/merfish3d-analysis/pkg/zarr"
)

// Params holds the registration parameters for one tile.
type Params struct {
	// Tile is the tile index to process.
	Tile int

	// DownsampleFactor is the working resolution of all correlation
	// passes and of the persisted displacement fields.
	DownsampleFactor int

	// OpticalFlow enables dense displacement-field refinement on top of
	// the rigid translation.
	OpticalFlow bool

	// FlowOptions configures the dense estimator.
	FlowOptions registration.FlowOptions

	// DeconIterations and DeconRegularization configure the
	// Richardson-Lucy deconvolution of every volume.
	DeconIterations     int
	DeconRegularization float64

	// NumericalAperture and DoGSigmaRatio derive the band-pass filter
	// scales from each bit's emission wavelength.
	NumericalAperture float64
	DoGSigmaRatio     float64

	// Overwrite recomputes artifacts that already exist in the store
	// instead of skipping them.
	Overwrite bool

	// Verbose enables staged progress output.
	Verbose bool
}

// ParamsFromConfig maps the YAML configuration onto registration
// parameters for one tile.
func ParamsFromConfig(cfg *config.Config, tile int) *Params {
	return &Params{
		Tile:             tile,
		DownsampleFactor: cfg.Registration.DownsampleFactor,
		OpticalFlow:      cfg.Registration.OpticalFlow,
		FlowOptions: registration.FlowOptions{
			BlockSize:    cfg.Registration.FlowBlockSize,
			SearchRadius: cfg.Registration.FlowSearchRadius,
			Stride:       cfg.Registration.FlowStride,
		},
		DeconIterations:     cfg.Restoration.DeconIterations,
		DeconRegularization: cfg.Restoration.DeconRegularization,
		NumericalAperture:   cfg.Restoration.NumericalAperture,
		DoGSigmaRatio:       cfg.Restoration.DoGSigmaRatio,
		Overwrite:           cfg.Processing.Overwrite,
		Verbose:             cfg.Output.Verbose,
	}
}

// Registrar drives registration of one tile: deconvolution of every round,
// rigid (and optionally dense) alignment of later rounds onto round 0, and
// persistence of the transforms and registered volumes.
type Registrar struct {
	params *Params
	index  *dataset.Index
	cache  *TransformCache

	// voxel is the tile's voxel size in micrometers [z y x].
	voxel [3]float64

	// states tracks registration progress per round index.
	states map[int]models.RegState

	// psfs caches calibration PSFs by index.
	psfs map[int]*volume.F32
}

// NewRegistrar creates a registrar for one tile of an indexed dataset.
func NewRegistrar(index *dataset.Index, params *Params) *Registrar {
	if params.DownsampleFactor <= 0 {
		params.DownsampleFactor = registration.DefaultDownsampleFactor
	}
	if params.DeconIterations <= 0 {
		params.DeconIterations = restoration.DeconIterations
	}
	if params.DeconRegularization <= 0 {
		params.DeconRegularization = restoration.DeconRegularization
	}
	if params.NumericalAperture <= 0 {
		params.NumericalAperture = 1.35
	}
	if params.DoGSigmaRatio <= 1 {
		params.DoGSigmaRatio = 1.6
	}
	return &Registrar{
		params: params,
		index:  index,
		cache:  NewTransformCache(index, params.Tile, params.DownsampleFactor),
		states: make(map[int]models.RegState),
		psfs:   make(map[int]*volume.F32),
	}
}

// State returns the registration progress of a round.
func (r *Registrar) State(round int) models.RegState {
	return r.states[round]
}

// Cache returns the transform cache of the registrar's tile.
func (r *Registrar) Cache() *TransformCache {
	return r.cache
}

// ensureVoxel loads the tile's voxel size once.
func (r *Registrar) ensureVoxel() error {
	if r.voxel != [3]float64{} {
		return nil
	}
	voxel, err := r.index.VoxelSize(r.params.Tile)
	if err != nil {
		return err
	}
	r.voxel = voxel
	return nil
}

// RegisterRounds runs the full round-registration pipeline for the tile.
func (r *Registrar) RegisterRounds() error {
	rounds, err := r.index.Rounds(r.params.Tile)
	if err != nil {
		return err
	}
	if err := r.ensureVoxel(); err != nil {
		return err
	}
	for _, round := range rounds {
		r.states[round.Index] = models.Unregistered
	}

	r.logf("Step 1: Deconvolving reference round...\n")
	refDecon, err := r.deconRound(rounds[0])
	if err != nil {
		return err
	}
	refFloat := refDecon.ToF32()

	// The reference round is its own registered output and carries no
	// transform attributes.
	refGroup, err := r.index.RoundGroup(r.params.Tile, rounds[0].Index)
	if err != nil {
		return err
	}
	if err := r.persistU16(refGroup, dataset.ArrayRegistered, refDecon); err != nil {
		return err
	}
	refDecon.Release()
	r.states[rounds[0].Index] = models.Persisted

	for _, round := range rounds[1:] {
		if round.State == models.Persisted && !r.params.Overwrite {
			r.logf("Round %d: already registered, skipping\n", round.Index)
			r.states[round.Index] = models.Persisted
			continue
		}
		if err := r.registerRound(round, refFloat); err != nil {
			return fmt.Errorf("tile %d round %d: %w", r.params.Tile, round.Index, err)
		}
	}

	refFloat.Release()
	r.cache.Invalidate()
	return nil
}

// registerRound aligns one round onto the reference and persists every
// artifact.
func (r *Registrar) registerRound(round models.RoundInfo, refFloat *volume.F32) error {
	g, err := r.index.RoundGroup(r.params.Tile, round.Index)
	if err != nil {
		return err
	}

	r.logf("Step 2: Deconvolving round %d...\n", round.Index)
	decon, err := r.deconRound(round)
	if err != nil {
		return err
	}
	movFloat := decon.ToF32()
	decon.Release()

	r.logf("Step 3: Estimating rigid shift for round %d...\n", round.Index)
	rigid, err := registration.EstimateRigid(refFloat, movFloat, registration.RigidOptions{
		DownsampleFactor: r.params.DownsampleFactor,
	})
	if err != nil {
		return err
	}
	shift := rigid.TotalShiftUm
	// Persisted in [x y z] order per the attribute name.
	if err := g.SetAttr(dataset.AttrRigidShift, []float64{shift[2], shift[1], shift[0]}); err != nil {
		return err
	}
	r.states[round.Index] = models.RigidKnown
	r.logf("Round %d rigid shift [z y x]: %.3f %.3f %.3f um\n", round.Index, shift[0], shift[1], shift[2])

	aligned := registration.ApplyTranslation(movFloat, shift)
	movFloat.Release()

	if r.params.OpticalFlow {
		r.logf("Step 4: Estimating dense displacement field for round %d...\n", round.Index)
		refDs := volume.Downsample(refFloat, r.params.DownsampleFactor)
		movDs := volume.Downsample(aligned, r.params.DownsampleFactor)
		field, err := registration.EstimateFlow(refDs, movDs, r.params.FlowOptions)
		refDs.Release()
		movDs.Release()
		if err != nil {
			return err
		}

		fg := field.Grid()
		if err := g.WriteArrayF32(dataset.ArrayField, field.Flatten(), field.Shape(),
			[]int{1, 1, fg.NY, fg.NX}); err != nil {
			return err
		}
		r.states[round.Index] = models.DenseKnown

		full := field.Upsample(aligned.Grid)
		field.Release()
		warped, err := registration.ApplyField(aligned, full)
		full.Release()
		if err != nil {
			return err
		}
		aligned.Release()
		aligned = warped
	}

	r.logf("Step 5: Persisting registered round %d...\n", round.Index)
	registered := aligned.ToU16()
	aligned.Release()
	if err := r.persistU16(g, dataset.ArrayRegistered, registered); err != nil {
		return err
	}
	registered.Release()
	r.states[round.Index] = models.Persisted
	return nil
}

// deconRound returns the deconvolved volume of a round, reusing a persisted
// result when allowed and writing a fresh one otherwise.
func (r *Registrar) deconRound(round models.RoundInfo) (*volume.U16, error) {
	g, err := r.index.RoundGroup(r.params.Tile, round.Index)
	if err != nil {
		return nil, err
	}
	return r.deconVolume(g, round.PSFIndex)
}

// deconVolume deconvolves the raw array of a store node with the PSF of the
// given calibration index and persists the result as decon_data.
func (r *Registrar) deconVolume(g *zarr.Group, psfIdx int) (*volume.U16, error) {
	if g.HasArray(dataset.ArrayDecon) && !r.params.Overwrite {
		return r.readU16(g, dataset.ArrayDecon)
	}

	raw, err := r.readU16(g, dataset.ArrayRaw)
	if err != nil {
		return nil, err
	}
	psf, err := r.psf(psfIdx)
	if err != nil {
		return nil, err
	}
	decon, err := restoration.Deconvolve(raw, psf, r.params.DeconIterations, r.params.DeconRegularization)
	raw.Release()
	if err != nil {
		return nil, err
	}
	if err := r.persistU16(g, dataset.ArrayDecon, decon); err != nil {
		return nil, err
	}
	return decon, nil
}

// psf returns a calibration PSF, loading it from the store on first use.
func (r *Registrar) psf(idx int) (*volume.F32, error) {
	if psf, ok := r.psfs[idx]; ok {
		return psf, nil
	}
	psf, err := r.index.PSF(idx)
	if err != nil {
		return nil, err
	}
	r.psfs[idx] = psf
	return psf, nil
}

// readU16 loads a 3D uint16 array as a volume on the tile's grid.
func (r *Registrar) readU16(g *zarr.Group, name string) (*volume.U16, error) {
	data, shape, err := g.ReadArrayU16(name)
	if err != nil {
		return nil, err
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("array %s must be 3D, got shape %v", name, shape)
	}
	grid := volume.Grid{NZ: shape[0], NY: shape[1], NX: shape[2], VoxelZYX: r.voxel}
	return &volume.U16{Grid: grid, Data: data}, nil
}

// persistU16 writes a volume with one Z slice per chunk.
func (r *Registrar) persistU16(g *zarr.Group, name string, v *volume.U16) error {
	return g.WriteArrayU16(name, v.Data, []int{v.NZ, v.NY, v.NX}, []int{1, v.NY, v.NX})
}

// persistF32 writes a float volume with one Z slice per chunk.
func (r *Registrar) persistF32(g *zarr.Group, name string, v *volume.F32) error {
	return g.WriteArrayF32(name, v.Data, []int{v.NZ, v.NY, v.NX}, []int{1, v.NY, v.NX})
}

func (r *Registrar) logf(format string, args ...interface{}) {
	if r.params.Verbose {
		fmt.Printf(format, args...)
	}
}
