// Package dataset indexes an on-disk experiment: the tiles of the stage
// scan, the imaging rounds and readout bits acquired at each tile, and the
// calibration point spread functions shared by all of them. The index only
// reads metadata up front; volume data is loaded on demand through the
// store handles it hands out.
package dataset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mabbasi6/merfish3d-analysis/internal/models"
	"github.com/mabbasi6/merfish3d-analysis/pkg/volume"
	"github.com/mabbasi6/merfish3d-analysis/pkg/zarr"
)

// Store node and attribute names of the dataset format.
const (
	polyDTDir       = "polyDT"
	readoutsDir     = "readouts"
	calibrationsDir = "calibrations.zarr"

	AttrVoxelSize  = "voxel_zyx_um"
	AttrStagePos   = "stage_zyx_um"
	AttrGain       = "gain"
	AttrPSFIndex   = "psf_idx"
	AttrRigidShift = "rigid_xform_xyz_um"
	AttrRound      = "round"
	AttrEmission   = "emission_um"

	ArrayRaw           = "raw_data"
	ArrayDecon         = "decon_data"
	ArrayRegistered    = "registered_decon_data"
	ArrayDoG           = "dog_data"
	ArrayRegisteredDoG = "registered_dog_data"
	ArrayField         = "of_xform_4x"
	ArrayPSF           = "psf_data"
)

// Index is a read-mostly view of one experiment directory.
type Index struct {
	root         *zarr.Group
	polyDT       *zarr.Group
	readouts     *zarr.Group
	calibrations *zarr.Group
	tiles        []models.TileInfo
}

// Open indexes the experiment at root. The polyDT, readouts and
// calibration subtrees must all exist; a dataset missing any of them is
// misconfigured and cannot be processed.
func Open(root string) (*Index, error) {
	rootGroup, err := zarr.OpenGroup(root, false)
	if err != nil {
		return nil, fmt.Errorf("dataset root: %w", err)
	}
	polyDT, err := rootGroup.Child(polyDTDir, false)
	if err != nil {
		return nil, fmt.Errorf("dataset has no reference-channel tree: %w", err)
	}
	readouts, err := rootGroup.Child(readoutsDir, false)
	if err != nil {
		return nil, fmt.Errorf("dataset has no readout tree: %w", err)
	}
	calibrations, err := rootGroup.Child(calibrationsDir, false)
	if err != nil {
		return nil, fmt.Errorf("dataset has no calibrations: %w", err)
	}
	if !calibrations.HasArray(ArrayPSF) {
		return nil, fmt.Errorf("calibrations at %s carry no %s array", calibrations.Path(), ArrayPSF)
	}

	idx := &Index{
		root:         rootGroup,
		polyDT:       polyDT,
		readouts:     readouts,
		calibrations: calibrations,
	}
	if err := idx.discoverTiles(); err != nil {
		return nil, err
	}
	return idx, nil
}

// discoverTiles walks the reference-channel and readout trees and builds
// the tile descriptors.
func (idx *Index) discoverTiles() error {
	tileNames, err := idx.polyDT.Children("tile")
	if err != nil {
		return err
	}
	if len(tileNames) == 0 {
		return fmt.Errorf("dataset at %s contains no tiles", idx.polyDT.Path())
	}

	for _, tileName := range tileNames {
		tileGroup, err := idx.polyDT.Child(tileName, false)
		if err != nil {
			return err
		}
		info := models.TileInfo{Index: nodeNumber(tileName)}

		roundNames, err := tileGroup.Children("round")
		if err != nil {
			return err
		}
		if len(roundNames) == 0 {
			return fmt.Errorf("tile %s has no rounds", tileGroup.Path())
		}
		for _, roundName := range roundNames {
			roundGroup, err := tileGroup.Child(roundName, false)
			if err != nil {
				return err
			}
			round := models.RoundInfo{Index: nodeNumber(roundName)}
			if round.PSFIndex, err = roundGroup.AttrInt(AttrPSFIndex); err != nil {
				return fmt.Errorf("round %s: %w", roundGroup.Path(), err)
			}
			round.State = roundState(roundGroup, round.Index)
			info.Rounds = append(info.Rounds, round)
		}

		// The first round carries the tile's stage position.
		firstRound, err := tileGroup.Child(roundNames[0], false)
		if err != nil {
			return err
		}
		stage, err := firstRound.AttrFloats(AttrStagePos)
		if err != nil {
			return fmt.Errorf("round %s: %w", firstRound.Path(), err)
		}
		if len(stage) != 3 {
			return fmt.Errorf("round %s: stage position must have 3 components, got %d", firstRound.Path(), len(stage))
		}
		copy(info.StageZYXUm[:], stage)

		if info.Bits, err = idx.discoverBits(tileName); err != nil {
			return err
		}
		idx.tiles = append(idx.tiles, info)
	}
	return nil
}

// discoverBits reads the bit descriptors of one tile from the readout tree.
// A tile without readouts is legal; registration of the reference channel
// alone is still meaningful.
func (idx *Index) discoverBits(tileName string) ([]models.BitInfo, error) {
	tileGroup, err := idx.readouts.Child(tileName, false)
	if err != nil {
		return nil, nil
	}
	bitNames, err := tileGroup.Children("bit")
	if err != nil {
		return nil, err
	}

	var bits []models.BitInfo
	for _, bitName := range bitNames {
		bitGroup, err := tileGroup.Child(bitName, false)
		if err != nil {
			return nil, err
		}
		bit := models.BitInfo{Index: nodeNumber(bitName)}
		if bit.Round, err = bitGroup.AttrInt(AttrRound); err != nil {
			return nil, fmt.Errorf("bit %s: %w", bitGroup.Path(), err)
		}
		if bit.PSFIndex, err = bitGroup.AttrInt(AttrPSFIndex); err != nil {
			return nil, fmt.Errorf("bit %s: %w", bitGroup.Path(), err)
		}
		if bit.Gain, err = bitGroup.AttrFloat64(AttrGain); err != nil {
			return nil, fmt.Errorf("bit %s: %w", bitGroup.Path(), err)
		}
		if bit.EmissionUm, err = bitGroup.AttrFloat64(AttrEmission); err != nil {
			return nil, fmt.Errorf("bit %s: %w", bitGroup.Path(), err)
		}
		bits = append(bits, bit)
	}
	return bits, nil
}

// roundState derives how far a round has already been processed from the
// artifacts present in its store node.
func roundState(g *zarr.Group, round int) models.RegState {
	switch {
	case g.HasArray(ArrayRegistered):
		return models.Persisted
	case g.HasArray(ArrayField):
		return models.DenseKnown
	case round > 0 && g.HasAttr(AttrRigidShift):
		return models.RigidKnown
	default:
		return models.Unregistered
	}
}

// Tiles returns the discovered tile descriptors in index order.
func (idx *Index) Tiles() []models.TileInfo {
	return idx.tiles
}

// Tile returns the descriptor of one tile.
func (idx *Index) Tile(tile int) (models.TileInfo, error) {
	for _, info := range idx.tiles {
		if info.Index == tile {
			return info, nil
		}
	}
	return models.TileInfo{}, fmt.Errorf("tile %d not present in dataset", tile)
}

// Rounds returns the round descriptors of one tile.
func (idx *Index) Rounds(tile int) ([]models.RoundInfo, error) {
	info, err := idx.Tile(tile)
	if err != nil {
		return nil, err
	}
	return info.Rounds, nil
}

// Bits returns the bit descriptors of one tile.
func (idx *Index) Bits(tile int) ([]models.BitInfo, error) {
	info, err := idx.Tile(tile)
	if err != nil {
		return nil, err
	}
	return info.Bits, nil
}

// RoundGroup opens the store node of one round of a tile.
func (idx *Index) RoundGroup(tile, round int) (*zarr.Group, error) {
	tileGroup, err := idx.polyDT.Child(fmt.Sprintf("tile%04d", tile), false)
	if err != nil {
		return nil, fmt.Errorf("tile %d: %w", tile, err)
	}
	g, err := tileGroup.Child(fmt.Sprintf("round%03d.zarr", round), false)
	if err != nil {
		return nil, fmt.Errorf("tile %d round %d: %w", tile, round, err)
	}
	return g, nil
}

// BitGroup opens the store node of one bit of a tile.
func (idx *Index) BitGroup(tile, bit int) (*zarr.Group, error) {
	tileGroup, err := idx.readouts.Child(fmt.Sprintf("tile%04d", tile), false)
	if err != nil {
		return nil, fmt.Errorf("tile %d readouts: %w", tile, err)
	}
	g, err := tileGroup.Child(fmt.Sprintf("bit%02d.zarr", bit), false)
	if err != nil {
		return nil, fmt.Errorf("tile %d bit %d: %w", tile, bit, err)
	}
	return g, nil
}

// VoxelSize returns the voxel extents of a tile in micrometers [z y x],
// read from the tile's first round.
func (idx *Index) VoxelSize(tile int) ([3]float64, error) {
	var voxel [3]float64
	info, err := idx.Tile(tile)
	if err != nil {
		return voxel, err
	}
	g, err := idx.RoundGroup(tile, info.Rounds[0].Index)
	if err != nil {
		return voxel, err
	}
	vals, err := g.AttrFloats(AttrVoxelSize)
	if err != nil {
		return voxel, err
	}
	if len(vals) != 3 {
		return voxel, fmt.Errorf("round %s: voxel size must have 3 components, got %d", g.Path(), len(vals))
	}
	copy(voxel[:], vals)
	return voxel, nil
}

// StagePosition returns the stage position of one round in micrometers
// [z y x].
func (idx *Index) StagePosition(tile, round int) ([3]float64, error) {
	var pos [3]float64
	g, err := idx.RoundGroup(tile, round)
	if err != nil {
		return pos, err
	}
	vals, err := g.AttrFloats(AttrStagePos)
	if err != nil {
		return pos, err
	}
	if len(vals) != 3 {
		return pos, fmt.Errorf("round %s: stage position must have 3 components, got %d", g.Path(), len(vals))
	}
	copy(pos[:], vals)
	return pos, nil
}

// PSF loads one calibration point spread function by index. The PSFs are
// stacked along the first axis of the calibration array.
func (idx *Index) PSF(psfIdx int) (*volume.F32, error) {
	data, shape, err := idx.calibrations.ReadArrayU16(ArrayPSF)
	if err != nil {
		return nil, err
	}
	if len(shape) != 4 {
		return nil, fmt.Errorf("calibration array %s must be 4D (psf, z, y, x), got shape %v", ArrayPSF, shape)
	}
	if psfIdx < 0 || psfIdx >= shape[0] {
		return nil, fmt.Errorf("psf index %d out of range: calibrations hold %d", psfIdx, shape[0])
	}

	g := volume.Grid{NZ: shape[1], NY: shape[2], NX: shape[3], VoxelZYX: [3]float64{1, 1, 1}}
	psf := volume.NewF32(g)
	offset := psfIdx * g.Len()
	for i := 0; i < g.Len(); i++ {
		psf.Data[i] = float32(data[offset+i])
	}
	return psf, nil
}

// nodeNumber extracts the index embedded in a node name such as "tile0003"
// or "round012.zarr".
func nodeNumber(name string) int {
	name = strings.TrimSuffix(name, ".zarr")
	digits := ""
	for _, c := range name {
		if c >= '0' && c <= '9' {
			digits += string(c)
		}
	}
	num, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return num
}
