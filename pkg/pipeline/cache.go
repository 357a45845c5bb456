// Package pipeline orchestrates registration of an experiment: per-tile
// round registration, propagation of the round transforms onto the readout
// bits, and cached access to persisted transforms.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/mabbasi6/merfish3d-analysis/pkg/dataset"
	"github.com/mabbasi6/merfish3d-analysis/pkg/registration"
	"github.com/mabbasi6/merfish3d-analysis/pkg/volume"
)

// Sentinel errors naming the missing prerequisite when transforms are
// requested out of order.
var (
	// ErrRigidNotComputed reports a round without a persisted rigid
	// transform; round registration must run first.
	ErrRigidNotComputed = errors.New("rigid transform not computed; run round registration first")

	// ErrDenseNotComputed reports a round without a persisted
	// displacement field; dense registration must run first.
	ErrDenseNotComputed = errors.New("displacement field not computed; run dense registration first")
)

// TransformCache lazily loads the persisted transforms of one tile so bit
// propagation does not re-read them for every bit. The cache distinguishes
// "loaded" from "not yet computed": a load failure from missing artifacts
// surfaces the matching sentinel error rather than an empty result.
type TransformCache struct {
	index            *dataset.Index
	tile             int
	downsampleFactor int

	rigid       map[int][3]float64
	rigidLoaded bool

	fields       map[int]*registration.Field
	fieldsLoaded bool
}

// NewTransformCache creates an empty cache for one tile. The downsample
// factor describes the grid the persisted fields were estimated on.
func NewTransformCache(index *dataset.Index, tile, downsampleFactor int) *TransformCache {
	return &TransformCache{
		index:            index,
		tile:             tile,
		downsampleFactor: downsampleFactor,
	}
}

// LoadRigid reads the persisted rigid transforms of every round of the
// tile. The reference round contributes a zero shift without consulting
// the store.
func (c *TransformCache) LoadRigid() error {
	if c.rigidLoaded {
		return nil
	}

	rounds, err := c.index.Rounds(c.tile)
	if err != nil {
		return err
	}

	rigid := make(map[int][3]float64, len(rounds))
	for _, round := range rounds {
		if round.Index == 0 {
			rigid[0] = [3]float64{}
			continue
		}
		g, err := c.index.RoundGroup(c.tile, round.Index)
		if err != nil {
			return err
		}
		if !g.HasAttr(dataset.AttrRigidShift) {
			return fmt.Errorf("tile %d round %d: %w", c.tile, round.Index, ErrRigidNotComputed)
		}
		vals, err := g.AttrFloats(dataset.AttrRigidShift)
		if err != nil {
			return err
		}
		if len(vals) != 3 {
			return fmt.Errorf("tile %d round %d: rigid transform must have 3 components, got %d",
				c.tile, round.Index, len(vals))
		}
		// Persisted in [x y z] order per the attribute name.
		rigid[round.Index] = [3]float64{vals[2], vals[1], vals[0]}
	}

	c.rigid = rigid
	c.rigidLoaded = true
	return nil
}

// Rigid returns the rigid shift of a round in micrometers [z y x], loading
// all rounds on first use.
func (c *TransformCache) Rigid(round int) ([3]float64, error) {
	if err := c.LoadRigid(); err != nil {
		return [3]float64{}, err
	}
	shift, ok := c.rigid[round]
	if !ok {
		return [3]float64{}, fmt.Errorf("tile %d has no round %d", c.tile, round)
	}
	return shift, nil
}

// LoadFields reads the persisted displacement fields of every round past
// the reference. The reference round maps to a nil field (no deformation).
func (c *TransformCache) LoadFields() error {
	if c.fieldsLoaded {
		return nil
	}

	rounds, err := c.index.Rounds(c.tile)
	if err != nil {
		return err
	}
	voxel, err := c.index.VoxelSize(c.tile)
	if err != nil {
		return err
	}
	factor := float64(c.downsampleFactor)
	fieldVoxel := [3]float64{voxel[0] * factor, voxel[1] * factor, voxel[2] * factor}

	fields := make(map[int]*registration.Field, len(rounds))
	for _, round := range rounds {
		if round.Index == 0 {
			fields[0] = nil
			continue
		}
		g, err := c.index.RoundGroup(c.tile, round.Index)
		if err != nil {
			return err
		}
		if !g.HasArray(dataset.ArrayField) {
			return fmt.Errorf("tile %d round %d: %w", c.tile, round.Index, ErrDenseNotComputed)
		}
		data, shape, err := g.ReadArrayF32(dataset.ArrayField)
		if err != nil {
			return err
		}
		field, err := registration.FieldFromData(data, shape, fieldVoxel)
		if err != nil {
			return fmt.Errorf("tile %d round %d: %w", c.tile, round.Index, err)
		}
		fields[round.Index] = field
	}

	c.fields = fields
	c.fieldsLoaded = true
	return nil
}

// Field returns the displacement field of a round at its stored
// (downsampled) resolution, loading all rounds on first use. The reference
// round returns nil.
func (c *TransformCache) Field(round int) (*registration.Field, error) {
	if err := c.LoadFields(); err != nil {
		return nil, err
	}
	field, ok := c.fields[round]
	if !ok {
		return nil, fmt.Errorf("tile %d has no round %d", c.tile, round)
	}
	return field, nil
}

// UpsampledField returns the displacement field of a round interpolated to
// the given full-resolution grid.
func (c *TransformCache) UpsampledField(round int, target volume.Grid) (*registration.Field, error) {
	field, err := c.Field(round)
	if err != nil {
		return nil, err
	}
	if field == nil {
		return nil, nil
	}
	return field.Upsample(target), nil
}

// Invalidate drops every cached transform, typically on a tile change.
// Persisted data is never touched.
func (c *TransformCache) Invalidate() {
	for _, field := range c.fields {
		if field != nil {
			field.Release()
		}
	}
	c.rigid = nil
	c.rigidLoaded = false
	c.fields = nil
	c.fieldsLoaded = false
}
