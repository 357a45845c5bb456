package models

import (
	"fmt"
)

// RegState tracks how far a round has progressed through the registration
// pipeline. States are strictly ordered: a round never reaches a state
// without having passed through the ones before it.
type RegState int

const (
	// Unregistered means no transform has been computed for the round.
	Unregistered RegState = iota

	// RigidKnown means the rigid translation has been estimated but no
	// dense displacement field exists yet.
	RigidKnown

	// DenseKnown means both the rigid translation and the dense
	// displacement field have been computed in memory.
	DenseKnown

	// Persisted means all transforms and registered volumes have been
	// written back to the dataset store.
	Persisted
)

// String returns the lowercase state name used in progress output.
func (s RegState) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case RigidKnown:
		return "rigid"
	case DenseKnown:
		return "dense"
	case Persisted:
		return "persisted"
	default:
		return fmt.Sprintf("RegState(%d)", int(s))
	}
}

// RoundInfo describes one imaging round of a tile: the fiducial channel
// every transform is estimated from.
type RoundInfo struct {
	// Index is the zero-based round number. Round 0 is the reference
	// frame all later rounds are registered onto.
	Index int

	// PSFIndex selects which point spread function from the calibration
	// store applies to this round's fiducial channel.
	PSFIndex int

	// State is the registration progress of this round.
	State RegState
}

// BitInfo describes one readout bit of a tile. Bits carry the actual
// signal channels; they reuse the transforms of the round they were
// acquired in rather than being registered themselves.
type BitInfo struct {
	// Index is the zero-based bit number.
	Index int

	// Round is the imaging round this bit was acquired in.
	Round int

	// PSFIndex selects the calibration point spread function for the
	// bit's emission channel.
	PSFIndex int

	// Gain is the camera gain the channel was acquired at.
	Gain float64

	// EmissionUm is the emission wavelength in micrometers, used to
	// derive band-pass filter scales.
	EmissionUm float64
}

// TileInfo describes one stage position of the experiment together with
// the rounds and bits acquired there.
type TileInfo struct {
	// Index is the zero-based tile number.
	Index int

	// StageZYXUm is the stage position of the tile origin in
	// micrometers, in [z y x] order.
	StageZYXUm [3]float64

	// Rounds lists the fiducial rounds of the tile in acquisition order.
	Rounds []RoundInfo

	// Bits lists the readout bits of the tile in bit order.
	Bits []BitInfo
}
