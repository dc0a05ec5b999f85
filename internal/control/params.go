package control

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/missionctl/internal/guidance"
)

// Params are the guidance gains and safety limits shared by every
// controller of a fleet.
type Params struct {
	// Gain converts velocity error into commanded acceleration.
	Gain float64
	// PeerStrength is the repulsion strength of every other aircraft.
	PeerStrength float64
	// FenceCenter and FenceStrength describe the spherical geofence.
	FenceCenter   r3.Vec
	FenceStrength float64
	// CircleSpeed scales the unit ellipse field.
	CircleSpeed float64
	// CircleRadius is the radius of the ellipse and of the interlock circle
	// laid around the mission-start position.
	CircleRadius float64
	EllipseGain  float64
	// BatteryMin forces landing below this voltage.
	BatteryMin float64
	// Parametric is the 3D path flown by parametric_circle. Its gains and
	// shape are fixed; only the path parameter is per aircraft.
	Parametric guidance.Parametric
}

// DefaultParams are the gains the stock airframes were flown with.
func DefaultParams() Params {
	return Params{
		Gain:          1.6,
		PeerStrength:  5.0,
		FenceStrength: -0.07,
		CircleSpeed:   0.6,
		CircleRadius:  1.1,
		EllipseGain:   1.0,
		BatteryMin:    9.5,
		Parametric:    DefaultParametric(),
	}
}

// DefaultParametric is a figure-eight at 2.5 m, 1.3 m wide.
func DefaultParametric() guidance.Parametric {
	return guidance.Parametric{
		Offset:    r3.Vec{Z: 2.5},
		Amplitude: r3.Vec{X: 1.3, Y: 1.3},
		Phase:     r3.Vec{X: math.Pi / 2},
		Freq:      r3.Vec{X: 2, Y: 1, Z: 1},
		Alpha:     math.Pi,
		Gains: guidance.Gains{
			L:    0.1,
			Beta: 0.01,
			K:    r3.Vec{X: 1, Y: 1, Z: 1},
			S:    1,
		},
		Speed: 0.6,
	}
}

// Generator builds the guidance generator for these params.
func (p Params) Generator() guidance.Generator {
	return guidance.Generator{
		Fence:        guidance.GeoFence{Center: p.FenceCenter, Strength: p.FenceStrength},
		PeerStrength: p.PeerStrength,
		Gain:         p.Gain,
	}
}
