package guidance

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mode selects how an acceleration is packed into a setpoint.
type Mode int

const (
	// Mode2D commands horizontal acceleration and a fixed altitude.
	Mode2D Mode = iota
	// Mode3D commands all three axes.
	Mode3D
)

func (m Mode) String() string {
	if m == Mode3D {
		return "3d"
	}
	return "2d"
}

// Setpoint is the four-field acceleration command. In 2D mode Z carries
// the altitude setpoint; in 3D mode it carries the downward acceleration.
type Setpoint struct {
	Flag int     `json:"flag"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
}

func (s Setpoint) String() string {
	return fmt.Sprintf("flag=%d (%.3f, %.3f, %.3f)", s.Flag, s.X, s.Y, s.Z)
}

// Generator sums the always-on terms with a task term and converts the
// result into setpoints.
type Generator struct {
	// Fence is evaluated at the reference position of each tick.
	Fence Field
	// PeerStrength is the repulsion strength of every other aircraft.
	PeerStrength float64
	// Gain converts velocity error into acceleration.
	Gain float64
}

// Peers returns the repulsion felt at self from every peer position.
func (g Generator) Peers(self r3.Vec, peers []r3.Vec) r3.Vec {
	var v r3.Vec
	for _, p := range peers {
		v = r3.Add(v, Source{Center: p, Strength: g.PeerStrength}.Velocity(self))
	}
	return v
}

// DesiredVelocity is fence(at) + Σ repulsion(self, peer) + task. Normally at
// and self are both the live position; safe landing passes the mission-start
// position as at.
func (g Generator) DesiredVelocity(at, self r3.Vec, peers []r3.Vec, task r3.Vec) r3.Vec {
	v := task
	if g.Fence != nil {
		v = r3.Add(v, g.Fence.Velocity(at))
	}
	return r3.Add(v, g.Peers(self, peers))
}

// Accelerate converts a desired velocity into a setpoint using
// acc = (desired - current)·Gain.
func (g Generator) Accelerate(desired, current r3.Vec, mode Mode, height float64) Setpoint {
	acc := r3.Scale(g.Gain, r3.Sub(desired, current))
	if mode == Mode3D {
		return Setpoint{Flag: 1, X: acc.X, Y: acc.Y, Z: -acc.Z}
	}
	return Setpoint{Flag: 0, X: acc.X, Y: acc.Y, Z: height}
}

// HeadingOf returns the navigation heading that points the nose along v.
func HeadingOf(v r3.Vec) float64 {
	return math.Pi/2 - math.Atan2(v.X, v.Y)
}
