// Package vehicle holds the per-aircraft state shared between telemetry
// ingestion and the control loop.
package vehicle

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Motors is the number of actuator channels on the airframe.
const Motors = 6

// DefaultBatteryVoltage is assumed until the first ENERGY report arrives.
const DefaultBatteryVoltage = 12.0

// Euler angles in radians.
type Euler struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// State is a plain snapshot of one aircraft. It carries no locking of its
// own; shared instances live inside a Cell.
type State struct {
	ID int `json:"ac_id"`

	Position r3.Vec      `json:"position"`
	Velocity r3.Vec      `json:"velocity"`
	Rates    r3.Vec      `json:"rates"`
	Attitude quat.Number `json:"attitude"`
	Euler    Euler       `json:"euler"`

	Effectiveness [Motors]float64 `json:"effectiveness"`
	Fault         bool            `json:"fault"`
	Morph         float64         `json:"morph"`

	InitialPosition r3.Vec  `json:"initial_position"`
	InitialHeading  float64 `json:"initial_heading"`

	BatteryVoltage float64   `json:"battery_voltage"`
	Initialized    bool      `json:"initialized"`
	LastUpdate     time.Time `json:"last_update"`
}

// New returns the state of a freshly registered aircraft: level attitude,
// healthy motors, default battery and not yet initialized.
func New(id int) State {
	s := State{
		ID:             id,
		Attitude:       quat.Number{Real: 1},
		BatteryVoltage: DefaultBatteryVoltage,
	}
	for i := range s.Effectiveness {
		s.Effectiveness[i] = 1
	}
	return s
}

// SetAttitude stores the normalised quaternion and recomputes the Euler
// angles from it. A zero quaternion leaves the attitude unchanged.
func (s *State) SetAttitude(q quat.Number) {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return
	}
	s.Attitude = quat.Scale(1/n, q)
	s.Euler = ToEuler(s.Attitude)
}

// SetEuler is used by telemetry that only reports angles. The quaternion is
// rebuilt first so both representations stay consistent.
func (s *State) SetEuler(e Euler) {
	s.SetAttitude(FromEuler(e))
}

// Heading returns the current yaw.
func (s State) Heading() float64 {
	return s.Euler.Yaw
}

// CaptureInitial snapshots the current position and heading as the safe
// reference for the rest of the mission.
func (s *State) CaptureInitial() {
	s.InitialPosition = s.Position
	s.InitialHeading = s.Euler.Yaw
}

// ToEuler converts a unit quaternion to roll, pitch and yaw using the x-y-z
// extrinsic convention. Pitch is clamped at the gimbal singularity.
func ToEuler(q quat.Number) Euler {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	roll := math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))

	sp := 2 * (w*y - z*x)
	var pitch float64
	switch {
	case sp >= 1:
		pitch = math.Pi / 2
	case sp <= -1:
		pitch = -math.Pi / 2
	default:
		pitch = math.Asin(sp)
	}

	yaw := math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
	return Euler{Roll: roll, Pitch: pitch, Yaw: yaw}
}

// FromEuler is the inverse of ToEuler.
func FromEuler(e Euler) quat.Number {
	cr, sr := math.Cos(e.Roll/2), math.Sin(e.Roll/2)
	cp, sp := math.Cos(e.Pitch/2), math.Sin(e.Pitch/2)
	cy, sy := math.Cos(e.Yaw/2), math.Sin(e.Yaw/2)
	return quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}

// Cell owns one aircraft's State behind a mutex. Telemetry callbacks and
// the control loop both go through it, so a reader never observes a
// half-applied update.
type Cell struct {
	mu    sync.Mutex
	state State
}

// NewCell creates a cell holding New(id).
func NewCell(id int) *Cell {
	return &Cell{state: New(id)}
}

// ID returns the aircraft id, which never changes.
func (c *Cell) ID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ID
}

// Snapshot returns a copy of the current state.
func (c *Cell) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Update applies fn to the state under the lock and returns the result.
// fn must not block.
func (c *Cell) Update(fn func(*State)) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.state)
	return c.state
}
