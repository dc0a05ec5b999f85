package mission

import (
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/missionctl/internal/faultseq"
)

// Task is the closed set of behaviours a mission phase can run. Every
// variant is declared in this file; the controller switches over them
// exhaustively.
type Task interface {
	// Name is the wire/config name the task was parsed from.
	Name() string
	task()
}

// Morph blends the airframe to Target once per mission and then holds.
type Morph struct {
	Target float64
}

// Takeoff jumps to the first flight-plan block, then to the second once Gap
// has passed. It runs once per mission.
type Takeoff struct {
	FirstBlock  int
	SecondBlock int
	Gap         time.Duration
}

// Circle follows the ellipse guidance field around the mission-start
// position in the horizontal plane at a fixed altitude.
type Circle struct {
	Label string
	// Height is the altitude setpoint for the 2D acceleration command.
	Height float64
	// FollowHeading points the nose along the desired velocity.
	FollowHeading bool
	// PathOnly drops the geofence and peer terms.
	PathOnly bool
}

// ParametricCircle follows the 3D parametric guidance field and advances the
// path parameter by -uw*Step every tick.
type ParametricCircle struct {
	Step float64
}

// Nav2Land holds the 2D landing approach and, after After has elapsed,
// jumps to Block.
type Nav2Land struct {
	Height float64
	After  time.Duration
	Block  int
}

// Land jumps to the landing block once.
type Land struct {
	Block int
}

// SafeLand evaluates the fences at the mission-start position instead of the
// live one, drawing the aircraft back over its launch point.
type SafeLand struct {
	Height float64
}

// MotorFault fails one motor by Step unless a fault is already active.
type MotorFault struct {
	Label string
	Motor int
	Step  float64
}

// Resurrect restores every motor to full effectiveness if a fault is active.
type Resurrect struct {
	Label string
}

// RobustnessRamp walks the morph blend down by Rate every tick while the
// interlock watches position and heading.
type RobustnessRamp struct {
	Rate      float64
	Interlock faultseq.Interlock
}

// RobustnessSweep runs a fault-injection chain on top of a reset window and
// optional circle following.
type RobustnessSweep struct {
	Label     string
	Reset     time.Duration
	Chain     faultseq.Chain
	Interlock faultseq.Interlock
	// Circle is nil for hover sweeps.
	Circle *Circle
}

// DebugSpin slowly spins the navigation heading.
type DebugSpin struct {
	Step float64
}

// Unknown is any name outside the known set. It is a no-op.
type Unknown struct {
	Label string
}

func (Morph) Name() string             { return "morph" }
func (Takeoff) Name() string           { return "takeoff" }
func (c Circle) Name() string          { return c.Label }
func (ParametricCircle) Name() string  { return "parametric_circle" }
func (Nav2Land) Name() string          { return "nav2land" }
func (Land) Name() string              { return "land" }
func (SafeLand) Name() string          { return "safe2land" }
func (m MotorFault) Name() string      { return m.Label }
func (r Resurrect) Name() string       { return r.Label }
func (RobustnessRamp) Name() string    { return "Explore_robustness" }
func (r RobustnessSweep) Name() string { return r.Label }
func (DebugSpin) Name() string         { return "debug_mode" }
func (u Unknown) Name() string         { return u.Label }

func (Morph) task()            {}
func (Takeoff) task()          {}
func (Circle) task()           {}
func (ParametricCircle) task() {}
func (Nav2Land) task()         {}
func (Land) task()             {}
func (SafeLand) task()         {}
func (MotorFault) task()       {}
func (Resurrect) task()        {}
func (RobustnessRamp) task()   {}
func (RobustnessSweep) task()  {}
func (DebugSpin) task()        {}
func (Unknown) task()          {}

// Flight-plan blocks used by the stock tasks.
const (
	BlockTakeoffPrepare = 2
	BlockTakeoff        = 3
	BlockLandApproach   = 5
	BlockLand           = 12
)

// DefaultHeight is the 2D altitude setpoint for circle and landing tasks.
const DefaultHeight = 2.0

// ParseTask maps a mission task name onto its variant with the stock
// parameters. Names it does not recognise become Unknown.
func ParseTask(name string) Task {
	switch name {
	case "morph":
		return Morph{Target: 1}
	case "takeoff":
		return Takeoff{FirstBlock: BlockTakeoffPrepare, SecondBlock: BlockTakeoff, Gap: 500 * time.Millisecond}
	case "circle":
		return Circle{Label: name, Height: DefaultHeight, FollowHeading: true}
	case "follow_path_plan":
		return Circle{Label: name, Height: DefaultHeight, PathOnly: true}
	case "parametric_circle":
		return ParametricCircle{Step: 0.1}
	case "nav2land":
		return Nav2Land{Height: DefaultHeight, After: 3 * time.Second, Block: BlockLandApproach}
	case "land":
		return Land{Block: BlockLand}
	case "safe2land":
		return SafeLand{Height: DefaultHeight}
	case "Explore_robustness":
		return RobustnessRamp{
			Rate:      0.005,
			Interlock: faultseq.Interlock{PosThreshold: 2.5, AngThreshold: 1.57, SafeTarget: 1},
		}
	case "Explore_robustness_hover_step":
		return RobustnessSweep{
			Label:     name,
			Reset:     faultseq.ResetWindow,
			Chain:     faultseq.HoverSweep(),
			Interlock: faultseq.Interlock{PosThreshold: 2.6, AngThreshold: 1.57, SafeTarget: 1},
		}
	case "Explore_robustness_circle_step":
		return RobustnessSweep{
			Label:     name,
			Reset:     faultseq.ResetWindow,
			Chain:     faultseq.CircleSweep(),
			Interlock: faultseq.Interlock{PosThreshold: 2.5, AngThreshold: 1.57, SafeTarget: 1, InCircle: true},
			Circle:    &Circle{Label: name, Height: 4, PathOnly: true},
		}
	case "debug_mode":
		return DebugSpin{Step: 0.01}
	case "Resurrect":
		return Resurrect{Label: name}
	}

	if motor, ok := parseMotorFault(name); ok {
		return MotorFault{Label: name, Motor: motor, Step: 1}
	}
	if suffix, ok := strings.CutPrefix(name, "Resurrect"); ok {
		if n, err := strconv.Atoi(suffix); err == nil && n >= 1 && n <= 7 {
			return Resurrect{Label: name}
		}
	}
	return Unknown{Label: name}
}

// parseMotorFault accepts M1_fault .. M6_fault and returns the zero-based
// motor index.
func parseMotorFault(name string) (int, bool) {
	if len(name) != len("M1_fault") || name[0] != 'M' || name[2:] != "_fault" {
		return 0, false
	}
	n := int(name[1] - '0')
	if n < 1 || n > faultseq.Motors {
		return 0, false
	}
	return n - 1, true
}
