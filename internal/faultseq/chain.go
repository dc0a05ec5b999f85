package faultseq

import (
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// PhaseSpec is one step of a robustness experiment: morph to Target, then
// fail the motor, then recover it.
type PhaseSpec struct {
	Target   float64
	Morph    time.Duration
	Fail     time.Duration
	Recovery time.Duration
}

// Phase is a PhaseSpec anchored at Start (task-relative).
type Phase struct {
	PhaseSpec
	Start time.Duration
}

// End is the instant the next phase starts.
func (p Phase) End() time.Duration {
	return p.Start + p.Morph + p.Fail + p.Recovery
}

// Chain is a contiguous sequence of phases acting on one motor.
type Chain struct {
	Motor  int
	Step   float64
	Phases []Phase
}

// BuildChain anchors specs back to back starting at start.
func BuildChain(start time.Duration, motor int, step float64, specs []PhaseSpec) Chain {
	c := Chain{Motor: motor, Step: step, Phases: make([]Phase, len(specs))}
	at := start
	for i, spec := range specs {
		c.Phases[i] = Phase{PhaseSpec: spec, Start: at}
		at = c.Phases[i].End()
	}
	return c
}

// Uniform builds specs sharing the same window lengths.
func Uniform(targets []float64, morph, fail, recovery time.Duration) []PhaseSpec {
	specs := make([]PhaseSpec, len(targets))
	for i, t := range targets {
		specs[i] = PhaseSpec{Target: t, Morph: morph, Fail: fail, Recovery: recovery}
	}
	return specs
}

// Start returns the first phase's start, or zero for an empty chain.
func (c Chain) Start() time.Duration {
	if len(c.Phases) == 0 {
		return 0
	}
	return c.Phases[0].Start
}

// End returns the last phase's end, or zero for an empty chain.
func (c Chain) End() time.Duration {
	if len(c.Phases) == 0 {
		return 0
	}
	return c.Phases[len(c.Phases)-1].End()
}

// Decide returns the action for elapsed task time. Outside the chain it is
// a no-op.
func (c Chain) Decide(elapsed time.Duration) Action {
	for _, p := range c.Phases {
		if elapsed < p.Start || elapsed >= p.End() {
			continue
		}
		switch {
		case elapsed < p.Start+p.Morph:
			return Action{Kind: MorphTo, Target: p.Target}
		case elapsed < p.Start+p.Morph+p.Fail:
			return Action{Kind: FailMotor, Motor: c.Motor, Step: c.Step}
		default:
			return Action{Kind: RecoverMotor, Motor: c.Motor, Step: c.Step}
		}
	}
	return Action{Kind: None}
}

// SweepTargets is the morph sweep used by the stock robustness experiments.
var SweepTargets = []float64{1.0, 0.8, 0.6, 0.3, 0.2, 0.1, 0.0, -0.1, -0.2, -0.3, -0.6, -0.8, -1.0}

// ResetWindow is the initial window of a sweep task during which the
// airframe is morphed to 1 and every motor restored.
const ResetWindow = 2 * time.Second

// SweepMotor is the motor failed by the stock sweeps (M6).
const SweepMotor = 5

// HoverSweep is the hovering robustness chain.
func HoverSweep() Chain {
	return BuildChain(2*time.Second, SweepMotor, 1, Uniform(SweepTargets, 5*time.Second, 15*time.Second, 8*time.Second))
}

// CircleSweep is the circling robustness chain. It has no recovery window,
// so once M6 is failed later phases only change the morph.
func CircleSweep() Chain {
	return BuildChain(5*time.Second, SweepMotor, 1, Uniform(SweepTargets, time.Second, 15*time.Second, 0))
}

// Interlock forces a safe morph when the aircraft strays too far from its
// reference or its heading drifts.
type Interlock struct {
	PosThreshold float64
	AngThreshold float64
	SafeTarget   float64
	// InCircle measures position error against the circle path instead of
	// the mission-start position.
	InCircle bool
}

// Reference is what the interlock measures against.
type Reference struct {
	InitialPosition r3.Vec
	InitialHeading  float64
	CircleCenter    r3.Vec
	CircleRadius    float64
}

// PathError is the radial and vertical distance from a horizontal circle.
func PathError(pos, center r3.Vec, radius float64) float64 {
	d := r3.Sub(pos, center)
	radial := radius - math.Hypot(d.X, d.Y)
	return math.Hypot(radial, d.Z)
}

// Check returns a morph to SafeTarget when either threshold is exceeded.
func (i Interlock) Check(pos r3.Vec, heading float64, ref Reference) (Action, bool) {
	var posErr float64
	if i.InCircle {
		posErr = PathError(pos, ref.CircleCenter, ref.CircleRadius)
	} else {
		posErr = r3.Norm(r3.Sub(ref.InitialPosition, pos))
	}
	headingErr := ref.InitialHeading - heading

	if posErr > i.PosThreshold || math.Abs(headingErr) > i.AngThreshold {
		return Action{Kind: MorphTo, Target: i.SafeTarget}, true
	}
	return Action{Kind: None}, false
}
