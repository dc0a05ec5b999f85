// Package control runs one aircraft's mission: it asks the scheduler for
// the active task, drives the fault sequencer and the guidance generator for
// it, and sends the resulting commands.
package control

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/missionctl/internal/belief"
	"github.com/banshee-data/missionctl/internal/faultseq"
	"github.com/banshee-data/missionctl/internal/guidance"
	"github.com/banshee-data/missionctl/internal/mission"
	"github.com/banshee-data/missionctl/internal/monitoring"
	"github.com/banshee-data/missionctl/internal/settings"
	"github.com/banshee-data/missionctl/internal/telemetry"
	"github.com/banshee-data/missionctl/internal/timeutil"
	"github.com/banshee-data/missionctl/internal/vehicle"
)

// headingWrap is where the debug spin folds the heading back.
const (
	headingWrap   = 3.1415
	headingReturn = 3.14
)

// TickResult describes what one tick did.
type TickResult struct {
	AcID    int
	Phase   string
	Elapsed time.Duration
	// Skipped is set when the aircraft has not reported a pose yet.
	Skipped bool
	// BatteryOverride is set when low voltage replaced the task by a landing.
	BatteryOverride bool
	Setpoint        *guidance.Setpoint
	Actions         []faultseq.Action
	Commands        []telemetry.Command
	State           vehicle.State
}

// Status is a point-in-time view of a controller for the admin pages.
type Status struct {
	AcID           int           `json:"ac_id"`
	Phase          string        `json:"phase"`
	Plan           mission.Plan  `json:"plan"`
	PathParameter  float64       `json:"path_parameter"`
	DesiredHeading float64       `json:"desired_heading"`
	Morphed        bool          `json:"morphed"`
	TookOff        bool          `json:"took_off"`
	Landed         bool          `json:"landed"`
	State          vehicle.State `json:"state"`
}

type takeoffStage int

const (
	takeoffIdle takeoffStage = iota
	takeoffPrepared
	takeoffDone
)

// Controller flies one aircraft. Tick must only be called from one
// goroutine; Status may be called from any.
type Controller struct {
	id       int
	cell     *vehicle.Cell
	sched    *mission.Scheduler
	settings *settings.Channel
	sender   telemetry.Sender
	clock    timeutil.Clock
	params   Params
	gen      guidance.Generator
	view     *belief.View
	log      zerolog.Logger

	mu sync.Mutex

	ellipse guidance.Ellipse
	param   guidance.Parametric
	ref     faultseq.Reference
	w       float64
	heading float64

	morphed     bool
	takeoff     takeoffStage
	takeoffAt   time.Time
	landed      bool
	approachJmp bool

	phase     string
	exhausted bool

	// filled while a tick runs
	pending []telemetry.Command
	errs    []error
}

// New builds a controller for the aircraft held by cell. Commands go to
// sender; actuator writes go through a settings channel over reg.
func New(cell *vehicle.Cell, sender telemetry.Sender, reg *settings.Registry, clock timeutil.Clock, params Params) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	id := cell.ID()
	c := &Controller{
		id:     id,
		cell:   cell,
		sched:  mission.NewScheduler(clock),
		sender: sender,
		clock:  clock,
		params: params,
		gen:    params.Generator(),
		view:   belief.NewView(id),
		log:    monitoring.Vehicle(id),
		param:  params.Parametric,
	}
	c.settings = settings.NewChannel(id, reg, tickSender{c})
	c.placePaths(cell.Snapshot())
	return c
}

// tickSender forwards to the real sender and keeps what was sent for the
// current tick's result.
type tickSender struct{ c *Controller }

func (r tickSender) Send(cmd telemetry.Command) error {
	if err := r.c.sender.Send(cmd); err != nil {
		return err
	}
	r.c.pending = append(r.c.pending, cmd)
	return nil
}

// ID returns the aircraft id.
func (c *Controller) ID() int { return c.id }

// Cell returns the aircraft's state cell.
func (c *Controller) Cell() *vehicle.Cell { return c.cell }

// Settings returns the aircraft's settings channel.
func (c *Controller) Settings() *settings.Channel { return c.settings }

// Assign gives the aircraft a new plan. The once-per-mission latches are
// cleared with it.
func (c *Controller) Assign(plan mission.Plan) error {
	if err := c.sched.Assign(plan); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.morphed = false
	c.takeoff = takeoffIdle
	c.landed = false
	c.approachJmp = false
	c.phase = ""
	c.exhausted = false
	return nil
}

// SetPathParameter seeds the parametric path parameter.
func (c *Controller) SetPathParameter(w float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w = w
}

// PathParameter returns the current parametric path parameter.
func (c *Controller) PathParameter() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w
}

// AssignProperties snapshots the mission-start position and heading and
// centres the ellipse and the interlock circle on the current position.
func (c *Controller) AssignProperties() {
	st := c.cell.Update(func(s *vehicle.State) { s.CaptureInitial() })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.placePaths(st)
	c.log.Info().
		Float64("x", st.InitialPosition.X).
		Float64("y", st.InitialPosition.Y).
		Float64("z", st.InitialPosition.Z).
		Float64("heading", st.InitialHeading).
		Msg("mission properties assigned")
}

func (c *Controller) placePaths(st vehicle.State) {
	center := r3.Vec{X: st.Position.X, Y: st.Position.Y}
	c.ellipse = guidance.Ellipse{
		Center:    center,
		A:         c.params.CircleRadius,
		B:         c.params.CircleRadius,
		Gain:      c.params.EllipseGain,
		Direction: 1,
	}
	c.ref = faultseq.Reference{
		InitialPosition: st.InitialPosition,
		InitialHeading:  st.InitialHeading,
		CircleCenter:    st.Position,
		CircleRadius:    c.params.CircleRadius,
	}
}

// Observe refreshes the controller's view of its peers.
func (c *Controller) Observe(m *belief.Map) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view.Refresh(m)
}

// Status returns a snapshot for the admin pages.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		AcID:           c.id,
		Phase:          c.phase,
		Plan:           c.sched.Plan(),
		PathParameter:  c.w,
		DesiredHeading: c.heading,
		Morphed:        c.morphed,
		TookOff:        c.takeoff == takeoffDone,
		Landed:         c.landed,
		State:          c.cell.Snapshot(),
	}
}

// Tick runs the active task once. Uninitialized aircraft are skipped. An
// exhausted plan returns mission.ErrPlanExhausted and sends nothing, so the
// aircraft is left to its autopilot once the plan ends. Link failures are
// returned joined after the rest of the tick has run.
func (c *Controller) Tick(ctx context.Context) (TickResult, error) {
	if err := ctx.Err(); err != nil {
		return TickResult{AcID: c.id}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	c.errs = nil

	st := c.cell.Snapshot()
	res := TickResult{AcID: c.id, State: st}
	if !st.Initialized {
		res.Skipped = true
		return res, nil
	}

	phase, elapsed, err := c.sched.Current()
	if err != nil {
		if !c.exhausted {
			c.exhausted = true
			c.log.Warn().Err(err).Msg("no active mission phase")
		}
		return res, err
	}
	res.Phase = phase.Name
	res.Elapsed = elapsed
	if phase.Name != c.phase {
		c.phase = phase.Name
		if _, unknown := phase.Task.(mission.Unknown); unknown {
			c.log.Warn().Str("task", phase.Name).Msg("unknown task, holding")
		} else {
			c.log.Info().Str("task", phase.Name).Dur("duration", phase.Duration).Msg("phase started")
		}
	}

	task := phase.Task
	if st.BatteryVoltage < c.params.BatteryMin {
		task = mission.Land{Block: mission.BlockLand}
		res.BatteryOverride = true
		c.log.Warn().Float64("voltage", st.BatteryVoltage).Msg("battery low, landing")
	}

	c.run(&res, task, elapsed, st)

	res.Commands = c.pending
	res.State = c.cell.Snapshot()
	c.pending = nil
	return res, errors.Join(c.errs...)
}

func (c *Controller) run(res *TickResult, task mission.Task, elapsed time.Duration, st vehicle.State) {
	pos := st.Position
	peers := c.view.Positions()

	switch t := task.(type) {
	case mission.Morph:
		if !c.morphed {
			c.apply(res, faultseq.Action{Kind: faultseq.MorphTo, Target: t.Target})
			c.morphed = true
		}

	case mission.Takeoff:
		c.runTakeoff(t)

	case mission.Circle:
		c.followCircle(res, t, st, peers)

	case mission.ParametricCircle:
		v, uw := c.param.Velocity(pos, c.w)
		c.w += -uw * t.Step
		desired := c.gen.DesiredVelocity(pos, pos, peers, v)
		c.accelerate(res, desired, st.Velocity, guidance.Mode3D, 0)

	case mission.Nav2Land:
		desired := c.gen.DesiredVelocity(pos, pos, peers, r3.Vec{})
		c.accelerate(res, desired, st.Velocity, guidance.Mode2D, t.Height)
		if elapsed > t.After && !c.approachJmp {
			c.jump(t.Block)
			c.approachJmp = true
		}

	case mission.Land:
		if !c.landed {
			c.jump(t.Block)
			c.landed = true
		}

	case mission.SafeLand:
		desired := c.gen.DesiredVelocity(st.InitialPosition, pos, peers, r3.Vec{})
		c.accelerate(res, desired, st.Velocity, guidance.Mode2D, t.Height)

	case mission.MotorFault:
		c.apply(res, faultseq.Action{Kind: faultseq.FailMotor, Motor: t.Motor, Step: t.Step})

	case mission.Resurrect:
		if st.Fault {
			c.apply(res, faultseq.Action{Kind: faultseq.ResetMotors})
		}

	case mission.RobustnessRamp:
		c.apply(res, faultseq.Action{Kind: faultseq.MorphTo, Target: st.Morph - t.Rate})
		c.interlock(res, t.Interlock, st)

	case mission.RobustnessSweep:
		if elapsed < t.Reset {
			c.apply(res, faultseq.Action{Kind: faultseq.MorphTo, Target: 1})
			c.apply(res, faultseq.Action{Kind: faultseq.ResetMotors})
		}
		c.apply(res, t.Chain.Decide(elapsed))
		if t.Circle != nil {
			c.followCircle(res, *t.Circle, st, peers)
		}
		c.interlock(res, t.Interlock, st)

	case mission.DebugSpin:
		c.heading += t.Step
		switch {
		case c.heading > headingWrap:
			c.heading = -headingReturn
		case c.heading < -headingWrap:
			c.heading = headingReturn
		}
		c.setHeading(c.heading)

	case mission.Unknown:
		// nothing to do

	default:
		c.log.Error().Str("task", task.Name()).Msg("task has no handler")
	}
}

// runTakeoff sends the first block at once and the second after Gap,
// without holding up the tick in between.
func (c *Controller) runTakeoff(t mission.Takeoff) {
	switch c.takeoff {
	case takeoffIdle:
		c.jump(t.FirstBlock)
		c.takeoff = takeoffPrepared
		c.takeoffAt = c.clock.Now()
	case takeoffPrepared:
		if c.clock.Since(c.takeoffAt) >= t.Gap {
			c.jump(t.SecondBlock)
			c.takeoff = takeoffDone
		}
	}
}

func (c *Controller) followCircle(res *TickResult, t mission.Circle, st vehicle.State, peers []r3.Vec) {
	path := r3.Scale(c.params.CircleSpeed, c.ellipse.Velocity(st.Position))
	desired := path
	if !t.PathOnly {
		desired = c.gen.DesiredVelocity(st.Position, st.Position, peers, path)
	}
	if t.FollowHeading {
		c.heading = guidance.HeadingOf(desired)
		c.setHeading(c.heading)
	}
	c.accelerate(res, desired, st.Velocity, guidance.Mode2D, t.Height)
}

// interlock is checked against the pose the tick started with; actuator
// writes earlier in the tick do not move the aircraft.
func (c *Controller) interlock(res *TickResult, il faultseq.Interlock, st vehicle.State) {
	act, tripped := il.Check(st.Position, st.Heading(), c.ref)
	if !tripped {
		return
	}
	c.log.Warn().Float64("target", act.Target).Msg("interlock forced safe morph")
	c.apply(res, act)
}

// apply runs an actuator action against the cell and mirrors the resulting
// writes on the settings channel.
func (c *Controller) apply(res *TickResult, act faultseq.Action) {
	if act.Kind == faultseq.None {
		return
	}
	var writes []faultseq.Write
	c.cell.Update(func(s *vehicle.State) {
		next, w := faultseq.Apply(actuatorsOf(*s), act)
		setActuators(s, next)
		writes = w
	})
	if len(writes) == 0 {
		return
	}
	res.Actions = append(res.Actions, act)
	for _, w := range writes {
		c.set(w.Channel, w.Value)
	}
}

func (c *Controller) set(name string, value float64) {
	err := c.settings.Set(name, value)
	switch {
	case err == nil:
	case errors.Is(err, settings.ErrUnknownSetting):
		c.log.Debug().Err(err).Msg("setting not available on this airframe")
	default:
		c.errs = append(c.errs, err)
	}
}

func (c *Controller) setHeading(rad float64) {
	c.set(settings.NavHeading, rad*settings.HeadingScale)
}

func (c *Controller) jump(block int) {
	c.send(telemetry.JumpToBlock{AcID: c.id, Block: block})
	c.log.Info().Int("block", block).Msg("jump to block")
}

func (c *Controller) accelerate(res *TickResult, desired, current r3.Vec, mode guidance.Mode, height float64) {
	sp := c.gen.Accelerate(desired, current, mode, height)
	if math.IsNaN(sp.X) || math.IsNaN(sp.Y) || math.IsNaN(sp.Z) {
		c.log.Error().Str("setpoint", sp.String()).Msg("dropping non-finite setpoint")
		return
	}
	res.Setpoint = &sp
	c.send(telemetry.DesiredSetpoint{AcID: c.id, Setpoint: sp})
}

func (c *Controller) send(cmd telemetry.Command) {
	if err := (tickSender{c}).Send(cmd); err != nil {
		c.errs = append(c.errs, err)
	}
}

func actuatorsOf(s vehicle.State) faultseq.Actuators {
	return faultseq.Actuators{Effectiveness: s.Effectiveness, Fault: s.Fault, Morph: s.Morph}
}

func setActuators(s *vehicle.State, a faultseq.Actuators) {
	s.Effectiveness = a.Effectiveness
	s.Fault = a.Fault
	s.Morph = a.Morph
}
