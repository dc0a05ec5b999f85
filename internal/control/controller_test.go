package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

const acID = 23

// Setting indices in settings.DefaultNames.
const (
	idxNavHeading = 2
	idxMorph      = 3
	idxM1         = 4
	idxM6         = 9
)

func init() {
	monitoring.Setup("error", true, nil)
}

type fakeLink struct {
	mu   sync.Mutex
	sent []telemetry.Command
	err  error
}

func (f *fakeLink) Send(c telemetry.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, c)
	return nil
}

type harness struct {
	c     *Controller
	link  *fakeLink
	clock *timeutil.MockClock
}

func newHarness(t *testing.T, names []string, tasks ...string) *harness {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	cell := vehicle.NewCell(acID)
	cell.Update(func(s *vehicle.State) {
		s.Position = r3.Vec{X: 1, Y: 2, Z: 2}
		s.Initialized = true
	})
	link := &fakeLink{}
	c := New(cell, link, settings.NewRegistry(names), clock, DefaultParams())
	c.AssignProperties()

	var plan mission.Plan
	for _, name := range tasks {
		plan = append(plan, mission.NewPhase(name, 600*time.Second))
	}
	require.NoError(t, c.Assign(plan))
	return &harness{c: c, link: link, clock: clock}
}

func (h *harness) tick(t *testing.T) TickResult {
	t.Helper()
	res, err := h.c.Tick(context.Background())
	require.NoError(t, err)
	return res
}

func (h *harness) move(pos r3.Vec) {
	h.c.Cell().Update(func(s *vehicle.State) { s.Position = pos })
}

func settingsOf(cmds []telemetry.Command) []telemetry.DLSetting {
	var out []telemetry.DLSetting
	for _, c := range cmds {
		if s, ok := c.(telemetry.DLSetting); ok {
			out = append(out, s)
		}
	}
	return out
}

func jumpsOf(cmds []telemetry.Command) []int {
	var out []int
	for _, c := range cmds {
		if j, ok := c.(telemetry.JumpToBlock); ok {
			out = append(out, j.Block)
		}
	}
	return out
}

func TestTickSkipsUninitialized(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "circle")
	h.c.Cell().Update(func(s *vehicle.State) { s.Initialized = false })

	res := h.tick(t)
	assert.True(t, res.Skipped)
	assert.Empty(t, h.link.sent)
}

func TestTickExhaustedPlan(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "land")
	require.NoError(t, h.c.Assign(mission.Plan{mission.NewPhase("land", time.Second)}))
	h.tick(t)
	h.link.sent = nil

	h.clock.Advance(2 * time.Second)
	res, err := h.c.Tick(context.Background())
	assert.ErrorIs(t, err, mission.ErrPlanExhausted)
	assert.Empty(t, res.Commands)
	assert.Empty(t, h.link.sent)

	// the last task is not repeated
	h.clock.Advance(10 * time.Second)
	_, err = h.c.Tick(context.Background())
	assert.ErrorIs(t, err, mission.ErrPlanExhausted)
	assert.Empty(t, h.link.sent)

	require.NoError(t, h.c.Assign(mission.Plan{mission.NewPhase("land", time.Second)}))
	res = h.tick(t)
	assert.Equal(t, []int{mission.BlockLand}, jumpsOf(res.Commands))
}

func TestTickCancelledContext(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "circle")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.c.Tick(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.link.sent)
}

func TestMorphOnce(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "morph")

	res := h.tick(t)
	assert.Equal(t, []telemetry.DLSetting{{AcID: acID, Index: idxMorph, Value: 1}}, settingsOf(res.Commands))
	assert.Equal(t, 1.0, res.State.Morph)
	assert.Nil(t, res.Setpoint)

	res = h.tick(t)
	assert.Empty(t, res.Commands)
	assert.True(t, h.c.Status().Morphed)
}

func TestTakeoffSequencesWithoutSleeping(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "takeoff")

	res := h.tick(t)
	assert.Equal(t, []int{2}, jumpsOf(res.Commands))

	h.clock.Advance(200 * time.Millisecond)
	res = h.tick(t)
	assert.Empty(t, res.Commands)

	h.clock.Advance(400 * time.Millisecond)
	res = h.tick(t)
	assert.Equal(t, []int{3}, jumpsOf(res.Commands))

	h.clock.Advance(time.Second)
	res = h.tick(t)
	assert.Empty(t, res.Commands)
	assert.Empty(t, h.clock.Sleeps())
	assert.True(t, h.c.Status().TookOff)
}

func TestBatteryOverrideThreshold(t *testing.T) {
	tests := []struct {
		voltage  float64
		override bool
	}{
		{9.0, true},
		{9.49, true},
		{9.5, false},
		{12.0, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.2fV", tt.voltage), func(t *testing.T) {
			h := newHarness(t, settings.DefaultNames, "circle")
			h.move(r3.Vec{X: 1.5, Y: 2, Z: 2})
			h.c.Cell().Update(func(s *vehicle.State) { s.BatteryVoltage = tt.voltage })

			res := h.tick(t)
			assert.Equal(t, tt.override, res.BatteryOverride)
			assert.Equal(t, "circle", res.Phase)
			if tt.override {
				assert.Equal(t, []int{mission.BlockLand}, jumpsOf(res.Commands))
				assert.Nil(t, res.Setpoint)
			} else {
				assert.Empty(t, jumpsOf(res.Commands))
				assert.NotNil(t, res.Setpoint, "circle keeps flying")
			}
		})
	}
}

func TestBatteryOverrideLandsOnce(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "circle")
	h.c.Cell().Update(func(s *vehicle.State) { s.BatteryVoltage = 9.0 })

	res := h.tick(t)
	assert.True(t, res.BatteryOverride)
	assert.Equal(t, "circle", res.Phase)
	assert.Equal(t, []int{mission.BlockLand}, jumpsOf(res.Commands))
	assert.Nil(t, res.Setpoint, "no circle setpoint while landing")

	res = h.tick(t)
	assert.Empty(t, res.Commands)
}

func TestCircleFollowsHeadingWithFences(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "circle")
	h.move(r3.Vec{X: 1.5, Y: 2, Z: 2})

	res := h.tick(t)
	require.NotNil(t, res.Setpoint)
	assert.Equal(t, 0, res.Setpoint.Flag)
	assert.Equal(t, 2.0, res.Setpoint.Z)

	p := DefaultParams()
	ellipse := guidance.Ellipse{Center: r3.Vec{X: 1, Y: 2}, A: 1.1, B: 1.1, Gain: p.EllipseGain, Direction: 1}
	pos := r3.Vec{X: 1.5, Y: 2, Z: 2}
	path := r3.Scale(p.CircleSpeed, ellipse.Velocity(pos))
	desired := p.Generator().DesiredVelocity(pos, pos, nil, path)
	assert.InDelta(t, 1.6*desired.X, res.Setpoint.X, 1e-9)
	assert.InDelta(t, 1.6*desired.Y, res.Setpoint.Y, 1e-9)

	heading := settingsOf(res.Commands)
	require.Len(t, heading, 1)
	assert.Equal(t, idxNavHeading, heading[0].Index)
	assert.InDelta(t, guidance.HeadingOf(desired)*settings.HeadingScale, heading[0].Value, 1e-9)
}

func TestFollowPathPlanIsPathOnly(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "follow_path_plan")
	pos := r3.Vec{X: 1, Y: 3.5, Z: 2}
	h.move(pos)
	h.c.Cell().Update(func(s *vehicle.State) { s.Velocity = r3.Vec{X: 0.1} })

	res := h.tick(t)
	require.NotNil(t, res.Setpoint)

	p := DefaultParams()
	ellipse := guidance.Ellipse{Center: r3.Vec{X: 1, Y: 2}, A: 1.1, B: 1.1, Gain: p.EllipseGain, Direction: 1}
	path := r3.Scale(p.CircleSpeed, ellipse.Velocity(pos))
	assert.InDelta(t, 1.6*(path.X-0.1), res.Setpoint.X, 1e-9)
	assert.InDelta(t, 1.6*path.Y, res.Setpoint.Y, 1e-9)
	assert.Empty(t, settingsOf(res.Commands), "no heading follow")
}

func TestParametricAdvancesPathParameter(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "parametric_circle")
	h.c.SetPathParameter(30)

	pos := r3.Vec{X: 1, Y: 2, Z: 2}
	_, uw := DefaultParametric().Velocity(pos, 30)

	res := h.tick(t)
	require.NotNil(t, res.Setpoint)
	assert.Equal(t, 1, res.Setpoint.Flag)
	assert.InDelta(t, 30-uw*0.1, h.c.PathParameter(), 1e-12)
	assert.NotEqual(t, 30.0, h.c.PathParameter())
}

func TestNav2LandJumpsAfterDelayOnce(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "nav2land")

	res := h.tick(t)
	require.NotNil(t, res.Setpoint)
	assert.Equal(t, 2.0, res.Setpoint.Z)
	assert.Empty(t, jumpsOf(res.Commands))

	h.clock.Advance(3 * time.Second)
	res = h.tick(t)
	assert.Empty(t, jumpsOf(res.Commands))

	h.clock.Advance(100 * time.Millisecond)
	res = h.tick(t)
	assert.Equal(t, []int{mission.BlockLandApproach}, jumpsOf(res.Commands))

	h.clock.Advance(100 * time.Millisecond)
	res = h.tick(t)
	assert.Empty(t, jumpsOf(res.Commands))
	assert.NotNil(t, res.Setpoint, "approach setpoints continue")
}

func TestSafeLandUsesInitialPositionForFence(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "safe2land")
	live := r3.Vec{X: 4, Y: -3, Z: 2.5}
	h.move(live)

	res := h.tick(t)
	require.NotNil(t, res.Setpoint)

	p := DefaultParams()
	want := p.Generator().Fence.Velocity(r3.Vec{X: 1, Y: 2, Z: 2})
	assert.InDelta(t, 1.6*want.X, res.Setpoint.X, 1e-9)
	assert.InDelta(t, 1.6*want.Y, res.Setpoint.Y, 1e-9)
	assert.Equal(t, 2.0, res.Setpoint.Z)
}

func TestMotorFaultAndResurrect(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "M6_fault", "Resurrect7")
	require.NoError(t, h.c.Assign(mission.Plan{
		mission.NewPhase("M6_fault", time.Second),
		mission.NewPhase("Resurrect7", time.Second),
	}))

	res := h.tick(t)
	assert.Equal(t, []telemetry.DLSetting{{AcID: acID, Index: idxM6, Value: 0}}, settingsOf(res.Commands))
	assert.True(t, res.State.Fault)
	assert.Equal(t, 0.0, res.State.Effectiveness[5])

	res = h.tick(t)
	assert.Empty(t, res.Commands, "fail is a no-op while faulted")

	h.clock.Advance(1500 * time.Millisecond)
	res = h.tick(t)
	assert.Equal(t, "Resurrect7", res.Phase)
	writes := settingsOf(res.Commands)
	require.Len(t, writes, 6)
	for i, w := range writes {
		assert.Equal(t, idxM1+i, w.Index)
		assert.Equal(t, 1.0, w.Value)
	}
	assert.False(t, res.State.Fault)

	res = h.tick(t)
	assert.Empty(t, res.Commands, "nothing to resurrect")
}

func TestUnknownSettingIsTolerated(t *testing.T) {
	h := newHarness(t, []string{"telemetry_mode", "ap_mode", "nav_heading", "morph_common", "M1"}, "M6_fault")

	res, err := h.c.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Commands)
	assert.Len(t, res.Actions, 1)
}

func TestHoverSweepWindows(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "Explore_robustness_hover_step")

	// reset window
	res := h.tick(t)
	assert.Equal(t, []faultseq.Kind{faultseq.MorphTo, faultseq.ResetMotors}, kinds(res.Actions))
	assert.Len(t, settingsOf(res.Commands), 7)
	assert.Nil(t, res.Setpoint, "hover sweeps leave position to the autopilot")

	// first morph window [2s, 7s)
	h.clock.Advance(2500 * time.Millisecond)
	res = h.tick(t)
	assert.Equal(t, []telemetry.DLSetting{{AcID: acID, Index: idxMorph, Value: 1}}, settingsOf(res.Commands))

	// fail window [7s, 22s)
	h.clock.Advance(5 * time.Second)
	res = h.tick(t)
	assert.Equal(t, []telemetry.DLSetting{{AcID: acID, Index: idxM6, Value: 0}}, settingsOf(res.Commands))
	assert.True(t, res.State.Fault)

	h.clock.Advance(time.Second)
	res = h.tick(t)
	assert.Empty(t, res.Commands)

	// recovery window [22s, 30s)
	h.clock.Advance(14 * time.Second)
	res = h.tick(t)
	assert.Equal(t, []telemetry.DLSetting{{AcID: acID, Index: idxM6, Value: 1}}, settingsOf(res.Commands))
	assert.False(t, res.State.Fault)

	// second phase morphs to 0.8
	h.clock.Advance(8 * time.Second)
	res = h.tick(t)
	assert.Equal(t, []telemetry.DLSetting{{AcID: acID, Index: idxMorph, Value: 0.8}}, settingsOf(res.Commands))
}

func TestHoverSweepInterlockOverrides(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "Explore_robustness_hover_step")
	h.tick(t)

	// second phase morph window, then drift 3 m away
	h.clock.Advance(31 * time.Second)
	h.move(r3.Vec{X: 4, Y: 2, Z: 2})
	res := h.tick(t)

	writes := settingsOf(res.Commands)
	require.Len(t, writes, 2)
	assert.Equal(t, 0.8, writes[0].Value)
	assert.Equal(t, 1.0, writes[1].Value, "interlock wins")
	assert.Equal(t, 1.0, res.State.Morph)
}

func TestCircleSweepFollowsCircleAtFourMetres(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "Explore_robustness_circle_step")
	h.move(r3.Vec{X: 1, Y: 3.1, Z: 2})

	res := h.tick(t)
	require.NotNil(t, res.Setpoint)
	assert.Equal(t, 4.0, res.Setpoint.Z)
	assert.Equal(t, 0, res.Setpoint.Flag)
}

func TestRobustnessRampWalksMorphDown(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "Explore_robustness")

	h.tick(t)
	res := h.tick(t)
	assert.InDelta(t, -0.01, res.State.Morph, 1e-12)

	h.c.Cell().Update(func(s *vehicle.State) { s.SetEuler(vehicle.Euler{Yaw: 2}) })
	res = h.tick(t)
	assert.Equal(t, 1.0, res.State.Morph, "heading error trips the interlock")
}

func TestDebugSpinWraps(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "debug_mode")

	res := h.tick(t)
	writes := settingsOf(res.Commands)
	require.Len(t, writes, 1)
	assert.InDelta(t, 0.01*settings.HeadingScale, writes[0].Value, 1e-9)

	h.c.mu.Lock()
	h.c.heading = 3.14
	h.c.mu.Unlock()
	h.tick(t)
	assert.Equal(t, -3.14, h.c.Status().DesiredHeading)
}

func TestUnknownTaskIsNoop(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "kill")
	res := h.tick(t)
	assert.Equal(t, "kill", res.Phase)
	assert.Empty(t, res.Commands)
	assert.Nil(t, res.Setpoint)
}

func TestPeersRepel(t *testing.T) {
	alone := newHarness(t, settings.DefaultNames, "safe2land")
	crowded := newHarness(t, settings.DefaultNames, "safe2land")

	m := belief.NewMap()
	m.Update(acID, r3.Vec{X: 1, Y: 2, Z: 2}, epoch)
	m.Update(24, r3.Vec{X: 1.5, Y: 2, Z: 2}, epoch)
	crowded.c.Observe(m)

	a := alone.tick(t)
	b := crowded.tick(t)
	require.NotNil(t, a.Setpoint)
	require.NotNil(t, b.Setpoint)
	assert.Less(t, b.Setpoint.X, a.Setpoint.X, "peer to the north pushes south")
}

func TestLinkErrorIsReturned(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "M1_fault")
	boom := errors.New("link down")
	h.link.err = boom

	res, err := h.c.Tick(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, res.Commands)
	assert.True(t, res.State.Fault, "state follows the sequencer even when the write is lost")

	_, ok := h.c.Settings().Get("M1")
	assert.False(t, ok)
}

func TestAssignClearsLatches(t *testing.T) {
	h := newHarness(t, settings.DefaultNames, "land")
	h.tick(t)
	assert.True(t, h.c.Status().Landed)

	require.NoError(t, h.c.Assign(mission.Plan{mission.NewPhase("land", time.Second)}))
	assert.False(t, h.c.Status().Landed)
	res := h.tick(t)
	assert.Equal(t, []int{mission.BlockLand}, jumpsOf(res.Commands))
}

func kinds(acts []faultseq.Action) []faultseq.Kind {
	out := make([]faultseq.Kind, len(acts))
	for i, a := range acts {
		out[i] = a.Kind
	}
	return out
}
