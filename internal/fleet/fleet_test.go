package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/missionctl/internal/control"
	"github.com/banshee-data/missionctl/internal/mission"
	"github.com/banshee-data/missionctl/internal/monitoring"
	"github.com/banshee-data/missionctl/internal/settings"
	"github.com/banshee-data/missionctl/internal/telemetry"
	"github.com/banshee-data/missionctl/internal/timeutil"
	"github.com/banshee-data/missionctl/internal/vehicle"
)

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

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

func (f *fakeLink) commands() []telemetry.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]telemetry.Command(nil), f.sent...)
}

type fakeRecorder struct {
	mu        sync.Mutex
	telemetry []telemetry.Message
	ticks     []control.TickResult
}

func (r *fakeRecorder) RecordTelemetry(msg telemetry.Message, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telemetry = append(r.telemetry, msg)
	return nil
}

func (r *fakeRecorder) RecordTick(res control.TickResult, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, res)
	return nil
}

type testFleet struct {
	mc    *MissionControl
	clock *timeutil.MockClock
	link  *fakeLink
	rec   *fakeRecorder
}

func newTestFleet(t *testing.T, ids ...int) *testFleet {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	link := &fakeLink{}
	rec := &fakeRecorder{}
	mc := New(Config{}, WithClock(clock), WithRecorder(rec))
	reg := settings.NewRegistry(settings.DefaultNames)
	for _, id := range ids {
		c := control.New(vehicle.NewCell(id), link, reg, clock, control.DefaultParams())
		require.NoError(t, mc.Add(c))
	}
	return &testFleet{mc: mc, clock: clock, link: link, rec: rec}
}

func (f *testFleet) report(id int, pos r3.Vec) {
	f.mc.Ingest(telemetry.RotorcraftFP{AcID: id, Position: pos})
}

func plan(names ...string) mission.Plan {
	var p mission.Plan
	for _, n := range names {
		p = append(p, mission.NewPhase(n, 600*time.Second))
	}
	return p
}

func TestAddRejectsDuplicate(t *testing.T) {
	f := newTestFleet(t, 1, 2)
	c := control.New(vehicle.NewCell(2), f.link, settings.NewRegistry(nil), f.clock, control.DefaultParams())

	err := f.mc.Add(c)
	assert.ErrorIs(t, err, ErrDuplicateVehicle)
	assert.Len(t, f.mc.Controllers(), 2)
}

func TestIngestUpdatesCellAndBelief(t *testing.T) {
	f := newTestFleet(t, 1, 2)

	ok := f.mc.Ingest(telemetry.RotorcraftFP{AcID: 1, Position: r3.Vec{X: 1, Y: 2, Z: 3}})
	require.True(t, ok)
	f.mc.Ingest(telemetry.Energy{AcID: 1, Voltage: 11.2})

	c, _ := f.mc.Controller(1)
	st := c.Cell().Snapshot()
	assert.True(t, st.Initialized)
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, st.Position)
	assert.Equal(t, 11.2, st.BatteryVoltage)
	assert.Equal(t, epoch, st.LastUpdate)

	e, ok := f.mc.Belief().Get(1)
	require.True(t, ok)
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, e.Position)
	// ENERGY carries no pose
	assert.Equal(t, 1, f.mc.Belief().Len())
	assert.Len(t, f.rec.telemetry, 2)
}

func TestIngestUnknownAircraft(t *testing.T) {
	f := newTestFleet(t, 1)

	assert.False(t, f.mc.Ingest(telemetry.RotorcraftFP{AcID: 9, Position: r3.Vec{X: 1}}))
	assert.Equal(t, 0, f.mc.Belief().Len())
	assert.Empty(t, f.rec.telemetry)
}

func TestHandleLine(t *testing.T) {
	f := newTestFleet(t, 4)

	line := telemetry.RotorcraftFP{AcID: 4, Position: r3.Vec{X: 2, Y: -1, Z: 1.5}}.Encode()
	require.NoError(t, f.mc.HandleLine(line))
	c, _ := f.mc.Controller(4)
	assert.InDelta(t, 2, c.Cell().Snapshot().Position.X, 1e-2)

	assert.NoError(t, f.mc.HandleLine("4 ALIVE 1 2 3"), "unused messages are ignored")
	assert.ErrorIs(t, f.mc.HandleLine("4 ENERGY"), telemetry.ErrMalformed)
}

type lineSource struct {
	ch           chan string
	unsubscribed chan string
}

func (s *lineSource) Subscribe() (string, chan string) { return "sub", s.ch }
func (s *lineSource) Unsubscribe(id string)            { s.unsubscribed <- id }

func TestListen(t *testing.T) {
	f := newTestFleet(t, 5)
	src := &lineSource{ch: make(chan string, 4), unsubscribed: make(chan string, 1)}
	src.ch <- telemetry.Energy{AcID: 5, Voltage: 10.5}.Encode()
	src.ch <- "garbage"
	src.ch <- telemetry.RotorcraftFP{AcID: 5, Position: r3.Vec{Z: 1}}.Encode()
	close(src.ch)

	f.mc.Listen(context.Background(), src)

	assert.Equal(t, "sub", <-src.unsubscribed)
	c, _ := f.mc.Controller(5)
	st := c.Cell().Snapshot()
	assert.Equal(t, 10.5, st.BatteryVoltage)
	assert.True(t, st.Initialized)
}

func TestListenStopsOnCancel(t *testing.T) {
	f := newTestFleet(t, 5)
	src := &lineSource{ch: make(chan string), unsubscribed: make(chan string, 1)}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.mc.Listen(ctx, src)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestAssignSeedsPathParameters(t *testing.T) {
	f := newTestFleet(t, 7, 3, 5)

	require.NoError(t, f.mc.Assign(plan("parametric_circle")))

	var got []float64
	for _, c := range f.mc.Controllers() {
		got = append(got, c.PathParameter())
	}
	if diff := cmp.Diff([]float64{90, 60, 30}, got); diff != "" {
		t.Errorf("path parameters mismatch (-want +got):\n%s", diff)
	}
}

func TestAssignEmptyPlan(t *testing.T) {
	f := newTestFleet(t, 1)
	assert.ErrorIs(t, f.mc.Assign(nil), mission.ErrEmptyPlan)
}

func TestRunOnceTicksInRosterOrder(t *testing.T) {
	f := newTestFleet(t, 2, 1)
	f.report(1, r3.Vec{Z: 1})
	f.report(2, r3.Vec{X: 3, Z: 1})
	require.NoError(t, f.mc.Assign(plan("land")))

	results, err := f.mc.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[0].AcID)
	assert.Equal(t, 1, results[1].AcID)

	var ids []int
	for _, cmd := range f.link.commands() {
		require.IsType(t, telemetry.JumpToBlock{}, cmd)
		ids = append(ids, cmd.AircraftID())
	}
	assert.Equal(t, []int{2, 1}, ids)
	assert.Len(t, f.rec.ticks, 2)
}

func TestRunOnceSkipsSilentAircraft(t *testing.T) {
	f := newTestFleet(t, 1, 2)
	f.report(1, r3.Vec{Z: 1})
	require.NoError(t, f.mc.Assign(plan("land")))

	results, err := f.mc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, results[0].Skipped)
	assert.True(t, results[1].Skipped)
	assert.Len(t, f.link.commands(), 1)
	assert.Len(t, f.rec.ticks, 1, "skipped ticks are not recorded")
}

func TestRunOnceExhaustedIsNotAnError(t *testing.T) {
	f := newTestFleet(t, 1)
	f.report(1, r3.Vec{Z: 1})
	require.NoError(t, f.mc.Assign(mission.Plan{mission.NewPhase("land", time.Second)}))

	_, err := f.mc.RunOnce(context.Background())
	require.NoError(t, err)
	f.clock.Advance(2 * time.Second)

	results, err := f.mc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results[0].Commands)
}

func TestRunOnceReturnsLinkErrors(t *testing.T) {
	f := newTestFleet(t, 1, 2)
	f.report(1, r3.Vec{Z: 1})
	f.report(2, r3.Vec{Z: 1})
	require.NoError(t, f.mc.Assign(plan("land")))
	linkDown := errors.New("link down")
	f.link.err = linkDown

	results, err := f.mc.RunOnce(context.Background())
	assert.ErrorIs(t, err, linkDown)
	assert.Len(t, results, 2, "a failing aircraft does not stop the others")
}

func TestRunOncePeersFromBelief(t *testing.T) {
	f := newTestFleet(t, 1, 2)
	f.report(1, r3.Vec{X: 0, Z: 1})
	f.report(2, r3.Vec{X: 0.5, Z: 1})
	require.NoError(t, f.mc.Assign(plan("nav2land")))

	results, err := f.mc.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, results[0].Setpoint)
	require.NotNil(t, results[1].Setpoint)
	// each is pushed away from the other along X
	assert.Less(t, results[0].Setpoint.X, 0.0)
	assert.Greater(t, results[1].Setpoint.X, 0.0)
}

func TestRunLandsOnCancel(t *testing.T) {
	f := newTestFleet(t, 1)
	f.report(1, r3.Vec{Z: 1})
	require.NoError(t, f.mc.Assign(plan("land")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mc.Run(ctx) }()

	require.Eventually(t, func() bool { return f.clock.TickerCount() == 1 }, 2*time.Second, time.Millisecond)
	f.clock.Advance(90 * time.Millisecond)
	require.Eventually(t, func() bool { return len(f.link.commands()) == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	sleeps := f.clock.Sleeps()
	require.Len(t, sleeps, 10)
	for _, d := range sleeps {
		assert.Equal(t, 500*time.Millisecond, d)
	}
	c, _ := f.mc.Controller(1)
	st := c.Status()
	assert.Equal(t, "safe2land", st.Phase)
	assert.Equal(t, DefaultShutdownPlan().String(), st.Plan.String())
}

func setpointsOf(cmds []telemetry.Command) []telemetry.DesiredSetpoint {
	var out []telemetry.DesiredSetpoint
	for _, c := range cmds {
		if sp, ok := c.(telemetry.DesiredSetpoint); ok {
			out = append(out, sp)
		}
	}
	return out
}

func TestShutdownCommandsSafeLanding(t *testing.T) {
	f := newTestFleet(t, 1)
	f.report(1, r3.Vec{X: 0.5, Y: -0.5, Z: 1.8})
	require.NoError(t, f.mc.Assign(plan("circle")))
	f.mc.AssignProperties()
	before := len(f.link.commands())

	require.NoError(t, f.mc.Shutdown())

	sent := setpointsOf(f.link.commands()[before:])
	// motors reset on tick 0, safe2land from tick 3 (1.5 s) to tick 9
	require.Len(t, sent, 7)
	for _, sp := range sent {
		assert.Equal(t, 1, sp.AcID)
		assert.Equal(t, 0, sp.Setpoint.Flag)
		assert.Equal(t, 2.0, sp.Setpoint.Z)
	}
	c, _ := f.mc.Controller(1)
	assert.Equal(t, "safe2land", c.Status().Phase)
}

func TestSafeLandingTick(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		tick   int
		landed bool
	}{
		{"defaults", Config{}, 3, true},
		{"safe2land only", Config{ShutdownPlan: mission.Plan{mission.NewPhase("safe2land", time.Second)}}, 0, true},
		{
			name: "reset outlasts the window",
			cfg: Config{ShutdownPlan: mission.Plan{
				mission.NewPhase("Resurrect7", 10*time.Second),
				mission.NewPhase("safe2land", 15*time.Second),
			}},
		},
		{"no safe2land", Config{ShutdownPlan: mission.Plan{mission.NewPhase("land", time.Second)}}, 0, false},
		{"few ticks", Config{ShutdownTicks: 3}, 0, false},
		{"longer gap", Config{ShutdownGap: 2 * time.Second}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick, ok := tt.cfg.SafeLandingTick()
			assert.Equal(t, tt.landed, ok)
			assert.Equal(t, tt.tick, tick)
		})
	}
}

func TestShutdownResetsFault(t *testing.T) {
	f := newTestFleet(t, 1)
	f.report(1, r3.Vec{Z: 1})
	require.NoError(t, f.mc.Assign(plan("M3_fault")))
	_, err := f.mc.RunOnce(context.Background())
	require.NoError(t, err)
	c, _ := f.mc.Controller(1)
	require.True(t, c.Cell().Snapshot().Fault)

	require.NoError(t, f.mc.Shutdown())

	st := c.Cell().Snapshot()
	assert.False(t, st.Fault)
	for i, e := range st.Effectiveness {
		assert.Equal(t, 1.0, e, "motor %d", i+1)
	}
}

func localHostRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestFleetAPI(t *testing.T) {
	f := newTestFleet(t, 1, 2)
	f.report(1, r3.Vec{X: 1, Z: 1})
	require.NoError(t, f.mc.Assign(plan("land")))
	mux := http.NewServeMux()
	f.mc.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/api/fleet"))
	require.Equal(t, http.StatusOK, rec.Code)
	var all []control.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&all))
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].AcID)
	assert.Equal(t, 1.0, all[0].State.Position.X)
	assert.Equal(t, 60.0, all[0].PathParameter)
	assert.Equal(t, "land", all[1].Plan[0].Name)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"one", http.MethodGet, "/api/fleet?ac_id=2", http.StatusOK},
		{"missing", http.MethodGet, "/api/fleet?ac_id=9", http.StatusNotFound},
		{"invalid", http.MethodGet, "/api/fleet?ac_id=x", http.StatusBadRequest},
		{"post", http.MethodPost, "/api/fleet", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, localHostRequest(tt.method, tt.path))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestFleetMap(t *testing.T) {
	f := newTestFleet(t, 1, 2)
	f.report(1, r3.Vec{X: 1, Y: -2, Z: 1})
	mux := http.NewServeMux()
	f.mc.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/fleet-map"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rec.Body.String(), "aircraft=2 reporting=1")
}

func TestFleetMapEmpty(t *testing.T) {
	f := newTestFleet(t)
	mux := http.NewServeMux()
	f.mc.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/fleet-map"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleLineMessageFilter(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	mc := New(Config{}, WithClock(clock), WithMessages([]string{telemetry.NameEnergy}))
	c := control.New(vehicle.NewCell(4), &fakeLink{}, settings.NewRegistry(nil), clock, control.DefaultParams())
	require.NoError(t, mc.Add(c))

	require.NoError(t, mc.HandleLine(telemetry.RotorcraftFP{AcID: 4, Position: r3.Vec{X: 2}}.Encode()))
	require.NoError(t, mc.HandleLine(telemetry.Energy{AcID: 4, Voltage: 10}.Encode()))

	st := c.Cell().Snapshot()
	assert.False(t, st.Initialized, "filtered pose was not applied")
	assert.Equal(t, 10.0, st.BatteryVoltage)
}
