// Package fleet runs the control loop of every aircraft of a mission. It
// feeds decoded telemetry into the vehicle cells and the shared belief map,
// and ticks each controller in registration order.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/missionctl/internal/belief"
	"github.com/banshee-data/missionctl/internal/control"
	"github.com/banshee-data/missionctl/internal/mission"
	"github.com/banshee-data/missionctl/internal/monitoring"
	"github.com/banshee-data/missionctl/internal/telemetry"
	"github.com/banshee-data/missionctl/internal/timeutil"
	"github.com/banshee-data/missionctl/internal/vehicle"
)

// ErrDuplicateVehicle is returned by Add for an aircraft id already on the
// roster.
var ErrDuplicateVehicle = errors.New("vehicle already registered")

// PathParameterSpacing separates the path parameters of consecutive
// aircraft on the same parametric path.
const PathParameterSpacing = 30.0

// Recorder persists what the fleet sees and does. The recorder package
// provides the sqlite implementation.
type Recorder interface {
	RecordTelemetry(msg telemetry.Message, at time.Time) error
	RecordTick(res control.TickResult, at time.Time) error
}

// Config holds the loop timing and the plan flown on shutdown.
type Config struct {
	Period        time.Duration
	ShutdownPlan  mission.Plan
	ShutdownTicks int
	ShutdownGap   time.Duration
}

// DefaultShutdownPlan restores the motors then lands where each aircraft
// took off. The reset needs a single tick, so it is kept well inside the
// shutdown window.
func DefaultShutdownPlan() mission.Plan {
	return mission.Plan{
		mission.NewPhase("Resurrect7", time.Second),
		mission.NewPhase("safe2land", 15*time.Second),
	}
}

// DefaultConfig ticks at 90 ms and lands over ten ticks 500 ms apart.
func DefaultConfig() Config {
	return Config{
		Period:        90 * time.Millisecond,
		ShutdownPlan:  DefaultShutdownPlan(),
		ShutdownTicks: 10,
		ShutdownGap:   500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Period <= 0 {
		c.Period = def.Period
	}
	if len(c.ShutdownPlan) == 0 {
		c.ShutdownPlan = def.ShutdownPlan
	}
	if c.ShutdownTicks <= 0 {
		c.ShutdownTicks = def.ShutdownTicks
	}
	if c.ShutdownGap < 0 {
		c.ShutdownGap = def.ShutdownGap
	}
	return c
}

// SafeLandingTick replays the shutdown plan on a mock clock and returns the
// first shutdown tick on which safe2land is active. ok is false when the
// shutdown ticks run out before any safe-landing command would be sent.
func (c Config) SafeLandingTick() (tick int, ok bool) {
	c = c.withDefaults()
	clock := timeutil.NewMockClock(time.Time{})
	sched := mission.NewScheduler(clock)
	if err := sched.Assign(c.ShutdownPlan); err != nil {
		return 0, false
	}
	for i := 0; i < c.ShutdownTicks; i++ {
		phase, _, err := sched.Current()
		if err != nil {
			return 0, false
		}
		if _, land := phase.Task.(mission.SafeLand); land {
			return i, true
		}
		clock.Advance(c.ShutdownGap)
	}
	return 0, false
}

// Option customises a MissionControl.
type Option func(*MissionControl)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c timeutil.Clock) Option {
	return func(m *MissionControl) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithMetrics reports ticks, commands and telemetry to metrics.
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(m *MissionControl) { m.metrics = metrics }
}

// WithRecorder persists telemetry and tick results.
func WithRecorder(r Recorder) Option {
	return func(m *MissionControl) { m.recorder = r }
}

// WithMessages restricts HandleLine to the named message types. An empty
// list accepts every decoded message.
func WithMessages(names []string) Option {
	return func(m *MissionControl) {
		if len(names) == 0 {
			m.accept = nil
			return
		}
		m.accept = make(map[string]bool, len(names))
		for _, n := range names {
			m.accept[n] = true
		}
	}
}

// MissionControl owns the roster of controllers and the belief map they
// share.
type MissionControl struct {
	cfg      Config
	clock    timeutil.Clock
	belief   *belief.Map
	metrics  *monitoring.Metrics
	recorder Recorder
	accept   map[string]bool
	log      zerolog.Logger

	mu          sync.RWMutex
	controllers []*control.Controller
	byID        map[int]*control.Controller

	// tick serialises RunOnce between Run and Shutdown callers.
	tick sync.Mutex
}

// New returns an empty fleet. Zero fields of cfg take their defaults.
func New(cfg Config, opts ...Option) *MissionControl {
	m := &MissionControl{
		cfg:    cfg.withDefaults(),
		clock:  timeutil.RealClock{},
		belief: belief.NewMap(),
		byID:   make(map[int]*control.Controller),
		log:    monitoring.Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if _, ok := m.cfg.SafeLandingTick(); !ok {
		m.log.Warn().Stringer("plan", m.cfg.ShutdownPlan).Int("ticks", m.cfg.ShutdownTicks).
			Dur("gap", m.cfg.ShutdownGap).Msg("shutdown plan never reaches safe2land")
	}
	return m
}

// Add appends a controller to the roster. Registration order is tick
// order and decides path parameter seeding.
func (m *MissionControl) Add(c *control.Controller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[c.ID()]; ok {
		return fmt.Errorf("add aircraft %d: %w", c.ID(), ErrDuplicateVehicle)
	}
	m.controllers = append(m.controllers, c)
	m.byID[c.ID()] = c
	return nil
}

// Controllers returns the roster in registration order.
func (m *MissionControl) Controllers() []*control.Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*control.Controller(nil), m.controllers...)
}

// Controller looks up one aircraft.
func (m *MissionControl) Controller(id int) (*control.Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	return c, ok
}

// Belief is the map of last known positions shared by the fleet.
func (m *MissionControl) Belief() *belief.Map { return m.belief }

// Ingest applies one decoded report to its aircraft and to the belief map.
// Reports about aircraft not on the roster are dropped and false is
// returned. Ingest never touches the schedulers, so it is safe to call from
// the telemetry goroutine while the loop runs.
func (m *MissionControl) Ingest(msg telemetry.Message) bool {
	c, ok := m.Controller(msg.AircraftID())
	if !ok {
		m.log.Debug().Int("ac_id", msg.AircraftID()).Str("msg", msg.Name()).Msg("telemetry for unknown aircraft")
		return false
	}
	now := m.clock.Now()
	st := c.Cell().Update(func(s *vehicle.State) { msg.Apply(s, now) })
	if pos, ok := msg.Pose(); ok {
		m.belief.Update(msg.AircraftID(), pos, now)
	}

	m.metrics.CountTelemetry(msg.Name())
	m.metrics.SetVehicle(st.ID, st.BatteryVoltage, st.Morph, st.Fault)
	if m.recorder != nil {
		if err := m.recorder.RecordTelemetry(msg, now); err != nil {
			m.log.Error().Err(err).Int("ac_id", st.ID).Msg("record telemetry")
		}
	}
	return true
}

// HandleLine decodes one link line and ingests it. Lines of message types
// the fleet does not use, or that WithMessages filtered out, are ignored
// silently.
func (m *MissionControl) HandleLine(line string) error {
	msg, err := telemetry.Decode(line)
	if errors.Is(err, telemetry.ErrUnknownMessage) {
		return nil
	}
	if err != nil {
		m.metrics.CountTelemetry("")
		return err
	}
	if m.accept != nil && !m.accept[msg.Name()] {
		return nil
	}
	m.Ingest(msg)
	return nil
}

// LineSource is a link that fans lines out to subscribers.
type LineSource interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

// Listen ingests every line from src until ctx is done or src closes the
// subscription.
func (m *MissionControl) Listen(ctx context.Context, src LineSource) {
	id, lines := src.Subscribe()
	defer src.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := m.HandleLine(line); err != nil {
				m.log.Debug().Err(err).Str("line", line).Msg("dropped telemetry line")
			}
		}
	}
}

// Assign hands every aircraft its own copy of plan and spaces the path
// parameters so the first aircraft leads.
func (m *MissionControl) Assign(plan mission.Plan) error {
	ctrls := m.Controllers()
	n := len(ctrls)
	for i, c := range ctrls {
		if err := c.Assign(plan); err != nil {
			return fmt.Errorf("assign aircraft %d: %w", c.ID(), err)
		}
		c.SetPathParameter(float64(n-i) * PathParameterSpacing)
	}
	m.log.Info().Int("aircraft", n).Stringer("plan", plan).Msg("mission assigned")
	return nil
}

// AssignProperties captures every aircraft's start pose and lays its paths
// around it. Call it once telemetry has arrived.
func (m *MissionControl) AssignProperties() {
	for _, c := range m.Controllers() {
		c.AssignProperties()
	}
}

// RunOnce ticks every controller once in registration order. Errors other
// than an exhausted plan are logged and returned joined; one failing
// aircraft does not stop the others.
func (m *MissionControl) RunOnce(ctx context.Context) ([]control.TickResult, error) {
	m.tick.Lock()
	defer m.tick.Unlock()

	start := m.clock.Now()
	ctrls := m.Controllers()
	results := make([]control.TickResult, 0, len(ctrls))
	var errs []error
	for _, c := range ctrls {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		c.Observe(m.belief)
		res, err := c.Tick(ctx)
		results = append(results, res)
		m.account(res)
		if err != nil && !errors.Is(err, mission.ErrPlanExhausted) {
			m.log.Error().Err(err).Int("ac_id", c.ID()).Str("task", res.Phase).Msg("tick failed")
			errs = append(errs, err)
		}
	}
	m.metrics.ObserveTick(m.clock.Since(start))
	return results, errors.Join(errs...)
}

func (m *MissionControl) account(res control.TickResult) {
	for _, cmd := range res.Commands {
		m.metrics.CountCommand(cmd.Name())
	}
	for _, act := range res.Actions {
		m.metrics.CountAction(act.Kind.String())
	}
	if res.Skipped {
		return
	}
	m.metrics.SetVehicle(res.AcID, res.State.BatteryVoltage, res.State.Morph, res.State.Fault)
	if m.recorder != nil {
		if err := m.recorder.RecordTick(res, m.clock.Now()); err != nil {
			m.log.Error().Err(err).Int("ac_id", res.AcID).Msg("record tick")
		}
	}
}

// Run ticks the fleet every period until ctx is cancelled, then flies the
// shutdown plan. The caller closes the link after Run returns.
func (m *MissionControl) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.Period)
	defer ticker.Stop()

	m.log.Info().Dur("period", m.cfg.Period).Int("aircraft", len(m.Controllers())).Msg("control loop started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("control loop interrupted, landing fleet")
			return m.Shutdown()
		case <-ticker.C():
			// errors are logged per aircraft in RunOnce
			_, _ = m.RunOnce(ctx)
		}
	}
}

// Shutdown assigns the shutdown plan and ticks it ShutdownTicks times,
// ShutdownGap apart. With the default plan the motors are reset on the first
// tick and every tick from 1.5 s on commands safe2land. It ignores the loop context, which is already done
// when Run calls it.
func (m *MissionControl) Shutdown() error {
	if err := m.Assign(m.cfg.ShutdownPlan); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	ctx := context.Background()
	var errs []error
	for i := 0; i < m.cfg.ShutdownTicks; i++ {
		if _, err := m.RunOnce(ctx); err != nil {
			errs = append(errs, err)
		}
		m.clock.Sleep(m.cfg.ShutdownGap)
	}
	m.log.Info().Msg("shutdown plan sent")
	return errors.Join(errs...)
}

// Status returns the admin view of every aircraft in roster order.
func (m *MissionControl) Status() []control.Status {
	ctrls := m.Controllers()
	out := make([]control.Status, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.Status())
	}
	return out
}
