package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/missionctl/internal/control"
	"github.com/banshee-data/missionctl/internal/fleet"
	"github.com/banshee-data/missionctl/internal/mission"
	"github.com/banshee-data/missionctl/internal/serialmux"
	"github.com/banshee-data/missionctl/internal/settings"
)

// DefaultConfigPath is the canonical mission defaults file.
const DefaultConfigPath = "config/mission.defaults.json"

const maxFileSize = 1 * 1024 * 1024

// PlanEntry is one phase of a plan as written in the config file.
type PlanEntry struct {
	Task     string `json:"task"`
	Duration string `json:"duration"`
}

// MissionConfig is the mission file. Every field is optional; the Get*
// methods fall back to the stock values for anything left out.
type MissionConfig struct {
	AircraftIDs []int    `json:"ac_ids,omitempty"`
	Settings    []string `json:"settings,omitempty"`

	TickPeriod *string `json:"tick_period,omitempty"` // duration string like "90ms"
	// Settle is how long telemetry is collected before the start poses are
	// captured.
	Settle *string `json:"settle,omitempty"`

	Plan          []PlanEntry `json:"plan,omitempty"`
	ShutdownPlan  []PlanEntry `json:"shutdown_plan,omitempty"`
	ShutdownTicks *int        `json:"shutdown_ticks,omitempty"`
	ShutdownGap   *string     `json:"shutdown_gap,omitempty"`

	// Guidance
	Gain          *float64    `json:"gain,omitempty"`
	PeerStrength  *float64    `json:"peer_strength,omitempty"`
	FenceCenter   *[3]float64 `json:"fence_center,omitempty"`
	FenceStrength *float64    `json:"fence_strength,omitempty"`
	CircleSpeed   *float64    `json:"circle_speed,omitempty"`
	CircleRadius  *float64    `json:"circle_radius,omitempty"`
	EllipseGain   *float64    `json:"ellipse_gain,omitempty"`
	BatteryMin    *float64    `json:"battery_min,omitempty"`

	Serial       *serialmux.PortOptions `json:"serial,omitempty"`
	RecorderPath *string                `json:"recorder_path,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// LoadMissionConfig reads and validates a mission file. It must be a .json
// file under 1 MiB.
func LoadMissionConfig(path string) (*MissionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &MissionConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory
// or one of its parents. It panics on failure and is meant for tests.
func MustLoadDefaultConfig() *MissionConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadMissionConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *MissionConfig) Validate() error {
	seen := make(map[int]bool, len(c.AircraftIDs))
	for _, id := range c.AircraftIDs {
		if id <= 0 || id > 255 {
			return fmt.Errorf("ac_ids: %d is not a valid aircraft id", id)
		}
		if seen[id] {
			return fmt.Errorf("ac_ids: %d listed twice", id)
		}
		seen[id] = true
	}

	for name, d := range map[string]*string{
		"tick_period":  c.TickPeriod,
		"settle":       c.Settle,
		"shutdown_gap": c.ShutdownGap,
	} {
		if d == nil || *d == "" {
			continue
		}
		v, err := time.ParseDuration(*d)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, v)
		}
	}
	if c.TickPeriod != nil && *c.TickPeriod != "" {
		if d, _ := time.ParseDuration(*c.TickPeriod); d == 0 {
			return errors.New("tick_period must be positive")
		}
	}

	if _, err := buildPlan("plan", c.Plan); err != nil {
		return err
	}
	if _, err := buildPlan("shutdown_plan", c.ShutdownPlan); err != nil {
		return err
	}
	if c.ShutdownTicks != nil && *c.ShutdownTicks < 0 {
		return fmt.Errorf("shutdown_ticks must be non-negative, got %d", *c.ShutdownTicks)
	}
	if fc := c.GetFleetConfig(); !landsSafely(fc) {
		return fmt.Errorf("shutdown_plan %s never reaches safe2land within %d ticks %s apart",
			fc.ShutdownPlan, fc.ShutdownTicks, fc.ShutdownGap)
	}

	if c.Gain != nil && *c.Gain <= 0 {
		return fmt.Errorf("gain must be positive, got %f", *c.Gain)
	}
	if c.CircleRadius != nil && *c.CircleRadius <= 0 {
		return fmt.Errorf("circle_radius must be positive, got %f", *c.CircleRadius)
	}
	if c.FenceStrength != nil && *c.FenceStrength > 0 {
		return fmt.Errorf("fence_strength must be zero or negative to pull inwards, got %f", *c.FenceStrength)
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	return nil
}

func buildPlan(field string, entries []PlanEntry) (mission.Plan, error) {
	plan := make(mission.Plan, 0, len(entries))
	for i, e := range entries {
		if e.Task == "" {
			return nil, fmt.Errorf("%s[%d]: task is required", field, i)
		}
		d, err := time.ParseDuration(e.Duration)
		if err != nil {
			return nil, fmt.Errorf("%s[%d] %s: invalid duration %q: %w", field, i, e.Task, e.Duration, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s[%d] %s: duration must be positive", field, i, e.Task)
		}
		plan = append(plan, mission.NewPhase(e.Task, d))
	}
	return plan, nil
}

func landsSafely(fc fleet.Config) bool {
	_, ok := fc.SafeLandingTick()
	return ok
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// DefaultPlan takes off, circles, flies the parametric path and lands.
func DefaultPlan() mission.Plan {
	return mission.Plan{
		mission.NewPhase("takeoff", 20*time.Second),
		mission.NewPhase("circle", 15*time.Second),
		mission.NewPhase("parametric_circle", 15*time.Second),
		mission.NewPhase("nav2land", 5*time.Second),
		mission.NewPhase("land", 10*time.Second),
	}
}

// GetAircraftIDs returns the roster, defaulting to the single bench
// airframe.
func (c *MissionConfig) GetAircraftIDs() []int {
	if len(c.AircraftIDs) == 0 {
		return []int{42}
	}
	return append([]int(nil), c.AircraftIDs...)
}

// GetSettings returns the settings channel names in index order.
func (c *MissionConfig) GetSettings() []string {
	if len(c.Settings) == 0 {
		return append([]string(nil), settings.DefaultNames...)
	}
	return append([]string(nil), c.Settings...)
}

func (c *MissionConfig) GetTickPeriod() time.Duration {
	return durationOr(c.TickPeriod, 90*time.Millisecond)
}

func (c *MissionConfig) GetSettle() time.Duration {
	return durationOr(c.Settle, 1500*time.Millisecond)
}

// GetPlan returns the mission plan. Validate has already rejected bad
// entries, so a parse failure here falls back to DefaultPlan.
func (c *MissionConfig) GetPlan() mission.Plan {
	if len(c.Plan) == 0 {
		return DefaultPlan()
	}
	plan, err := buildPlan("plan", c.Plan)
	if err != nil {
		return DefaultPlan()
	}
	return plan
}

// GetFleetConfig returns the loop timing and shutdown plan.
func (c *MissionConfig) GetFleetConfig() fleet.Config {
	cfg := fleet.DefaultConfig()
	cfg.Period = c.GetTickPeriod()
	if len(c.ShutdownPlan) > 0 {
		if plan, err := buildPlan("shutdown_plan", c.ShutdownPlan); err == nil {
			cfg.ShutdownPlan = plan
		}
	}
	if c.ShutdownTicks != nil {
		cfg.ShutdownTicks = *c.ShutdownTicks
	}
	cfg.ShutdownGap = durationOr(c.ShutdownGap, cfg.ShutdownGap)
	return cfg
}

// GetParams returns the guidance gains and limits.
func (c *MissionConfig) GetParams() control.Params {
	p := control.DefaultParams()
	p.Gain = floatOr(c.Gain, p.Gain)
	p.PeerStrength = floatOr(c.PeerStrength, p.PeerStrength)
	p.FenceStrength = floatOr(c.FenceStrength, p.FenceStrength)
	p.CircleSpeed = floatOr(c.CircleSpeed, p.CircleSpeed)
	p.CircleRadius = floatOr(c.CircleRadius, p.CircleRadius)
	p.EllipseGain = floatOr(c.EllipseGain, p.EllipseGain)
	p.BatteryMin = floatOr(c.BatteryMin, p.BatteryMin)
	if c.FenceCenter != nil {
		p.FenceCenter = r3.Vec{X: c.FenceCenter[0], Y: c.FenceCenter[1], Z: c.FenceCenter[2]}
	}
	return p
}

// GetSerial returns the normalised serial options.
func (c *MissionConfig) GetSerial() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	n, err := opts.Normalize()
	if err != nil {
		n, _ = serialmux.PortOptions{}.Normalize()
	}
	return n
}

func (c *MissionConfig) GetRecorderPath() string {
	if c.RecorderPath == nil {
		return "flightlog.db"
	}
	return *c.RecorderPath
}
