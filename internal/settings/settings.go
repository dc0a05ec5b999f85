// Package settings maps named aircraft settings onto the indexed DL_SETTING
// channel and mirrors the last value written to each.
package settings

import (
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/missionctl/internal/telemetry"
)

// ErrUnknownSetting is returned when a name is not in the registry. Callers
// log it and carry on: not every airframe exposes every motor.
var ErrUnknownSetting = errors.New("unknown setting")

// Well-known channel names.
const (
	NavHeading  = "nav_heading"
	MorphCommon = "morph_common"
)

// HeadingScale converts radians to the autopilot's heading fixed point.
const HeadingScale = 1 << 12

// DefaultNames is the settings layout of the stock morphing airframe.
var DefaultNames = []string{
	"telemetry_mode",
	"ap_mode",
	"nav_heading",
	"morph_common",
	"M1", "M2", "M3", "M4", "M5", "M6",
}

// Registry assigns each setting name its channel index. Indices follow the
// order the names were given in.
type Registry struct {
	names []string
	index map[string]int
}

// NewRegistry builds a registry. Duplicate names keep their first index.
func NewRegistry(names []string) *Registry {
	r := &Registry{index: make(map[string]int, len(names))}
	for i, n := range names {
		if _, dup := r.index[n]; dup {
			continue
		}
		r.index[n] = i
		r.names = append(r.names, n)
	}
	return r
}

// Index returns the channel index of name.
func (r *Registry) Index(name string) (int, error) {
	i, ok := r.index[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSetting, name)
	}
	return i, nil
}

// Names returns the known names in index order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Channel writes settings for one aircraft.
type Channel struct {
	acID   int
	reg    *Registry
	sender telemetry.Sender

	mu     sync.Mutex
	values map[string]float64
}

// NewChannel binds a registry and sender to an aircraft.
func NewChannel(acID int, reg *Registry, sender telemetry.Sender) *Channel {
	return &Channel{acID: acID, reg: reg, sender: sender, values: make(map[string]float64)}
}

// Set sends value to the named setting and mirrors it locally on success.
func (c *Channel) Set(name string, value float64) error {
	idx, err := c.reg.Index(name)
	if err != nil {
		return err
	}
	cmd := telemetry.DLSetting{AcID: c.acID, Index: idx, Value: value}
	if err := c.sender.Send(cmd); err != nil {
		return fmt.Errorf("set %s on %d: %w", name, c.acID, err)
	}
	c.mu.Lock()
	c.values[name] = value
	c.mu.Unlock()
	return nil
}

// Get returns the last value written to name.
func (c *Channel) Get(name string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[name]
	return v, ok
}

// SetHeading writes a heading in radians through the fixed-point channel.
func (c *Channel) SetHeading(rad float64) error {
	return c.Set(NavHeading, rad*HeadingScale)
}
