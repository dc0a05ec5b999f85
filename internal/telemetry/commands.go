package telemetry

import (
	"fmt"
	"strconv"

	"github.com/banshee-data/missionctl/internal/guidance"
)

// DefaultSender names this process on the link.
const DefaultSender = "ground"

// Command names.
const (
	NameDesiredSetpoint = "DESIRED_SETPOINT"
	NameJumpToBlock     = "JUMP_TO_BLOCK"
	NameDLSetting       = "DL_SETTING"
)

// Command is one outbound message.
type Command interface {
	AircraftID() int
	Name() string
	// Encode renders the wire line without a trailing newline.
	Encode(sender string) string
}

// DesiredSetpoint carries an acceleration setpoint.
type DesiredSetpoint struct {
	AcID     int
	Setpoint guidance.Setpoint
}

// JumpToBlock moves the flight plan to a block.
type JumpToBlock struct {
	AcID  int
	Block int
}

// DLSetting writes one value to an indexed settings channel.
type DLSetting struct {
	AcID  int
	Index int
	Value float64
}

func (c DesiredSetpoint) AircraftID() int { return c.AcID }
func (c JumpToBlock) AircraftID() int     { return c.AcID }
func (c DLSetting) AircraftID() int       { return c.AcID }

func (DesiredSetpoint) Name() string { return NameDesiredSetpoint }
func (JumpToBlock) Name() string     { return NameJumpToBlock }
func (DLSetting) Name() string       { return NameDLSetting }

func (c DesiredSetpoint) Encode(sender string) string {
	sp := c.Setpoint
	return fmt.Sprintf("%s %s %d %d %s %s %s", sender, NameDesiredSetpoint, c.AcID, sp.Flag,
		formatFloat(sp.X), formatFloat(sp.Y), formatFloat(sp.Z))
}

func (c JumpToBlock) Encode(sender string) string {
	return fmt.Sprintf("%s %s %d %d", sender, NameJumpToBlock, c.AcID, c.Block)
}

func (c DLSetting) Encode(sender string) string {
	return fmt.Sprintf("%s %s %d %d %s", sender, NameDLSetting, c.AcID, c.Index, formatFloat(c.Value))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Sender delivers commands to the link.
type Sender interface {
	Send(Command) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(Command) error

func (f SenderFunc) Send(c Command) error { return f(c) }
