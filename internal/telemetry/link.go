package telemetry

import (
	"fmt"
	"math"
	"strconv"
)

// CommandWriter is the part of a link that accepts raw command lines.
type CommandWriter interface {
	SendCommand(string) error
}

// LinkSender encodes commands and writes them to a link.
type LinkSender struct {
	Link CommandWriter
	// From names this process on the link; DefaultSender when empty.
	From string
	// Sent, if set, observes every command after a successful write.
	Sent func(Command)
}

func (l LinkSender) Send(c Command) error {
	from := l.From
	if from == "" {
		from = DefaultSender
	}
	if err := l.Link.SendCommand(c.Encode(from)); err != nil {
		return fmt.Errorf("send %s to %d: %w", c.Name(), c.AircraftID(), err)
	}
	if l.Sent != nil {
		l.Sent(c)
	}
	return nil
}

// Encode renders the report the way the autopilot sends it. It is the
// inverse of Decode up to fixed-point rounding and is used by the simulated
// link and tests.
func (m RotorcraftFP) Encode() string {
	return fmt.Sprintf("%d %s %d %d %d %d %d %d %d %d %d", m.AcID, NameRotorcraftFP,
		fixed(m.Position.Y, PositionLSB), fixed(m.Position.X, PositionLSB), fixed(m.Position.Z, PositionLSB),
		fixed(m.Velocity.Y, VelocityLSB), fixed(m.Velocity.X, VelocityLSB), fixed(m.Velocity.Z, VelocityLSB),
		fixed(m.Euler.Roll, AngleLSB), fixed(m.Euler.Pitch, AngleLSB), fixed(m.Euler.Yaw, AngleLSB))
}

func (m Energy) Encode() string {
	return fmt.Sprintf("%d %s %s", m.AcID, NameEnergy, strconv.FormatFloat(m.Voltage, 'f', -1, 64))
}

func fixed(v, lsb float64) int64 {
	return int64(math.Round(v / lsb))
}
