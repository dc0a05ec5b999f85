// Package telemetry decodes the text telemetry lines coming off the link and
// encodes the commands sent back to the aircraft.
//
// Every line is "<sender> <NAME> <field> <field> ...". Array fields are
// comma-separated without spaces.
package telemetry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/missionctl/internal/vehicle"
)

// Fixed-point scale factors of the autopilot's integer telemetry.
const (
	PositionLSB = 1.0 / (1 << 8)
	VelocityLSB = 1.0 / (1 << 19)
	AngleLSB    = 1.0 / (1 << 12)
)

// Message names.
const (
	NameRotorcraftFP = "ROTORCRAFT_FP"
	NameINS          = "INS"
	NameEnergy       = "ENERGY"
	NameGroundRef    = "GROUND_REF"
)

var (
	// ErrUnknownMessage is returned for well-formed lines this package does
	// not decode. Callers usually ignore it.
	ErrUnknownMessage = errors.New("unknown telemetry message")
	// ErrMalformed is returned for lines with missing or unparsable fields.
	ErrMalformed = errors.New("malformed telemetry message")
)

// Message is one decoded telemetry report.
type Message interface {
	// AircraftID is the aircraft the report is about.
	AircraftID() int
	// Name is the wire message name.
	Name() string
	// Apply writes the report into s.
	Apply(s *vehicle.State, at time.Time)
	// Pose reports whether the message carries a position, and which.
	Pose() (r3.Vec, bool)
}

// RotorcraftFP is the autopilot's own position, speed and attitude estimate.
type RotorcraftFP struct {
	AcID     int
	Position r3.Vec
	Velocity r3.Vec
	Euler    vehicle.Euler
}

// INS is the raw inertial navigation position and speed.
type INS struct {
	AcID     int
	Position r3.Vec
	Velocity r3.Vec
}

// Energy carries the battery voltage.
type Energy struct {
	AcID    int
	Voltage float64
}

// GroundRef is a motion-capture fix relayed by the ground segment. Position
// and speed are already swapped into the north/east/up order used
// throughout, and the quaternion is reordered for the body frame.
type GroundRef struct {
	AcID     int
	Frame    string
	Position r3.Vec
	Velocity r3.Vec
	Attitude quat.Number
	Rates    r3.Vec
}

func (m RotorcraftFP) AircraftID() int { return m.AcID }
func (m INS) AircraftID() int          { return m.AcID }
func (m Energy) AircraftID() int       { return m.AcID }
func (m GroundRef) AircraftID() int    { return m.AcID }

func (RotorcraftFP) Name() string { return NameRotorcraftFP }
func (INS) Name() string          { return NameINS }
func (Energy) Name() string       { return NameEnergy }
func (GroundRef) Name() string    { return NameGroundRef }

func (m RotorcraftFP) Pose() (r3.Vec, bool) { return m.Position, true }
func (m INS) Pose() (r3.Vec, bool)          { return m.Position, true }
func (Energy) Pose() (r3.Vec, bool)         { return r3.Vec{}, false }
func (m GroundRef) Pose() (r3.Vec, bool)    { return m.Position, true }

func (m RotorcraftFP) Apply(s *vehicle.State, at time.Time) {
	s.Position = m.Position
	s.Velocity = m.Velocity
	s.SetEuler(m.Euler)
	s.Initialized = true
	s.LastUpdate = at
}

func (m INS) Apply(s *vehicle.State, at time.Time) {
	s.Position = m.Position
	s.Velocity = m.Velocity
	s.Initialized = true
	s.LastUpdate = at
}

func (m Energy) Apply(s *vehicle.State, _ time.Time) {
	s.BatteryVoltage = m.Voltage
}

func (m GroundRef) Apply(s *vehicle.State, at time.Time) {
	s.Position = m.Position
	s.Velocity = m.Velocity
	s.SetAttitude(m.Attitude)
	s.Rates = m.Rates
	s.Initialized = true
	s.LastUpdate = at
}

// Decode parses one telemetry line.
func Decode(line string) (Message, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	sender, name, args := fields[0], fields[1], fields[2:]

	switch name {
	case NameRotorcraftFP:
		return decodeRotorcraftFP(sender, args)
	case NameINS:
		return decodeINS(sender, args)
	case NameEnergy:
		return decodeEnergy(sender, args)
	case NameGroundRef:
		return decodeGroundRef(args)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, name)
	}
}

func decodeRotorcraftFP(sender string, args []string) (Message, error) {
	id, err := parseID(sender)
	if err != nil {
		return nil, err
	}
	v, err := parseInts(NameRotorcraftFP, args, 9)
	if err != nil {
		return nil, err
	}
	east, north, up := v[0], v[1], v[2]
	veast, vnorth, vup := v[3], v[4], v[5]
	return RotorcraftFP{
		AcID:     id,
		Position: r3.Vec{X: north * PositionLSB, Y: east * PositionLSB, Z: up * PositionLSB},
		Velocity: r3.Vec{X: vnorth * VelocityLSB, Y: veast * VelocityLSB, Z: vup * VelocityLSB},
		Euler:    vehicle.Euler{Roll: v[6] * AngleLSB, Pitch: v[7] * AngleLSB, Yaw: v[8] * AngleLSB},
	}, nil
}

func decodeINS(sender string, args []string) (Message, error) {
	id, err := parseID(sender)
	if err != nil {
		return nil, err
	}
	v, err := parseInts(NameINS, args, 6)
	if err != nil {
		return nil, err
	}
	return INS{
		AcID:     id,
		Position: r3.Vec{X: v[0] * PositionLSB, Y: v[1] * PositionLSB, Z: v[2] * PositionLSB},
		Velocity: r3.Vec{X: v[3] * VelocityLSB, Y: v[4] * VelocityLSB, Z: v[5] * VelocityLSB},
	}, nil
}

func decodeEnergy(sender string, args []string) (Message, error) {
	id, err := parseID(sender)
	if err != nil {
		return nil, err
	}
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: %s needs a voltage", ErrMalformed, NameEnergy)
	}
	volts, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s voltage: %v", ErrMalformed, NameEnergy, err)
	}
	return Energy{AcID: id, Voltage: volts}, nil
}

// decodeGroundRef reads "ac_id frame pos speed quat rate [timestamp]". The
// sender is the ground station, so the aircraft id is the first field.
func decodeGroundRef(args []string) (Message, error) {
	if len(args) < 6 {
		return nil, fmt.Errorf("%w: %s has %d fields, want at least 6", ErrMalformed, NameGroundRef, len(args))
	}
	id, err := parseID(args[0])
	if err != nil {
		return nil, err
	}
	pos, err := parseArray("pos", args[2], 3)
	if err != nil {
		return nil, err
	}
	speed, err := parseArray("speed", args[3], 3)
	if err != nil {
		return nil, err
	}
	q, err := parseArray("quat", args[4], 4)
	if err != nil {
		return nil, err
	}
	rate, err := parseArray("rate", args[5], 3)
	if err != nil {
		return nil, err
	}
	return GroundRef{
		AcID:     id,
		Frame:    args[1],
		Position: r3.Vec{X: pos[1], Y: pos[0], Z: pos[2]},
		Velocity: r3.Vec{X: speed[1], Y: speed[0], Z: speed[2]},
		Attitude: quat.Number{Real: q[0], Imag: q[2], Jmag: q[1], Kmag: -q[3]},
		Rates:    r3.Vec{X: rate[0], Y: rate[1], Z: rate[2]},
	}, nil
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: aircraft id %q", ErrMalformed, s)
	}
	return id, nil
}

func parseInts(name string, args []string, n int) ([]float64, error) {
	if len(args) < n {
		return nil, fmt.Errorf("%w: %s has %d fields, want at least %d", ErrMalformed, name, len(args), n)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseInt(args[i], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %s field %d: %v", ErrMalformed, name, i, err)
		}
		out[i] = float64(v)
	}
	return out, nil
}

func parseArray(field, s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("%w: %s has %d values, want %d", ErrMalformed, field, len(parts), n)
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d]: %v", ErrMalformed, field, i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Message classes selectable on the command line. The telemetry class is
// what the aircraft send themselves; the ground class is what the ground
// segment relays.
const (
	ClassAll       = "all"
	ClassTelemetry = "telemetry"
	ClassGround    = "ground"
)

// ClassMessages lists the message names of a class. ClassAll and "" return
// nil, meaning every decoded message.
func ClassMessages(class string) ([]string, error) {
	switch class {
	case "", ClassAll:
		return nil, nil
	case ClassTelemetry:
		return []string{NameRotorcraftFP, NameINS, NameEnergy}, nil
	case ClassGround:
		return []string{NameGroundRef}, nil
	default:
		return nil, fmt.Errorf("unknown message class %q", class)
	}
}
