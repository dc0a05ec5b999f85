package serialmux

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is the rate of the telemetry modems on the airframes.
const DefaultBaudRate = 230400

// PortOptions is the "serial" block of the mission config. Zero fields mean
// 230400 baud, 8 data bits, 1 stop bit, no parity.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

var parities = map[string]serial.Parity{
	"N": serial.NoParity,
	"E": serial.EvenParity,
	"O": serial.OddParity,
}

var stopBits = map[int]serial.StopBits{
	1: serial.OneStopBit,
	2: serial.TwoStopBits,
}

// Normalize fills defaults and canonicalises Parity to N, E or O.
func (o PortOptions) Normalize() (PortOptions, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}

	p := strings.ToUpper(strings.TrimSpace(o.Parity))
	switch p {
	case "", "NONE":
		p = "N"
	case "EVEN":
		p = "E"
	case "ODD":
		p = "O"
	}

	_, okStop := stopBits[o.StopBits]
	_, okParity := parities[p]
	switch {
	case o.DataBits < 5 || o.DataBits > 8:
		return o, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	case !okStop:
		return o, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	case !okParity:
		return o, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	o.Parity = p
	return o, nil
}

// Equal compares the normalised forms. Invalid options equal nothing.
func (o PortOptions) Equal(other PortOptions) bool {
	a, err := o.Normalize()
	if err != nil {
		return false
	}
	b, err := other.Normalize()
	return err == nil && a == b
}

// SerialMode is the go.bug.st/serial mode for the options.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	n, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	return &serial.Mode{
		BaudRate: n.BaudRate,
		DataBits: n.DataBits,
		StopBits: stopBits[n.StopBits],
		Parity:   parities[n.Parity],
	}, nil
}
