package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// SerialFactory opens real serial devices.
var SerialFactory PortFactory = PortOpener(openSerial)

func openSerial(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, err)
	}
	return port, nil
}

// NewRealSerialMux opens the serial device at path and wraps it.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	return Open(SerialFactory, path, opts)
}

// Open uses factory to open path and wraps the result.
func Open(factory PortFactory, path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	port, err := factory.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
