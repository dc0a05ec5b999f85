package serialmux

import "io"

// SerialPorter is what a mux drives: a serial device, a UDP bus endpoint,
// the simulated link or a FakePort.
type SerialPorter interface {
	io.ReadWriteCloser
}

// PortFactory opens links by path.
type PortFactory interface {
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// PortOpener adapts a function to PortFactory.
type PortOpener func(path string, opts PortOptions) (SerialPorter, error)

func (f PortOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	return f(path, opts)
}
