package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

// SimulatedPort is the link behind -dev. A generator goroutine writes
// telemetry lines into a pipe that Monitor reads; commands are kept in
// memory.
type SimulatedPort struct {
	*io.PipeReader

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
	stop    chan struct{}
}

func (p *SimulatedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("simulated link closed")
	}
	return p.written.Write(b)
}

// Written returns every command line sent so far.
func (p *SimulatedPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *SimulatedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stop)
	return p.PipeReader.Close()
}

// NewSimulatedMux calls generate every period with an increasing tick
// number and feeds the returned lines to the mux until it is closed.
func NewSimulatedMux(period time.Duration, generate func(tick int) []string) *SerialMux[*SimulatedPort] {
	r, w := io.Pipe()
	port := &SimulatedPort{PipeReader: r, stop: make(chan struct{})}

	go func() {
		defer w.Close()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for tick := 0; ; tick++ {
			select {
			case <-port.stop:
				return
			case <-ticker.C:
			}
			var buf bytes.Buffer
			for _, line := range generate(tick) {
				buf.WriteString(line)
				buf.WriteByte('\n')
			}
			if _, err := w.Write(buf.Bytes()); err != nil {
				return
			}
		}
	}()

	return NewSerialMux(port)
}
