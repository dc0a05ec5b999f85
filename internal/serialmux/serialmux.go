// Package serialmux shares one line-oriented telemetry link between many
// readers. Every line read from the link goes to every subscriber, and
// commands from any goroutine are written whole. The link is a serial modem,
// the UDP ground bus or a simulated link.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"
)

// ErrWriteFailed is returned by SendCommand when the port accepts fewer
// bytes than the framed line.
var ErrWriteFailed = errors.New("failed to write to link")

// maxLineSize bounds a single telemetry line. GROUND_REF with all its arrays
// stays well below this.
const maxLineSize = 64 * 1024

// SerialMuxInterface is what the rest of the program needs from a link.
type SerialMuxInterface interface {
	// Subscribe returns an id for Unsubscribe and a channel carrying every
	// line read from now on.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// SendCommand writes one command line.
	SendCommand(string) error
	// Monitor reads the link until ctx is done, the link ends or it fails.
	Monitor(context.Context) error
	// Close ends every subscription and closes the link.
	Close() error
	// AttachAdminRoutes mounts the send-command and tail pages under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// Option customises a SerialMux.
type Option func(*options)

type options struct {
	bufferSize int
}

// WithSubscriberBuffer gives every subscriber channel n slots. A subscriber
// whose buffer is full misses lines instead of stalling the link.
func WithSubscriberBuffer(n int) Option {
	return func(c *options) {
		if n >= 0 {
			c.bufferSize = n
		}
	}
}

// SerialMux fans the lines of one link out to its subscribers.
type SerialMux[T SerialPorter] struct {
	port       T
	bufferSize int

	mu     sync.Mutex
	subs   map[string]chan string
	closed bool

	writeMu sync.Mutex
}

// NewSerialMux wraps an open link.
func NewSerialMux[T SerialPorter](port T, opts ...Option) *SerialMux[T] {
	c := options{bufferSize: 64}
	for _, opt := range opts {
		opt(&c)
	}
	return &SerialMux[T]{port: port, bufferSize: c.bufferSize, subs: make(map[string]chan string)}
}

func randomID() string {
	var b [8]byte
	crand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, s.bufferSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
	} else {
		s.subs[id] = ch
	}
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// SendCommand writes command followed by a newline if it lacks one.
func (s *SerialMux[T]) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write([]byte(command))
	switch {
	case err != nil:
		return err
	case n != len(command):
		return ErrWriteFailed
	}
	return nil
}

// Monitor publishes every non-empty line of the link. It returns nil at end
// of link or after Close, the read error if the link fails, and ctx.Err()
// when ctx is done.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	// Scan blocks in Read, so it runs apart from the select below.
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(s.port)
		scan.Buffer(make([]byte, 0, 4096), maxLineSize)
		for scan.Scan() {
			line := strings.TrimRight(scan.Text(), "\r")
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
		readErr <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				err := <-readErr
				if s.isClosed() {
					return nil
				}
				return err
			}
			if !s.publish(line) {
				return nil
			}
		}
	}
}

func (s *SerialMux[T]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// publish reports false once the mux is closed.
func (s *SerialMux[T]) publish(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for _, ch := range s.subs {
		select {
		case ch <- line:
		default:
		}
	}
	return true
}

func (s *SerialMux[T]) Close() error {
	s.mu.Lock()
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, s)
}
