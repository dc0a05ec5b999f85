package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

var errFakeClosed = errors.New("fake link closed")

// FakePort is an in-memory link for tests. Read blocks until data is fed or
// the port is closed. FailNextRead and FailNextWrite inject a single error.
type FakePort struct {
	mu       sync.Mutex
	cond     *sync.Cond
	in       bytes.Buffer
	out      bytes.Buffer
	closed   bool
	writes   int
	readErr  error
	writeErr error
	closeErr error
}

func NewFakePort() *FakePort {
	p := &FakePort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Feed queues raw bytes for Read.
func (p *FakePort) Feed(data string) {
	p.mu.Lock()
	p.in.WriteString(data)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// FeedLines queues each line with a trailing newline.
func (p *FakePort) FeedLines(lines ...string) {
	p.Feed(strings.Join(lines, "\n") + "\n")
}

func (p *FakePort) FailNextRead(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *FakePort) FailNextWrite(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// FailClose makes Close return err.
func (p *FakePort) FailClose(err error) {
	p.mu.Lock()
	p.closeErr = err
	p.mu.Unlock()
}

func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readErr == nil && p.in.Len() == 0 {
		p.cond.Wait()
	}
	switch {
	case p.closed:
		return 0, errFakeClosed
	case p.readErr != nil:
		err := p.readErr
		p.readErr = nil
		return 0, err
	}
	return p.in.Read(b)
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	if p.closed {
		return 0, errFakeClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.writeErr = nil
		return 0, err
	}
	return p.out.Write(b)
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	err := p.closeErr
	p.mu.Unlock()
	p.cond.Broadcast()
	return err
}

// Written returns everything written so far.
func (p *FakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

// WrittenLines splits Written on newlines, without the trailing empty line.
func (p *FakePort) WrittenLines() []string {
	s := strings.TrimSuffix(p.Written(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Writes counts Write calls, failed ones included.
func (p *FakePort) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func (p *FakePort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
