package serialmux

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// maxDatagram is the largest UDP payload the bus accepts.
const maxDatagram = 65536

// ErrNoRemote is returned when writing to a bus opened without a remote.
var ErrNoRemote = errors.New("udp bus has no remote address")

// UDPPort carries link lines over UDP datagrams: telemetry arrives on the
// listen address, commands go to the remote address. A datagram may carry
// several newline separated lines; a missing final newline is added so that
// datagram boundaries always end a line.
type UDPPort struct {
	conn   *net.UDPConn
	remote *net.UDPAddr

	readMu  sync.Mutex
	buf     []byte
	pending []byte
}

// OpenUDP listens on listen (e.g. ":4242") and sends to remote. remote may
// be empty for a receive-only bus.
func OpenUDP(listen, remote string) (*UDPPort, error) {
	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", listen, err)
	}
	var raddr *net.UDPAddr
	if remote != "" {
		raddr, err = net.ResolveUDPAddr("udp", remote)
		if err != nil {
			return nil, fmt.Errorf("resolve remote address %q: %w", remote, err)
		}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", listen, err)
	}
	return &UDPPort{conn: conn, remote: raddr, buf: make([]byte, maxDatagram)}, nil
}

// LocalAddr is the address the bus listens on.
func (u *UDPPort) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDPPort) Read(p []byte) (int, error) {
	u.readMu.Lock()
	defer u.readMu.Unlock()

	for len(u.pending) == 0 {
		n, _, err := u.conn.ReadFromUDP(u.buf)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			continue
		}
		u.pending = u.buf[:n]
		if u.pending[n-1] != '\n' {
			if n < len(u.buf) {
				u.buf[n] = '\n'
				u.pending = u.buf[:n+1]
			} else {
				u.pending = append(append([]byte(nil), u.pending...), '\n')
			}
		}
	}
	n := copy(p, u.pending)
	u.pending = u.pending[n:]
	return n, nil
}

func (u *UDPPort) Write(p []byte) (int, error) {
	if u.remote == nil {
		return 0, ErrNoRemote
	}
	return u.conn.WriteToUDP(p, u.remote)
}

func (u *UDPPort) Close() error {
	return u.conn.Close()
}

// NewUDPBusMux opens a UDP ground bus and wraps it.
func NewUDPBusMux(listen, remote string) (*SerialMux[*UDPPort], error) {
	port, err := OpenUDP(listen, remote)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
