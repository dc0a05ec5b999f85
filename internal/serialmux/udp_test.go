package serialmux

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestUDPBusRoundTrip(t *testing.T) {
	aircraft, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer aircraft.Close()

	mux, err := NewUDPBusMux("127.0.0.1:0", aircraft.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer mux.Close()

	_, ch := mux.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	bus := mux.port.LocalAddr().(*net.UDPAddr)
	if _, err := aircraft.WriteToUDP([]byte("23 ENERGY 11.9\n24 ENERGY 12.2"), bus); err != nil {
		t.Fatal(err)
	}
	if _, err := aircraft.WriteToUDP([]byte("25 ENERGY 10.0"), bus); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"23 ENERGY 11.9", "24 ENERGY 12.2", "25 ENERGY 10.0"} {
		if got := recv(t, ch); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}

	if err := mux.SendCommand("ground JUMP_TO_BLOCK 23 12"); err != nil {
		t.Fatal(err)
	}
	aircraft.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 128)
	n, _, err := aircraft.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "ground JUMP_TO_BLOCK 23 12\n" {
		t.Errorf("aircraft received %q", got)
	}
}

func TestUDPBusReceiveOnly(t *testing.T) {
	port, err := OpenUDP("127.0.0.1:0", "")
	if err != nil {
		t.Fatal(err)
	}
	defer port.Close()
	if _, err := port.Write([]byte("x\n")); !errors.Is(err, ErrNoRemote) {
		t.Errorf("err = %v, want ErrNoRemote", err)
	}
}

func TestUDPBusBadAddress(t *testing.T) {
	if _, err := OpenUDP("not an address", ""); err == nil {
		t.Error("expected resolve error")
	}
}
