package backhaul

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestUDPRoundTrip(t *testing.T) {
	a, err := NewUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind a: %v", err)
	}
	defer a.Close()
	b, err := NewUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind b: %v", err)
	}
	defer b.Close()

	payload := []byte("over the loopback")
	if err := a.SendTo(payload, b.LocalAddr()); err != nil {
		t.Fatalf("send: %v", err)
	}
	dgs, err := b.RecvFromMany()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if len(dgs) == 0 || !bytes.Equal(dgs[0].Payload, payload) {
		t.Fatalf("got %v", dgs)
	}
	if dgs[0].Addr != a.LocalAddr() {
		t.Fatalf("source addr %v, want %v", dgs[0].Addr, a.LocalAddr())
	}
}

func TestUDPCloseUnblocksRecv(t *testing.T) {
	u, err := NewUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := u.RecvFromMany()
		done <- err
	}()
	_ = u.Close()
	if err := <-done; err != ErrClosed {
		t.Fatalf("recv after close: %v", err)
	}
	if err := u.SendTo([]byte("x"), u.LocalAddr()); err != ErrClosed {
		t.Fatalf("send after close: %v", err)
	}
}

func TestStatsBackhaulCounts(t *testing.T) {
	a, err := NewUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind a: %v", err)
	}
	defer a.Close()
	b, err := NewUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind b: %v", err)
	}
	defer b.Close()

	var sent, recvd int
	sa := NewStats(a, nil, func(n int, _ netip.AddrPort) { sent += n })
	sb := NewStats(b, func(n int, _ netip.AddrPort) { recvd += n }, nil)

	if err := sa.SendTo(make([]byte, 100), b.LocalAddr()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := sb.RecvFromMany(); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if sent != 100 || recvd != 100 {
		t.Fatalf("sent=%d recvd=%d, want 100/100", sent, recvd)
	}
}
