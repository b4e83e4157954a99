package listener

import (
	"bytes"
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/orinsid/sosistab/backhaul"
	"github.com/orinsid/sosistab/crypt"
	"github.com/orinsid/sosistab/internal/defaults"
	"github.com/orinsid/sosistab/observability"
	"github.com/orinsid/sosistab/protocol"
)

// countingObserver tallies observer events for assertions.
type countingObserver struct {
	mu    sync.Mutex
	drops map[observability.DropReason]int
	hs    map[observability.HandshakeResult]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		drops: make(map[observability.DropReason]int),
		hs:    make(map[observability.HandshakeResult]int),
	}
}

func (c *countingObserver) RecvBytes(int) {}
func (c *countingObserver) SentBytes(int) {}
func (c *countingObserver) Handshake(r observability.HandshakeResult) {
	c.mu.Lock()
	c.hs[r]++
	c.mu.Unlock()
}
func (c *countingObserver) Drop(r observability.DropReason) {
	c.mu.Lock()
	c.drops[r]++
	c.mu.Unlock()
}
func (c *countingObserver) SessionCount(int) {}

func (c *countingObserver) dropCount(r observability.DropReason) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drops[r]
}

// probe is a hand-rolled protocol client driving a listener over loopback.
type probe struct {
	t          *testing.T
	bh         *backhaul.UDP
	cookie     *crypt.Cookie
	serverAddr netip.AddrPort
	serverPK   crypt.PubKey

	longSK crypt.SecKey
	longPK crypt.PubKey
	ephSK  crypt.SecKey
	ephPK  crypt.PubKey
}

func newProbe(t *testing.T, serverAddr netip.AddrPort, serverPK crypt.PubKey) *probe {
	t.Helper()
	bh, err := backhaul.NewUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind probe socket: %v", err)
	}
	t.Cleanup(func() { bh.Close() })
	longSK, longPK, err := crypt.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	ephSK, ephPK, err := crypt.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return &probe{
		t: t, bh: bh,
		cookie:     crypt.NewCookie(serverPK),
		serverAddr: serverAddr,
		serverPK:   serverPK,
		longSK:     longSK, longPK: longPK,
		ephSK: ephSK, ephPK: ephPK,
	}
}

func (p *probe) helloPacket(version uint64) []byte {
	body := protocol.EncodePacket([]protocol.Frame{{
		Tag: protocol.TagClientHello,
		ClientHello: &protocol.ClientHello{
			LongPK:  p.longPK,
			EphPK:   p.ephPK,
			Version: version,
		},
	}})
	key := p.cookie.GenerateC2S()[0]
	return crypt.NewLegacyAEAD(key).PadEncryptV1(body, defaults.HandshakePadSize)
}

func (p *probe) resumePacket(token []byte, shard uint8) []byte {
	body := protocol.EncodePacket([]protocol.Frame{{
		Tag: protocol.TagClientResume,
		ClientResume: &protocol.ClientResume{
			ResumeToken: token,
			ShardID:     shard,
		},
	}})
	key := p.cookie.GenerateC2S()[0]
	return crypt.NewLegacyAEAD(key).PadEncryptV1(body, defaults.HandshakePadSize)
}

func (p *probe) send(pkt []byte) {
	p.t.Helper()
	if err := p.bh.SendTo(pkt, p.serverAddr); err != nil {
		p.t.Fatalf("send: %v", err)
	}
}

// awaitServerHello reads datagrams until a ServerHello decrypts or timeout.
func (p *probe) awaitServerHello(timeout time.Duration) *protocol.ServerHello {
	p.t.Helper()
	deadline := time.Now().Add(timeout)
	got := make(chan *protocol.ServerHello, 1)
	go func() {
		for {
			dgs, err := p.bh.RecvFromMany()
			if err != nil {
				return
			}
			for _, dg := range dgs {
				for _, key := range p.cookie.GenerateS2C() {
					body := crypt.NewLegacyAEAD(key).PadDecryptV1(dg.Payload)
					if body == nil {
						continue
					}
					frame, err := protocol.DecodeHandshakePacket(body)
					if err != nil || frame.Tag != protocol.TagServerHello {
						continue
					}
					select {
					case got <- frame.ServerHello:
					default:
					}
					return
				}
			}
		}
	}()
	select {
	case sh := <-got:
		return sh
	case <-time.After(time.Until(deadline)):
		return nil
	}
}

// sessKeys derives the probe's directional keys from a ServerHello.
func (p *probe) sessKeys(sh *protocol.ServerHello) (up, dn [crypt.KeySize]byte) {
	p.t.Helper()
	sessKey, err := crypt.TripleECDH(p.longSK, p.ephSK, sh.LongPK, sh.EphPK)
	if err != nil {
		p.t.Fatalf("triple ecdh: %v", err)
	}
	return crypt.UpSubKey(sessKey), crypt.DnSubKey(sessKey)
}

func startListener(t *testing.T, cfg Config) (*Listener, crypt.SecKey, crypt.PubKey) {
	t.Helper()
	sk, pk, err := crypt.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	bh, err := backhaul.NewUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	ln, err := Listen(bh, sk, cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln, sk, pk
}

func TestHandshakeEndToEnd(t *testing.T) {
	ln, _, pk := startListener(t, DefaultConfig())
	p := newProbe(t, ln.LocalAddr(), pk)

	p.send(p.helloPacket(3))
	sh := p.awaitServerHello(3 * time.Second)
	if sh == nil {
		t.Fatalf("no ServerHello")
	}
	if sh.LongPK != pk {
		t.Fatalf("ServerHello carries wrong long-term key")
	}
	if len(sh.ResumeToken) == 0 {
		t.Fatalf("empty resume token")
	}

	p.send(p.resumePacket(sh.ResumeToken, 0))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sess, err := ln.AcceptSession(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if sess.Version() != 3 {
		t.Fatalf("session version = %d", sess.Version())
	}

	// Client-to-server data flows under the up key.
	up, dn := p.sessKeys(sh)
	p.send(crypt.NewNgAEAD(up).Encrypt([]byte("ping")))
	got, err := sess.RecvBytes(ctx)
	if err != nil {
		t.Fatalf("server recv: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("server got %q", got)
	}

	// Server-to-client data flows under the dn key to the bound address.
	if err := sess.SendBytes([]byte("pong")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	dgs, err := p.bh.RecvFromMany()
	if err != nil {
		t.Fatalf("client recv: %v", err)
	}
	if pt := crypt.NewNgAEAD(dn).Decrypt(dgs[0].Payload); string(pt) != "pong" {
		t.Fatalf("client got %q", pt)
	}
}

func TestVersionNegotiation(t *testing.T) {
	ln, _, pk := startListener(t, DefaultConfig())
	for _, version := range []uint64{0, 4, 99, 1 << 63} {
		p := newProbe(t, ln.LocalAddr(), pk)
		p.send(p.helloPacket(version))
		if sh := p.awaitServerHello(500 * time.Millisecond); sh != nil {
			t.Fatalf("version %d got a reply", version)
		}
	}
	p := newProbe(t, ln.LocalAddr(), pk)
	p.send(p.helloPacket(3))
	if sh := p.awaitServerHello(3 * time.Second); sh == nil {
		t.Fatalf("version 3 got no reply")
	}
}

func TestReplayedHandshake(t *testing.T) {
	obs := newCountingObserver()
	cfg := DefaultConfig()
	cfg.Observer = obs
	ln, _, pk := startListener(t, cfg)
	p := newProbe(t, ln.LocalAddr(), pk)

	hello := p.helloPacket(3)
	p.send(hello)
	sh := p.awaitServerHello(3 * time.Second)
	if sh == nil {
		t.Fatalf("no ServerHello")
	}

	// Replaying the identical bytes must not produce another reply.
	for i := 0; i < 20; i++ {
		p.send(hello)
	}
	if extra := p.awaitServerHello(500 * time.Millisecond); extra != nil {
		t.Fatalf("replayed hello was answered")
	}
	if obs.dropCount(observability.DropReasonReplay) == 0 {
		t.Fatalf("no replay drops recorded")
	}
}

func TestReplayedResumeOneSession(t *testing.T) {
	ln, _, pk := startListener(t, DefaultConfig())
	p := newProbe(t, ln.LocalAddr(), pk)

	p.send(p.helloPacket(3))
	sh := p.awaitServerHello(3 * time.Second)
	if sh == nil {
		t.Fatalf("no ServerHello")
	}
	resume := p.resumePacket(sh.ResumeToken, 0)
	for i := 0; i < 10; i++ {
		p.send(resume)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := ln.AcceptSession(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel2()
	if _, err := ln.AcceptSession(ctx2); err == nil {
		t.Fatalf("replayed resume produced a second session")
	}
}

func TestIdempotentResume(t *testing.T) {
	obs := newCountingObserver()
	cfg := DefaultConfig()
	cfg.Observer = obs
	ln, _, pk := startListener(t, cfg)
	p := newProbe(t, ln.LocalAddr(), pk)

	p.send(p.helloPacket(3))
	sh := p.awaitServerHello(3 * time.Second)
	if sh == nil {
		t.Fatalf("no ServerHello")
	}
	// Distinct packets carrying the same resume frame: one session, the
	// rest idempotent rebinds. Stay inside the fallthrough quota.
	const n = 4
	for i := 0; i < n; i++ {
		p.send(p.resumePacket(sh.ResumeToken, 0))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := ln.AcceptSession(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel2()
	if _, err := ln.AcceptSession(ctx2); err == nil {
		t.Fatalf("duplicate resume produced a second session")
	}
	obs.mu.Lock()
	rebinds := obs.hs[observability.HandshakeResultResumeRebind]
	news := obs.hs[observability.HandshakeResultResumeNew]
	obs.mu.Unlock()
	if news != 1 {
		t.Fatalf("%d sessions created, want 1", news)
	}
	if rebinds != n-1 {
		t.Fatalf("%d rebinds, want %d", rebinds, n-1)
	}
}

func TestNATRebind(t *testing.T) {
	ln, _, pk := startListener(t, DefaultConfig())
	p := newProbe(t, ln.LocalAddr(), pk)

	p.send(p.helloPacket(3))
	sh := p.awaitServerHello(3 * time.Second)
	if sh == nil {
		t.Fatalf("no ServerHello")
	}
	p.send(p.resumePacket(sh.ResumeToken, 0))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sess, err := ln.AcceptSession(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// The client's NAT rebinds: same shard, fresh source port.
	fresh, err := backhaul.NewUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind fresh socket: %v", err)
	}
	defer fresh.Close()
	if err := fresh.SendTo(p.resumePacket(sh.ResumeToken, 0), ln.LocalAddr()); err != nil {
		t.Fatalf("send rebind: %v", err)
	}
	// No second session comes out of a rebind.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel2()
	if _, err := ln.AcceptSession(ctx2); err == nil {
		t.Fatalf("rebind produced a new session")
	}

	// Outbound traffic now targets the fresh socket.
	_, dn := p.sessKeys(sh)
	if err := sess.SendBytes([]byte("after-rebind")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	dgs, err := fresh.RecvFromMany()
	if err != nil {
		t.Fatalf("fresh socket recv: %v", err)
	}
	if pt := crypt.NewNgAEAD(dn).Decrypt(dgs[0].Payload); string(pt) != "after-rebind" {
		t.Fatalf("fresh socket got %q", pt)
	}
}

func TestFallthroughProtectsLiveSession(t *testing.T) {
	obs := newCountingObserver()
	cfg := DefaultConfig()
	cfg.Observer = obs
	ln, _, pk := startListener(t, cfg)
	p := newProbe(t, ln.LocalAddr(), pk)

	p.send(p.helloPacket(3))
	sh := p.awaitServerHello(3 * time.Second)
	if sh == nil {
		t.Fatalf("no ServerHello")
	}
	p.send(p.resumePacket(sh.ResumeToken, 0))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sess, err := ln.AcceptSession(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Flood malformed packets from the session's own address. They reach the
	// session queue (and fail its decrypt) but only a handful may burn
	// handshake-decode CPU.
	garbage := bytes.Repeat([]byte{0xAB}, 500)
	for i := 0; i < 100; i++ {
		p.send(garbage)
	}
	time.Sleep(200 * time.Millisecond)
	if n := obs.dropCount(observability.DropReasonUndecryptable); n > 10 {
		t.Fatalf("%d handshake decodes attempted under flood, want <= quota", n)
	}

	// The live session keeps delivering.
	up, _ := p.sessKeys(sh)
	p.send(crypt.NewNgAEAD(up).Encrypt([]byte("still-alive")))
	got, err := sess.RecvBytes(ctx)
	if err != nil {
		t.Fatalf("recv after flood: %v", err)
	}
	if string(got) != "still-alive" {
		t.Fatalf("got %q", got)
	}
}

func TestBadTokenDropped(t *testing.T) {
	obs := newCountingObserver()
	cfg := DefaultConfig()
	cfg.Observer = obs
	ln, _, pk := startListener(t, cfg)
	p := newProbe(t, ln.LocalAddr(), pk)

	// A token encrypted under a key the listener never had.
	var foreignKey [crypt.KeySize]byte
	foreignKey[0] = 0xEE
	forged := crypt.NewLegacyAEAD(foreignKey).Encrypt(bytes.Repeat([]byte{1}, 48))
	p.send(p.resumePacket(forged, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := ln.AcceptSession(ctx); err == nil {
		t.Fatalf("forged token produced a session")
	}
	if obs.dropCount(observability.DropReasonBadToken) == 0 {
		t.Fatalf("no bad-token drop recorded")
	}
}

func TestSessionDropReapsTable(t *testing.T) {
	ln, _, pk := startListener(t, DefaultConfig())
	p := newProbe(t, ln.LocalAddr(), pk)

	p.send(p.helloPacket(3))
	sh := p.awaitServerHello(3 * time.Second)
	if sh == nil {
		t.Fatalf("no ServerHello")
	}
	p.send(p.resumePacket(sh.ResumeToken, 0))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sess, err := ln.AcceptSession(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	sess.Close()
	// After the reap, the same token on a new address births a new session.
	time.Sleep(200 * time.Millisecond)
	fresh, err := backhaul.NewUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer fresh.Close()
	if err := fresh.SendTo(p.resumePacket(sh.ResumeToken, 1), ln.LocalAddr()); err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel2()
	if _, err := ln.AcceptSession(ctx2); err != nil {
		t.Fatalf("token did not revive after reap: %v", err)
	}
}

// memBackhaul drives the actor directly for cases real sockets cannot
// express, like zero-length datagrams.
type memBackhaul struct {
	in     chan []backhaul.Datagram
	out    chan backhaul.Datagram
	closed chan struct{}
	once   sync.Once
}

func newMemBackhaul() *memBackhaul {
	return &memBackhaul{
		in:     make(chan []backhaul.Datagram, 64),
		out:    make(chan backhaul.Datagram, 64),
		closed: make(chan struct{}),
	}
}

func (m *memBackhaul) SendTo(payload []byte, addr netip.AddrPort) error {
	select {
	case m.out <- backhaul.Datagram{Payload: payload, Addr: addr}:
	default:
	}
	return nil
}

func (m *memBackhaul) RecvFromMany() ([]backhaul.Datagram, error) {
	select {
	case dgs := <-m.in:
		return dgs, nil
	case <-m.closed:
		return nil, backhaul.ErrClosed
	}
}

func (m *memBackhaul) LocalAddr() netip.AddrPort {
	return netip.MustParseAddrPort("127.0.0.1:1")
}

func (m *memBackhaul) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func TestZeroByteDatagramIgnored(t *testing.T) {
	sk, _, err := crypt.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	obs := newCountingObserver()
	cfg := DefaultConfig()
	cfg.Observer = obs
	bh := newMemBackhaul()
	ln, err := Listen(bh, sk, cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	bh.in <- []backhaul.Datagram{{Payload: nil, Addr: netip.MustParseAddrPort("10.0.0.1:1")}}
	deadline := time.After(2 * time.Second)
	for obs.dropCount(observability.DropReasonEmpty) == 0 {
		select {
		case <-deadline:
			t.Fatalf("zero-byte datagram not accounted")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
