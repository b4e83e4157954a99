// Package listener implements the server side of the transport: a single
// actor goroutine that classifies inbound datagrams, answers handshakes
// statelessly, and births sessions on ClientResume.
package listener

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/orinsid/sosistab/backhaul"
	"github.com/orinsid/sosistab/crypt"
	"github.com/orinsid/sosistab/internal/defaults"
	"github.com/orinsid/sosistab/observability"
	"github.com/orinsid/sosistab/protocol"
	"github.com/orinsid/sosistab/recfilter"
	"github.com/orinsid/sosistab/session"
)

// ErrListenerClosed is returned by AcceptSession after Close.
var ErrListenerClosed = errors.New("listener closed")

// Config tunes listener behavior. The zero value is not valid; start from
// DefaultConfig.
type Config struct {
	// HandshakeFallthrough keeps the original behavior of also attempting a
	// handshake decode on packets already delivered to a live session,
	// subject to the fallthrough quota. Disabling it means an address can
	// never re-handshake while its session lives.
	HandshakeFallthrough bool
	// FallthroughPerMinute is the per-address handshake-decode quota.
	FallthroughPerMinute int
	// RecvTimeout overrides the per-session receive timeout.
	RecvTimeout time.Duration
	// Observer receives metric events; nil means no-op.
	Observer observability.ListenerObserver
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeFallthrough: true,
		FallthroughPerMinute: defaults.FallthroughPerMinute,
		RecvTimeout:          defaults.RecvTimeout,
		Observer:             observability.NoopListenerObserver,
	}
}

// Listener accepts sosistab sessions from a backhaul.
type Listener struct {
	accepted  chan *session.Session
	local     netip.AddrPort
	bh        backhaul.Backhaul
	done      chan struct{}
	closeOnce sync.Once
}

// ListenUDP binds a UDP socket and listens with default config.
func ListenUDP(addr string, longSK crypt.SecKey) (*Listener, error) {
	bh, err := backhaul.NewUDP(addr)
	if err != nil {
		return nil, fmt.Errorf("bind udp: %w", err)
	}
	return Listen(bh, longSK, DefaultConfig())
}

// ListenTCP binds the obfuscated TCP surrogate and listens with default
// config.
func ListenTCP(addr string, longSK crypt.SecKey) (*Listener, error) {
	bh, err := backhaul.NewTCPServer(addr, longSK)
	if err != nil {
		return nil, fmt.Errorf("bind tcp: %w", err)
	}
	return Listen(bh, longSK, DefaultConfig())
}

// Listen runs a listener actor over an arbitrary backhaul.
func Listen(bh backhaul.Backhaul, longSK crypt.SecKey, cfg Config) (*Listener, error) {
	if cfg.FallthroughPerMinute <= 0 {
		cfg.FallthroughPerMinute = defaults.FallthroughPerMinute
	}
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = defaults.RecvTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopListenerObserver
	}
	longPK, err := longSK.Public()
	if err != nil {
		return nil, err
	}
	var tokenKey [crypt.KeySize]byte
	if _, err := rand.Read(tokenKey[:]); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}

	done := make(chan struct{})
	accepted := make(chan *session.Session, defaults.AcceptQueueDepth)
	obs := cfg.Observer
	counted := backhaul.NewStats(bh,
		func(n int, _ netip.AddrPort) { obs.RecvBytes(n) },
		func(n int, _ netip.AddrPort) { obs.SentBytes(n) },
	)
	actor := &listenerActor{
		bh:       counted,
		cfg:      cfg,
		longSK:   longSK,
		longPK:   longPK,
		cookie:   crypt.NewCookie(longPK),
		tokenKey: tokenKey,
		table:    newSessionTable(),
		filter:   recfilter.New(),
		limiter:  newFallthroughLimiter(cfg.FallthroughPerMinute),
		obs:      cfg.Observer,
		accepted: accepted,
		deadCh:   make(chan []byte, defaults.AcceptQueueDepth),
		done:     done,
	}
	go actor.run()

	return &Listener{
		accepted: accepted,
		local:    bh.LocalAddr(),
		bh:       bh,
		done:     done,
	}, nil
}

// AcceptSession returns the next established session. It must be called
// repeatedly for the listener to make progress handing sessions over.
func (l *Listener) AcceptSession(ctx context.Context) (*session.Session, error) {
	select {
	case s := <-l.accepted:
		return s, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LocalAddr reports the bound address.
func (l *Listener) LocalAddr() netip.AddrPort { return l.local }

// Close stops the actor and the backhaul.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.bh.Close()
	})
	return nil
}

type listenerActor struct {
	bh       backhaul.Backhaul
	cfg      Config
	longSK   crypt.SecKey
	longPK   crypt.PubKey
	cookie   *crypt.Cookie
	tokenKey [crypt.KeySize]byte
	table    *sessionTable
	filter   *recfilter.RecentFilter
	limiter  *fallthroughLimiter
	obs      observability.ListenerObserver
	accepted chan *session.Session
	deadCh   chan []byte
	done     chan struct{}
}

func (a *listenerActor) run() {
	recvCh := make(chan []backhaul.Datagram)
	go func() {
		defer close(recvCh)
		for {
			dgs, err := a.bh.RecvFromMany()
			if err != nil {
				return
			}
			select {
			case recvCh <- dgs:
			case <-a.done:
				return
			}
		}
	}()

	for {
		select {
		case <-a.done:
			return
		case token := <-a.deadCh:
			a.table.delete(token)
			a.obs.SessionCount(a.table.size())
		case dgs, ok := <-recvCh:
			if !ok {
				return
			}
			// Reap before touching receive-derived state: a packet in this
			// batch could reference a token whose session just died.
			a.drainDead()
			for _, dg := range dgs {
				a.handlePacket(dg.Payload, dg.Addr)
			}
			if mrand.Float64() < 0.001 {
				a.limiter.gc()
			}
		}
	}
}

func (a *listenerActor) drainDead() {
	for {
		select {
		case token := <-a.deadCh:
			a.table.delete(token)
			a.obs.SessionCount(a.table.size())
		default:
			return
		}
	}
}

func (a *listenerActor) handlePacket(buf []byte, addr netip.AddrPort) {
	if len(buf) == 0 {
		a.obs.Drop(observability.DropReasonEmpty)
		return
	}
	// Fast path: the address belongs to a live session.
	if sess := a.table.lookup(addr); sess != nil {
		sess.InjectIncoming(buf)
		// The same bytes may still carry a re-handshake from this address,
		// but only within the fallthrough quota.
		if !a.cfg.HandshakeFallthrough || !a.limiter.allow(addr) {
			return
		}
	}
	a.handleHandshake(buf, addr)
}

func (a *listenerActor) handleHandshake(buf []byte, addr netip.AddrPort) {
	s2cKey := a.cookie.GenerateS2C()[0]
	for _, c2sKey := range a.cookie.GenerateC2S() {
		body := crypt.NewLegacyAEAD(c2sKey).PadDecryptV1(buf)
		if body == nil {
			continue
		}
		// Replay check sits after the decrypt and before any state change.
		if !a.filter.Check(buf) {
			a.obs.Drop(observability.DropReasonReplay)
			continue
		}
		frame, err := protocol.DecodeHandshakePacket(body)
		if err != nil {
			a.obs.Drop(observability.DropReasonUnknownFrame)
			return
		}
		switch frame.Tag {
		case protocol.TagClientHello:
			a.handleClientHello(frame.ClientHello, addr, s2cKey)
		case protocol.TagClientResume:
			a.handleClientResume(frame.ClientResume, addr)
		default:
			a.obs.Drop(observability.DropReasonUnknownFrame)
		}
		return
	}
	a.obs.Drop(observability.DropReasonUndecryptable)
}

// handleClientHello answers statelessly: everything the server will need
// later rides back to the client inside the encrypted resume token.
func (a *listenerActor) handleClientHello(hello *protocol.ClientHello, addr netip.AddrPort, s2cKey [crypt.KeySize]byte) {
	if hello.Version != 1 && hello.Version != 2 && hello.Version != 3 {
		a.obs.Drop(observability.DropReasonBadVersion)
		return
	}
	ephSK, ephPK, err := crypt.GenerateKeypair()
	if err != nil {
		return
	}
	sessKey, err := crypt.TripleECDH(a.longSK, ephSK, hello.LongPK, hello.EphPK)
	if err != nil {
		a.obs.Drop(observability.DropReasonUndecryptable)
		return
	}
	token := tokenInfo{
		sessKey:    sessKey,
		initTimeMS: uint64(time.Now().UnixMilli()),
		version:    hello.Version,
	}.encrypt(a.tokenKey)
	reply := protocol.EncodePacket([]protocol.Frame{{
		Tag: protocol.TagServerHello,
		ServerHello: &protocol.ServerHello{
			LongPK:      a.longPK,
			EphPK:       ephPK,
			ResumeToken: token,
		},
	}})
	pkt := crypt.NewLegacyAEAD(s2cKey).PadEncryptV1(reply, defaults.HandshakePadSize)
	// Best-effort send; failures are the network's problem.
	_ = a.bh.SendTo(pkt, addr)
	a.obs.Handshake(observability.HandshakeResultHello)
}

// handleClientResume births a session, or idempotently rebinds the address
// when the token is already live.
func (a *listenerActor) handleClientResume(resume *protocol.ClientResume, addr netip.AddrPort) {
	ti, ok := decryptToken(a.tokenKey, resume.ResumeToken)
	if !ok {
		a.obs.Drop(observability.DropReasonBadToken)
		return
	}
	if a.table.rebind(addr, resume.ShardID, resume.ResumeToken) {
		a.obs.Handshake(observability.HandshakeResultResumeRebind)
		return
	}

	sess := session.New(session.Config{
		SendKey:     crypt.DnSubKey(ti.sessKey),
		RecvKey:     crypt.UpSubKey(ti.sessKey),
		Version:     ti.version,
		RecvTimeout: a.cfg.RecvTimeout,
	})
	addrs := newShardedAddrs(resume.ShardID, addr)

	// Output poller: drains the session's ciphertext queue toward whichever
	// shard address is current. Exits with the session.
	go func() {
		for {
			select {
			case ct := <-sess.Outgoing():
				_ = a.bh.SendTo(ct, addrs.GetAddr())
			case <-sess.Done():
				return
			}
		}
	}()

	token := append([]byte(nil), resume.ResumeToken...)
	sess.OnDrop(func() {
		select {
		case a.deadCh <- token:
		default:
		}
	})

	a.table.newSess(token, sess, addrs)
	a.table.rebind(addr, resume.ShardID, token)
	select {
	case a.accepted <- sess:
		a.obs.Handshake(observability.HandshakeResultResumeNew)
		a.obs.SessionCount(a.table.size())
	default:
		// Nobody is accepting; shed the session rather than block the actor.
		a.obs.Drop(observability.DropReasonAcceptQueueFull)
		sess.Close()
	}
}
