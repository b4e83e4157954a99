// Package session implements the per-session I/O half: bounded input/output
// queues, the legacy/NG crypter pair with flavor learning, receive-timeout
// teardown, and drop hooks. Reliability and ordering belong to the stream
// multiplex running on top.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/orinsid/sosistab/crypt"
	"github.com/orinsid/sosistab/internal/defaults"
)

var (
	// ErrClosed is returned once the session has been torn down.
	ErrClosed = errors.New("session closed")
)

// Config describes one directional session endpoint.
type Config struct {
	SendKey [crypt.KeySize]byte // Directional key for outbound packets.
	RecvKey [crypt.KeySize]byte // Directional key for inbound packets.
	Version uint64              // Negotiated protocol version.

	RecvTimeout    time.Duration // Tear down after this long without a packet (default 3600s).
	QueueDepth     int           // Input/output channel capacity (default 1000).
	StatisticsRing int           // Statistics ring size (default 128).
}

// Session is one end of an established sosistab session. The listener (or
// client) feeds raw ciphertext in via InjectIncoming and drains ciphertext
// out via Outgoing; consumers use SendBytes/RecvBytes for plaintext.
type Session struct {
	version uint64

	sendLegacy *crypt.LegacyAEAD
	sendNg     *crypt.NgAEAD
	recvLegacy *crypt.LegacyAEAD
	recvNg     *crypt.NgAEAD

	// ngSeen flips once an NG-framed packet decrypts; from then on the
	// session sends NG and stops accepting legacy.
	ngMu   sync.Mutex
	ngSeen bool

	input  chan []byte
	output chan []byte

	watchdog        *time.Timer
	watchdogTimeout time.Duration

	stats *statRing

	hookMu    sync.Mutex
	dropHooks []func()

	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Session from cfg, filling defaults for zero fields.
func New(cfg Config) *Session {
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = defaults.RecvTimeout
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaults.SessionQueueDepth
	}
	if cfg.StatisticsRing <= 0 {
		cfg.StatisticsRing = defaults.StatisticsRing
	}
	s := &Session{
		version:    cfg.Version,
		sendLegacy: crypt.NewLegacyAEAD(cfg.SendKey),
		sendNg:     crypt.NewNgAEAD(cfg.SendKey),
		recvLegacy: crypt.NewLegacyAEAD(cfg.RecvKey),
		recvNg:     crypt.NewNgAEAD(cfg.RecvKey),
		input:      make(chan []byte, cfg.QueueDepth),
		output:     make(chan []byte, cfg.QueueDepth),
		stats:      newStatRing(cfg.StatisticsRing),
		done:       make(chan struct{}),
	}
	s.watchdog = time.AfterFunc(cfg.RecvTimeout, s.Close)
	s.watchdogTimeout = cfg.RecvTimeout
	return s
}

// Version reports the negotiated protocol version.
func (s *Session) Version() uint64 { return s.version }

// InjectIncoming enqueues raw ciphertext received from the wire. It never
// blocks; a full queue drops the packet and reports false. Delivery resets
// the receive-timeout watchdog.
func (s *Session) InjectIncoming(b []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.input <- b:
		s.watchdog.Reset(s.watchdogTimeout)
		return true
	default:
		return false
	}
}

// Outgoing exposes the ciphertext queue an output poller drains.
func (s *Session) Outgoing() <-chan []byte { return s.output }

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// SendBytes encrypts payload and queues it for transmission. A full output
// queue drops the packet: the transport is best-effort and the sender must
// never block indefinitely.
func (s *Session) SendBytes(payload []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.output <- s.encrypt(payload):
		s.stats.noteSent()
	default:
	}
	return nil
}

// SendBytesBlocking is SendBytes for stream layers riding loss-free
// backhauls: instead of dropping on a full output queue it waits for room.
func (s *Session) SendBytesBlocking(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.output <- s.encrypt(payload):
		s.stats.noteSent()
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecvBytes returns the next decryptable payload. Ciphertext that fails to
// decrypt is dropped silently and the wait continues.
func (s *Session) RecvBytes(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		case ct := <-s.input:
			pt, ok := s.decrypt(ct)
			if !ok {
				continue
			}
			s.stats.noteRecv()
			return pt, nil
		}
	}
}

// encrypt frames plaintext in the flavor the peer is known to speak. Legacy
// framing pads to the next size bucket so packet lengths leak less.
func (s *Session) encrypt(payload []byte) []byte {
	if s.useNgSend() {
		return s.sendNg.Encrypt(payload)
	}
	return s.sendLegacy.PadEncryptV1(payload, legacyPadTo(len(payload)))
}

func legacyPadTo(n int) int {
	return (n + 2 + 127) / 128 * 128
}

func (s *Session) decrypt(ct []byte) ([]byte, bool) {
	s.ngMu.Lock()
	ngSeen := s.ngSeen
	s.ngMu.Unlock()
	if pt := s.recvNg.Decrypt(ct); pt != nil {
		if !ngSeen {
			s.ngMu.Lock()
			s.ngSeen = true
			s.ngMu.Unlock()
		}
		return pt, true
	}
	// Legacy framing stays acceptable only until the peer proves it speaks NG.
	if !ngSeen {
		if pt := s.recvLegacy.PadDecryptV1(ct); pt != nil {
			return pt, true
		}
	}
	return nil, false
}

func (s *Session) useNgSend() bool {
	s.ngMu.Lock()
	defer s.ngMu.Unlock()
	return s.ngSeen || s.version >= 3
}

// ObserveSeq lets the stream layer report the highest sequence number it has
// decoded, feeding the loss estimate.
func (s *Session) ObserveSeq(seq uint64) { s.stats.observeSeq(seq) }

// ObservePing lets the stream layer report a round-trip measurement.
func (s *Session) ObservePing(d time.Duration) { s.stats.observePing(d) }

// Stats returns a snapshot of the statistics ring, oldest first.
func (s *Session) Stats() []Sample { return s.stats.snapshot() }

// LatestStat returns the most recent statistics sample.
func (s *Session) LatestStat() Sample { return s.stats.latest() }

// OnDrop registers fn to run when the session is torn down. Hooks added
// after teardown run immediately.
func (s *Session) OnDrop(fn func()) {
	s.hookMu.Lock()
	select {
	case <-s.done:
		s.hookMu.Unlock()
		fn()
		return
	default:
	}
	s.dropHooks = append(s.dropHooks, fn)
	s.hookMu.Unlock()
}

// Close tears the session down, running drop hooks synchronously. It is
// idempotent and also fires automatically on receive timeout.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.watchdog.Stop()
		close(s.done)
		s.hookMu.Lock()
		hooks := s.dropHooks
		s.dropHooks = nil
		s.hookMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}
