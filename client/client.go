// Package client dials sosistab servers: it performs the stateless
// handshake, redeems the resume token on every shard, and hands the caller a
// live Session.
package client

import (
	"context"
	"fmt"
	mrand "math/rand"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orinsid/sosistab/backhaul"
	"github.com/orinsid/sosistab/crypt"
	"github.com/orinsid/sosistab/internal/defaults"
	"github.com/orinsid/sosistab/protocol"
	"github.com/orinsid/sosistab/session"
	"github.com/orinsid/sosistab/sterrors"
)

// BackhaulGen creates one independent underlying flow. Each shard gets its
// own backhaul so a single-path failure or per-flow rate limit cannot take
// the whole session down.
type BackhaulGen func() (backhaul.Backhaul, error)

// Config parameterizes ConnectCustom.
type Config struct {
	ServerAddr   netip.AddrPort
	ServerPubkey crypt.PubKey
	BackhaulGen  BackhaulGen
	NumShards    int
	// ResetInterval, when nonzero, transparently rebinds a random shard to a
	// fresh backhaul every interval, shedding stale NAT entries.
	ResetInterval time.Duration
}

// ConnectUDP dials a server over UDP with production shard settings.
func ConnectUDP(ctx context.Context, addr string, serverPK crypt.PubKey) (*session.Session, error) {
	ap, err := backhaul.Resolve(addr)
	if err != nil {
		return nil, sterrors.Wrap(sterrors.StageResolve, sterrors.CodeResolveFailed, err)
	}
	return ConnectCustom(ctx, Config{
		ServerAddr:   ap,
		ServerPubkey: serverPK,
		BackhaulGen: func() (backhaul.Backhaul, error) {
			return backhaul.NewUDP("0.0.0.0:0")
		},
		NumShards:     defaults.UDPShards,
		ResetInterval: defaults.UDPResetInterval,
	})
}

// ConnectTCP dials a server over the obfuscated TCP surrogate.
func ConnectTCP(ctx context.Context, addr string, serverPK crypt.PubKey) (*session.Session, error) {
	ap, err := backhaul.Resolve(addr)
	if err != nil {
		return nil, sterrors.Wrap(sterrors.StageResolve, sterrors.CodeResolveFailed, err)
	}
	return ConnectCustom(ctx, Config{
		ServerAddr:   ap,
		ServerPubkey: serverPK,
		BackhaulGen: func() (backhaul.Backhaul, error) {
			return backhaul.NewTCPClient(serverPK), nil
		},
		NumShards: defaults.TCPShards,
	})
}

const protocolVersion = 3

// ConnectCustom runs the client handshake over caller-supplied backhauls.
func ConnectCustom(ctx context.Context, cfg Config) (*session.Session, error) {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 1
	}
	// Shard IDs travel as a single byte.
	if cfg.NumShards > 256 {
		cfg.NumShards = 256
	}
	if cfg.BackhaulGen == nil {
		return nil, sterrors.Wrap(sterrors.StageBind, sterrors.CodeBindFailed, fmt.Errorf("missing backhaul generator"))
	}

	longSK, longPK, err := crypt.GenerateKeypair()
	if err != nil {
		return nil, sterrors.Wrap(sterrors.StageHello, sterrors.CodeKeyFailed, err)
	}
	ephSK, ephPK, err := crypt.GenerateKeypair()
	if err != nil {
		return nil, sterrors.Wrap(sterrors.StageHello, sterrors.CodeKeyFailed, err)
	}

	shards := newShardSet(cfg)
	bh0, err := cfg.BackhaulGen()
	if err != nil {
		return nil, sterrors.Wrap(sterrors.StageBind, sterrors.CodeBindFailed, err)
	}
	shards.install(0, bh0)

	hello, err := shards.exchangeHello(ctx, longPK, ephPK)
	if err != nil {
		shards.closeAll()
		return nil, err
	}
	if hello.LongPK != cfg.ServerPubkey {
		shards.closeAll()
		return nil, sterrors.Wrap(sterrors.StageVerify, sterrors.CodePubkeyMismatch, nil)
	}

	sessKey, err := crypt.TripleECDH(longSK, ephSK, hello.LongPK, hello.EphPK)
	if err != nil {
		shards.closeAll()
		return nil, sterrors.Wrap(sterrors.StageVerify, sterrors.CodeKeyFailed, err)
	}

	sess := session.New(session.Config{
		SendKey: crypt.UpSubKey(sessKey),
		RecvKey: crypt.DnSubKey(sessKey),
		Version: protocolVersion,
	})
	shards.attach(sess, hello.ResumeToken)

	// Redeem the token on every shard; each shard is an independent flow.
	var g errgroup.Group
	for i := 1; i < cfg.NumShards; i++ {
		g.Go(func() error {
			bh, err := cfg.BackhaulGen()
			if err != nil {
				return err
			}
			shards.install(i, bh)
			return shards.sendResume(uint8(i))
		})
	}
	resumeErr := shards.sendResume(0)
	err = g.Wait()
	if err == nil {
		err = resumeErr
	}
	if err != nil {
		sess.Close()
		shards.closeAll()
		return nil, sterrors.Wrap(sterrors.StageResume, sterrors.CodeSendFailed, err)
	}

	go shards.outputPump()
	if cfg.ResetInterval > 0 {
		go shards.resetLoop()
	}
	sess.OnDrop(shards.closeAll)
	return sess, nil
}

// shardSet owns the client's underlying flows for one session. Each shard
// backhaul has a pump goroutine delivering received datagrams into the
// current sink: the handshake collector before the session exists, the
// session input afterwards.
type shardSet struct {
	cfg    Config
	cookie *crypt.Cookie

	sink atomic.Value // func([]byte)

	handshakeCh chan []byte

	mu     sync.Mutex
	token  []byte
	sess   *session.Session
	bhs    []backhaul.Backhaul
	cursor int
}

func newShardSet(cfg Config) *shardSet {
	s := &shardSet{
		cfg:         cfg,
		cookie:      crypt.NewCookie(cfg.ServerPubkey),
		handshakeCh: make(chan []byte, 64),
		bhs:         make([]backhaul.Backhaul, cfg.NumShards),
	}
	s.sink.Store(func(b []byte) {
		select {
		case s.handshakeCh <- b:
		default:
		}
	})
	return s
}

// install registers a backhaul for a shard and starts its receive pump.
func (s *shardSet) install(shard int, bh backhaul.Backhaul) {
	s.mu.Lock()
	s.bhs[shard] = bh
	s.mu.Unlock()
	go func() {
		for {
			dgs, err := bh.RecvFromMany()
			if err != nil {
				return
			}
			sink := s.sink.Load().(func([]byte))
			for _, dg := range dgs {
				sink(dg.Payload)
			}
		}
	}()
}

// attach switches every pump's sink to the established session.
func (s *shardSet) attach(sess *session.Session, token []byte) {
	s.mu.Lock()
	s.sess = sess
	s.token = append([]byte(nil), token...)
	s.mu.Unlock()
	s.sink.Store(func(b []byte) { sess.InjectIncoming(b) })
}

// exchangeHello sends ClientHello with backoff until a decryptable
// ServerHello arrives or the retry budget is exhausted.
func (s *shardSet) exchangeHello(ctx context.Context, longPK, ephPK crypt.PubKey) (*protocol.ServerHello, error) {
	helloBody := protocol.EncodePacket([]protocol.Frame{{
		Tag: protocol.TagClientHello,
		ClientHello: &protocol.ClientHello{
			LongPK:  longPK,
			EphPK:   ephPK,
			Version: protocolVersion,
		},
	}})

	backoff := defaults.HelloBackoff
	for attempt := 0; attempt < defaults.HelloRetries; attempt++ {
		c2sKey := s.cookie.GenerateC2S()[0]
		pkt := crypt.NewLegacyAEAD(c2sKey).PadEncryptV1(helloBody, defaults.HandshakePadSize)
		if err := s.sendShard(0, pkt); err != nil {
			// The server may simply not be up yet; retry on the same budget.
			select {
			case <-ctx.Done():
				return nil, sterrors.Wrap(sterrors.StageHello, sterrors.CodeCanceled, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		deadline := time.NewTimer(backoff)
	wait:
		for {
			select {
			case <-ctx.Done():
				deadline.Stop()
				return nil, sterrors.Wrap(sterrors.StageHello, sterrors.CodeCanceled, ctx.Err())
			case <-deadline.C:
				break wait
			case raw := <-s.handshakeCh:
				if sh := s.decodeServerHello(raw); sh != nil {
					deadline.Stop()
					return sh, nil
				}
			}
		}
		backoff *= 2
	}
	return nil, sterrors.Wrap(sterrors.StageHello, sterrors.CodeTimeout, nil)
}

func (s *shardSet) decodeServerHello(pkt []byte) *protocol.ServerHello {
	for _, key := range s.cookie.GenerateS2C() {
		body := crypt.NewLegacyAEAD(key).PadDecryptV1(pkt)
		if body == nil {
			continue
		}
		frame, err := protocol.DecodeHandshakePacket(body)
		if err != nil || frame.Tag != protocol.TagServerHello {
			return nil
		}
		return frame.ServerHello
	}
	return nil
}

func (s *shardSet) sendShard(shard uint8, pkt []byte) error {
	s.mu.Lock()
	bh := s.bhs[shard]
	s.mu.Unlock()
	if bh == nil {
		return fmt.Errorf("shard %d has no backhaul", shard)
	}
	return bh.SendTo(pkt, s.cfg.ServerAddr)
}

// sendResume redeems the token on a shard under the current cookie epoch.
func (s *shardSet) sendResume(shard uint8) error {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	body := protocol.EncodePacket([]protocol.Frame{{
		Tag: protocol.TagClientResume,
		ClientResume: &protocol.ClientResume{
			ResumeToken: token,
			ShardID:     shard,
		},
	}})
	c2sKey := s.cookie.GenerateC2S()[0]
	return s.sendShard(shard, crypt.NewLegacyAEAD(c2sKey).PadEncryptV1(body, defaults.HandshakePadSize))
}

// outputPump drains session ciphertext round-robin across shards.
func (s *shardSet) outputPump() {
	for {
		select {
		case ct := <-s.sess.Outgoing():
			s.mu.Lock()
			s.cursor = (s.cursor + 1) % len(s.bhs)
			bh := s.bhs[s.cursor]
			s.mu.Unlock()
			if bh != nil {
				_ = bh.SendTo(ct, s.cfg.ServerAddr)
			}
		case <-s.sess.Done():
			return
		}
	}
}

// resetLoop periodically moves a random shard onto a fresh backhaul and
// re-redeems the token there, so NAT entries never go stale.
func (s *shardSet) resetLoop() {
	ticker := time.NewTicker(s.cfg.ResetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sess.Done():
			return
		case <-ticker.C:
			shard := mrand.Intn(len(s.bhs))
			fresh, err := s.cfg.BackhaulGen()
			if err != nil {
				continue
			}
			s.mu.Lock()
			old := s.bhs[shard]
			s.mu.Unlock()
			s.install(shard, fresh)
			_ = s.sendResume(uint8(shard))
			if old != nil {
				_ = old.Close()
			}
		}
	}
}

func (s *shardSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, bh := range s.bhs {
		if bh != nil {
			_ = bh.Close()
			s.bhs[i] = nil
		}
	}
}
