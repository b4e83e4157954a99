// Package mux multiplexes reliable streams over a Session using yamux. The
// session layer itself guarantees neither delivery nor ordering, so this
// multiplex is meant for single-shard sessions over the loss-free surrogates
// (TCP, WebSocket); over raw UDP or across multiple shards a resequencing
// stream layer belongs here instead.
package mux

import (
	"context"
	"net"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/orinsid/sosistab/session"
)

// maxChunk keeps each session datagram, AEAD overhead included, inside a
// conservative path MTU so every backhaul can carry it.
const maxChunk = 1300

// Multiplex opens and accepts reliable streams over one Session.
type Multiplex struct {
	sess *session.Session
	ym   *yamux.Session
}

// NewClient builds the stream-opening side with defaults if cfg is nil.
func NewClient(sess *session.Session, cfg *yamux.Config) (*Multiplex, error) {
	if cfg == nil {
		cfg = yamux.DefaultConfig()
	}
	ym, err := yamux.Client(newSessConn(sess), cfg)
	if err != nil {
		return nil, err
	}
	return &Multiplex{sess: sess, ym: ym}, nil
}

// NewServer builds the stream-accepting side with defaults if cfg is nil.
func NewServer(sess *session.Session, cfg *yamux.Config) (*Multiplex, error) {
	if cfg == nil {
		cfg = yamux.DefaultConfig()
	}
	ym, err := yamux.Server(newSessConn(sess), cfg)
	if err != nil {
		return nil, err
	}
	return &Multiplex{sess: sess, ym: ym}, nil
}

// OpenStream opens a new stream toward the peer.
func (m *Multiplex) OpenStream() (net.Conn, error) { return m.ym.Open() }

// AcceptStream waits for the peer to open a stream.
func (m *Multiplex) AcceptStream() (net.Conn, error) { return m.ym.Accept() }

// Close tears down the multiplex and the underlying session.
func (m *Multiplex) Close() error {
	err := m.ym.Close()
	m.sess.Close()
	return err
}

// sessConn presents a Session as a net.Conn for yamux. Reads surface one
// datagram at a time, buffering any remainder; writes chunk to fit a
// datagram.
type sessConn struct {
	sess   *session.Session
	ctx    context.Context
	cancel context.CancelFunc
	rest   []byte
}

func newSessConn(sess *session.Session) *sessConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &sessConn{sess: sess, ctx: ctx, cancel: cancel}
}

func (c *sessConn) Read(p []byte) (int, error) {
	if len(c.rest) > 0 {
		n := copy(p, c.rest)
		c.rest = c.rest[n:]
		return n, nil
	}
	payload, err := c.sess.RecvBytes(c.ctx)
	if err != nil {
		return 0, err
	}
	n := copy(p, payload)
	if n < len(payload) {
		c.rest = payload[n:]
	}
	return n, nil
}

func (c *sessConn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		if err := c.sess.SendBytesBlocking(c.ctx, chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (c *sessConn) Close() error {
	c.cancel()
	c.sess.Close()
	return nil
}

type sessAddr struct{}

func (sessAddr) Network() string { return "sosistab" }
func (sessAddr) String() string  { return "sosistab" }

func (c *sessConn) LocalAddr() net.Addr  { return sessAddr{} }
func (c *sessConn) RemoteAddr() net.Addr { return sessAddr{} }

// yamux drives its own keepalive timers; per-read deadlines are not needed.
func (c *sessConn) SetDeadline(time.Time) error      { return nil }
func (c *sessConn) SetReadDeadline(time.Time) error  { return nil }
func (c *sessConn) SetWriteDeadline(time.Time) error { return nil }
