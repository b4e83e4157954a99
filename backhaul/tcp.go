package backhaul

import (
	"net"
	"net/netip"
	"sync"

	"github.com/orinsid/sosistab/crypt"
)

const tcpRecvQueue = 1024

// TCPServer is a Backhaul surrogate over framed, obfuscated TCP connections.
// Each accepted connection contributes datagrams tagged with its remote
// address, so the listener sees the same bytes+addr shape as over UDP.
type TCPServer struct {
	ln       net.Listener
	serverPK crypt.PubKey

	mu    sync.Mutex
	conns map[netip.AddrPort]*obfsConn

	recvCh    chan Datagram
	done      chan struct{}
	closeOnce sync.Once
}

// NewTCPServer listens on addr. The long-term secret key gates the per-
// connection obfuscation handshake.
func NewTCPServer(addr string, longSK crypt.SecKey) (*TCPServer, error) {
	pk, err := longSK.Public()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &TCPServer{
		ln:       ln,
		serverPK: pk,
		conns:    make(map[netip.AddrPort]*obfsConn),
		recvCh:   make(chan Datagram, tcpRecvQueue),
		done:     make(chan struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

func (s *TCPServer) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(c)
	}
}

func (s *TCPServer) serveConn(c net.Conn) {
	oc, err := newObfsConn(c, s.serverPK, false)
	if err != nil {
		// Probes that fail the gate get a silent close.
		_ = c.Close()
		return
	}
	addr, ok := tcpAddrPort(c.RemoteAddr())
	if !ok {
		_ = c.Close()
		return
	}
	s.mu.Lock()
	if old := s.conns[addr]; old != nil {
		_ = old.close()
	}
	s.conns[addr] = oc
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conns[addr] == oc {
			delete(s.conns, addr)
		}
		s.mu.Unlock()
		_ = oc.close()
	}()
	for {
		payload, err := oc.readFrame()
		if err != nil {
			return
		}
		select {
		case s.recvCh <- Datagram{Payload: payload, Addr: addr}:
		case <-s.done:
			return
		}
	}
}

// SendTo writes a datagram to the connection bound to addr. Datagrams to
// unknown addresses are dropped without error: the peer has gone away and
// the transport is best-effort.
func (s *TCPServer) SendTo(payload []byte, addr netip.AddrPort) error {
	s.mu.Lock()
	oc := s.conns[addr]
	s.mu.Unlock()
	if oc == nil {
		return nil
	}
	if err := oc.writeFrame(payload); err != nil {
		s.mu.Lock()
		if s.conns[addr] == oc {
			delete(s.conns, addr)
		}
		s.mu.Unlock()
		_ = oc.close()
	}
	return nil
}

// RecvFromMany returns at least one datagram, draining what is queued.
func (s *TCPServer) RecvFromMany() ([]Datagram, error) {
	return recvMany(s.recvCh, s.done)
}

// LocalAddr reports the listening address.
func (s *TCPServer) LocalAddr() netip.AddrPort {
	ap, _ := tcpAddrPort(s.ln.Addr())
	return ap
}

// Close shuts down the listener and all connections.
func (s *TCPServer) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.ln.Close()
		s.mu.Lock()
		for _, oc := range s.conns {
			_ = oc.close()
		}
		s.conns = make(map[netip.AddrPort]*obfsConn)
		s.mu.Unlock()
	})
	return nil
}

// TCPClient is the dialing side of the TCP surrogate. Connections are opened
// lazily per destination and reused.
type TCPClient struct {
	serverPK crypt.PubKey

	mu    sync.Mutex
	conns map[netip.AddrPort]*obfsConn

	recvCh    chan Datagram
	done      chan struct{}
	closeOnce sync.Once
}

// NewTCPClient builds a dialing backhaul that speaks to servers holding the
// secret key for serverPK.
func NewTCPClient(serverPK crypt.PubKey) *TCPClient {
	return &TCPClient{
		serverPK: serverPK,
		conns:    make(map[netip.AddrPort]*obfsConn),
		recvCh:   make(chan Datagram, tcpRecvQueue),
		done:     make(chan struct{}),
	}
}

// SendTo writes a datagram, dialing the destination on first use.
func (c *TCPClient) SendTo(payload []byte, addr netip.AddrPort) error {
	oc, err := c.connFor(addr)
	if err != nil {
		return err
	}
	if err := oc.writeFrame(payload); err != nil {
		c.mu.Lock()
		if c.conns[addr] == oc {
			delete(c.conns, addr)
		}
		c.mu.Unlock()
		_ = oc.close()
		return err
	}
	return nil
}

func (c *TCPClient) connFor(addr netip.AddrPort) (*obfsConn, error) {
	c.mu.Lock()
	oc := c.conns[addr]
	c.mu.Unlock()
	if oc != nil {
		return oc, nil
	}
	raw, err := net.Dial("tcp", addr.String())
	if err != nil {
		return nil, err
	}
	oc, err = newObfsConn(raw, c.serverPK, true)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	c.mu.Lock()
	if existing := c.conns[addr]; existing != nil {
		c.mu.Unlock()
		_ = oc.close()
		return existing, nil
	}
	c.conns[addr] = oc
	c.mu.Unlock()
	go c.readLoop(addr, oc)
	return oc, nil
}

func (c *TCPClient) readLoop(addr netip.AddrPort, oc *obfsConn) {
	defer func() {
		c.mu.Lock()
		if c.conns[addr] == oc {
			delete(c.conns, addr)
		}
		c.mu.Unlock()
		_ = oc.close()
	}()
	for {
		payload, err := oc.readFrame()
		if err != nil {
			return
		}
		select {
		case c.recvCh <- Datagram{Payload: payload, Addr: addr}:
		case <-c.done:
			return
		}
	}
}

// RecvFromMany returns at least one datagram, draining what is queued.
func (c *TCPClient) RecvFromMany() ([]Datagram, error) {
	return recvMany(c.recvCh, c.done)
}

// LocalAddr is zero for the dialing side; each connection has its own.
func (c *TCPClient) LocalAddr() netip.AddrPort { return netip.AddrPort{} }

// Close shuts down all connections.
func (c *TCPClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		for _, oc := range c.conns {
			_ = oc.close()
		}
		c.conns = make(map[netip.AddrPort]*obfsConn)
		c.mu.Unlock()
	})
	return nil
}

func recvMany(recvCh chan Datagram, done chan struct{}) ([]Datagram, error) {
	var first Datagram
	select {
	case first = <-recvCh:
	case <-done:
		return nil, ErrClosed
	}
	out := []Datagram{first}
	for len(out) < udpBatchSize {
		select {
		case dg := <-recvCh:
			out = append(out, dg)
		default:
			return out, nil
		}
	}
	return out, nil
}

func tcpAddrPort(a net.Addr) (netip.AddrPort, bool) {
	ta, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	return normalize(ta.AddrPort()), true
}
