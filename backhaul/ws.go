package backhaul

import (
	"net"
	"net/http"
	"net/netip"
	"sync"

	"github.com/gorilla/websocket"
)

// WSServer is a Backhaul surrogate over WebSocket binary messages. Each
// message is one datagram; message framing replaces the length prefixes of
// the TCP surrogate. Deploy behind TLS for cover traffic; the session AEAD
// keeps payloads opaque either way.
type WSServer struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[netip.AddrPort]*wsConn

	recvCh    chan Datagram
	local     netip.AddrPort
	done      chan struct{}
	closeOnce sync.Once
}

type wsConn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (w *wsConn) write(payload []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.ws.WriteMessage(websocket.BinaryMessage, payload)
}

// NewWSServer builds a WebSocket backhaul; register it on an HTTP mux and
// pass it to the listener like any other backhaul.
func NewWSServer() *WSServer {
	return &WSServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  udpBufferSize,
			WriteBufferSize: udpBufferSize,
			// The transport has its own gate; any origin may try.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:  make(map[netip.AddrPort]*wsConn),
		recvCh: make(chan Datagram, tcpRecvQueue),
		done:   make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and pumps messages into the receive queue.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	addr, ok := tcpAddrPort(ws.UnderlyingConn().RemoteAddr())
	if !ok {
		_ = ws.Close()
		return
	}
	wc := &wsConn{ws: ws}
	s.mu.Lock()
	if old := s.conns[addr]; old != nil {
		_ = old.ws.Close()
	}
	s.conns[addr] = wc
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conns[addr] == wc {
			delete(s.conns, addr)
		}
		s.mu.Unlock()
		_ = ws.Close()
	}()
	for {
		mt, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage || len(payload) == 0 {
			continue
		}
		select {
		case s.recvCh <- Datagram{Payload: payload, Addr: addr}:
		case <-s.done:
			return
		}
	}
}

// SendTo writes a datagram to the connection bound to addr; unknown
// addresses are dropped without error.
func (s *WSServer) SendTo(payload []byte, addr netip.AddrPort) error {
	s.mu.Lock()
	wc := s.conns[addr]
	s.mu.Unlock()
	if wc == nil {
		return nil
	}
	if err := wc.write(payload); err != nil {
		s.mu.Lock()
		if s.conns[addr] == wc {
			delete(s.conns, addr)
		}
		s.mu.Unlock()
		_ = wc.ws.Close()
	}
	return nil
}

// RecvFromMany returns at least one datagram, draining what is queued.
func (s *WSServer) RecvFromMany() ([]Datagram, error) {
	return recvMany(s.recvCh, s.done)
}

// SetLocalAddr records the HTTP server's bound address for LocalAddr.
func (s *WSServer) SetLocalAddr(ap netip.AddrPort) { s.local = ap }

// LocalAddr reports the address recorded with SetLocalAddr.
func (s *WSServer) LocalAddr() netip.AddrPort { return s.local }

// Close drops all connections and unblocks pending reads.
func (s *WSServer) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		for _, wc := range s.conns {
			_ = wc.ws.Close()
		}
		s.conns = make(map[netip.AddrPort]*wsConn)
		s.mu.Unlock()
	})
	return nil
}

// WSClient is the dialing side of the WebSocket surrogate. It holds one
// connection; the addr passed to SendTo is recorded as the datagram source
// so the rest of the stack treats it like any other backhaul.
type WSClient struct {
	ws        *wsConn
	remote    netip.AddrPort
	recvCh    chan Datagram
	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects to a WSServer at url (ws:// or wss://) and labels received
// datagrams with remote.
func DialWS(url string, remote netip.AddrPort) (*WSClient, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	c := &WSClient{
		ws:     &wsConn{ws: ws},
		remote: remote,
		recvCh: make(chan Datagram, tcpRecvQueue),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	defer c.ws.ws.Close()
	for {
		mt, payload, err := c.ws.ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage || len(payload) == 0 {
			continue
		}
		select {
		case c.recvCh <- Datagram{Payload: payload, Addr: c.remote}:
		case <-c.done:
			return
		}
	}
}

// SendTo writes one datagram; the single connection serves every addr.
func (c *WSClient) SendTo(payload []byte, _ netip.AddrPort) error {
	return c.ws.write(payload)
}

// RecvFromMany returns at least one datagram, draining what is queued.
func (c *WSClient) RecvFromMany() ([]Datagram, error) {
	return recvMany(c.recvCh, c.done)
}

// LocalAddr reports the local side of the connection.
func (c *WSClient) LocalAddr() netip.AddrPort {
	ap, _ := tcpAddrPort(c.ws.ws.UnderlyingConn().LocalAddr())
	return ap
}

// Close drops the connection and unblocks pending reads.
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.ws.Close()
	})
	return nil
}
