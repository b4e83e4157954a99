package backhaul

import (
	"net"
	"net/netip"
	"sync/atomic"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	// udpBufferSize accommodates the largest datagram the transport emits.
	udpBufferSize = 2048
	// udpBatchSize is how many datagrams one RecvFromMany may return.
	udpBatchSize = 16
)

// batchConn is the common surface of ipv4.PacketConn and ipv6.PacketConn.
// On Linux ReadBatch drains several datagrams per syscall (recvmmsg); on
// other platforms it degrades to a single-message read.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

// UDP is a Backhaul over a single UDP socket.
type UDP struct {
	conn   *net.UDPConn
	batch  batchConn
	msgs   []ipv4.Message
	closed atomic.Bool
}

// NewUDP binds a UDP socket on addr ("0.0.0.0:0" for an ephemeral port).
func NewUDP(addr string) (*UDP, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}
	u := &UDP{conn: conn}
	if la := conn.LocalAddr().(*net.UDPAddr); la.IP.To4() != nil {
		u.batch = ipv4.NewPacketConn(conn)
	} else {
		u.batch = ipv6.NewPacketConn(conn)
	}
	u.msgs = make([]ipv4.Message, udpBatchSize)
	for i := range u.msgs {
		u.msgs[i].Buffers = [][]byte{make([]byte, udpBufferSize)}
	}
	return u, nil
}

// SendTo writes one datagram.
func (u *UDP) SendTo(payload []byte, addr netip.AddrPort) error {
	if u.closed.Load() {
		return ErrClosed
	}
	_, err := u.conn.WriteToUDPAddrPort(payload, addr)
	return err
}

// RecvFromMany reads one or more datagrams. Zero-length datagrams are
// dropped. RecvFromMany must not be called concurrently with itself.
func (u *UDP) RecvFromMany() ([]Datagram, error) {
	for {
		n, err := u.batch.ReadBatch(u.msgs, 0)
		if err != nil {
			if u.closed.Load() {
				return nil, ErrClosed
			}
			return nil, err
		}
		out := make([]Datagram, 0, n)
		for i := range u.msgs[:n] {
			m := &u.msgs[i]
			if m.N == 0 {
				continue
			}
			ap, ok := addrPortOf(m.Addr)
			if !ok {
				continue
			}
			payload := make([]byte, m.N)
			copy(payload, m.Buffers[0][:m.N])
			out = append(out, Datagram{Payload: payload, Addr: normalize(ap)})
		}
		if len(out) > 0 {
			return out, nil
		}
	}
}

// LocalAddr reports the bound address.
func (u *UDP) LocalAddr() netip.AddrPort {
	return normalize(u.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// Close shuts the socket down, unblocking pending reads.
func (u *UDP) Close() error {
	u.closed.Store(true)
	return u.conn.Close()
}

func addrPortOf(a net.Addr) (netip.AddrPort, bool) {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	return ua.AddrPort(), true
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	if ap.Addr().Is4In6() {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return ap
}
