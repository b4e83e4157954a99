// Package backhaul abstracts the underlying packet transports behind a
// uniform datagram interface. The listener and session layers depend only on
// this interface and never on whether bytes travel over UDP, framed TCP, or
// WebSocket messages.
package backhaul

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// Datagram is one received packet and its source address.
type Datagram struct {
	Payload []byte
	Addr    netip.AddrPort
}

// Backhaul sends and receives datagrams. Implementations are safe for
// concurrent use. RecvFromMany blocks until at least one datagram is
// available and never returns an empty slice with a nil error; it returns an
// error once the backhaul is closed.
type Backhaul interface {
	SendTo(payload []byte, addr netip.AddrPort) error
	RecvFromMany() ([]Datagram, error)
	LocalAddr() netip.AddrPort
	Close() error
}

// ErrClosed is returned by operations on a closed backhaul.
var ErrClosed = errors.New("backhaul closed")

// Resolve turns host:port into an AddrPort, preferring IPv4.
func Resolve(hostport string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(hostport); err == nil {
		return ap, nil
	}
	ua, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %q: %w", hostport, err)
	}
	ap := ua.AddrPort()
	if ap.Addr().Is4In6() {
		ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return ap, nil
}
