package backhaul

import "net/netip"

// Stats wraps a Backhaul and reports per-datagram byte counts to callbacks.
// Either callback may be nil.
type Stats struct {
	inner  Backhaul
	onRecv func(n int, addr netip.AddrPort)
	onSend func(n int, addr netip.AddrPort)
}

// NewStats wraps inner with receive/send accounting callbacks.
func NewStats(inner Backhaul, onRecv, onSend func(n int, addr netip.AddrPort)) *Stats {
	return &Stats{inner: inner, onRecv: onRecv, onSend: onSend}
}

func (s *Stats) SendTo(payload []byte, addr netip.AddrPort) error {
	err := s.inner.SendTo(payload, addr)
	if err == nil && s.onSend != nil {
		s.onSend(len(payload), addr)
	}
	return err
}

func (s *Stats) RecvFromMany() ([]Datagram, error) {
	dgs, err := s.inner.RecvFromMany()
	if err != nil {
		return nil, err
	}
	if s.onRecv != nil {
		for _, dg := range dgs {
			s.onRecv(len(dg.Payload), dg.Addr)
		}
	}
	return dgs, nil
}

func (s *Stats) LocalAddr() netip.AddrPort { return s.inner.LocalAddr() }

func (s *Stats) Close() error { return s.inner.Close() }
