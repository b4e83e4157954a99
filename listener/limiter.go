package listener

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleExpiry = 5 * time.Minute

// fallthroughLimiter caps how often packets from an address that already has
// a live session may additionally drive handshake-decode attempts. New
// sessions on an in-use address are rare, so the quota is tiny; without it a
// rogue peer sharing an address with a live session could monopolize
// handshake CPU.
type fallthroughLimiter struct {
	perMinute int
	entries   sync.Map // netip.AddrPort -> *limiterEntry
}

type limiterEntry struct {
	lim *rate.Limiter

	mu   sync.Mutex
	last time.Time
}

func newFallthroughLimiter(perMinute int) *fallthroughLimiter {
	return &fallthroughLimiter{perMinute: perMinute}
}

// allow reports whether addr may spend one handshake-decode attempt.
func (f *fallthroughLimiter) allow(addr netip.AddrPort) bool {
	v, ok := f.entries.Load(addr)
	if !ok {
		e := &limiterEntry{
			lim: rate.NewLimiter(rate.Limit(float64(f.perMinute)/60.0), f.perMinute),
		}
		v, _ = f.entries.LoadOrStore(addr, e)
	}
	e := v.(*limiterEntry)
	e.mu.Lock()
	e.last = time.Now()
	e.mu.Unlock()
	return e.lim.Allow()
}

// gc drops entries that have been idle long enough to be full again anyway.
func (f *fallthroughLimiter) gc() {
	cutoff := time.Now().Add(-limiterIdleExpiry)
	f.entries.Range(func(key, value any) bool {
		e := value.(*limiterEntry)
		e.mu.Lock()
		idle := e.last.Before(cutoff)
		e.mu.Unlock()
		if idle {
			f.entries.Delete(key)
		}
		return true
	})
}
