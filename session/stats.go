package session

import (
	"sync"
	"time"
)

// Sample is one statistics observation.
type Sample struct {
	Time      time.Time
	HighRecv  uint64        // Highest sequence number reported by the stream layer.
	TotalRecv uint64        // Packets delivered to the consumer.
	TotalSent uint64        // Packets queued for transmission.
	TotalLoss float64       // Estimated loss: 1 - TotalRecv/HighRecv.
	Ping      time.Duration // Last reported round-trip time.
}

// statRing keeps the most recent samples in a fixed-size ring.
type statRing struct {
	mu sync.Mutex

	ring []Sample
	next int
	full bool

	highRecv  uint64
	totalRecv uint64
	totalSent uint64
	ping      time.Duration
}

func newStatRing(size int) *statRing {
	return &statRing{ring: make([]Sample, size)}
}

func (r *statRing) noteRecv() {
	r.mu.Lock()
	r.totalRecv++
	r.pushLocked()
	r.mu.Unlock()
}

func (r *statRing) noteSent() {
	r.mu.Lock()
	r.totalSent++
	r.mu.Unlock()
}

func (r *statRing) observeSeq(seq uint64) {
	r.mu.Lock()
	if seq > r.highRecv {
		r.highRecv = seq
	}
	r.mu.Unlock()
}

func (r *statRing) observePing(d time.Duration) {
	r.mu.Lock()
	r.ping = d
	r.pushLocked()
	r.mu.Unlock()
}

func (r *statRing) sampleLocked() Sample {
	s := Sample{
		Time:      time.Now(),
		HighRecv:  r.highRecv,
		TotalRecv: r.totalRecv,
		TotalSent: r.totalSent,
		Ping:      r.ping,
	}
	if r.highRecv > 0 && r.totalRecv < r.highRecv {
		s.TotalLoss = 1 - float64(r.totalRecv)/float64(r.highRecv)
	}
	return s
}

func (r *statRing) pushLocked() {
	r.ring[r.next] = r.sampleLocked()
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
}

func (r *statRing) latest() Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sampleLocked()
}

func (r *statRing) snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Sample, r.next)
		copy(out, r.ring[:r.next])
		return out
	}
	out := make([]Sample, 0, len(r.ring))
	out = append(out, r.ring[r.next:]...)
	out = append(out, r.ring[:r.next]...)
	return out
}
