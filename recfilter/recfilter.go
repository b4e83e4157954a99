// Package recfilter provides a probabilistic set of recently seen packets,
// used to reject handshake replays.
package recfilter

import (
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"
)

const (
	// defaultCapacity bounds each generation of the filter.
	defaultCapacity = 1 << 20
	// rotateInterval is how often the older generation is discarded.
	rotateInterval = 10 * time.Minute
)

// RecentFilter remembers recently seen byte strings with a bounded
// false-positive rate. Two cuckoo-filter generations rotate so memory stays
// bounded while entries are remembered for at least one full interval.
type RecentFilter struct {
	mu         sync.Mutex
	cur        *cuckoo.Filter
	prev       *cuckoo.Filter
	lastRotate time.Time
	now        func() time.Time
}

// New creates an empty RecentFilter.
func New() *RecentFilter {
	return newAt(time.Now)
}

func newAt(now func() time.Time) *RecentFilter {
	return &RecentFilter{
		cur:        cuckoo.NewFilter(defaultCapacity),
		prev:       cuckoo.NewFilter(defaultCapacity),
		lastRotate: now(),
		now:        now,
	}
}

// Check records b and reports whether it had NOT been seen before. The first
// call for a given packet returns true; replays return false until the entry
// ages out of both generations.
func (f *RecentFilter) Check(b []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	if now.Sub(f.lastRotate) > rotateInterval || f.cur.Count() >= defaultCapacity {
		f.prev = f.cur
		f.cur = cuckoo.NewFilter(defaultCapacity)
		f.lastRotate = now
	}
	if f.cur.Lookup(b) || f.prev.Lookup(b) {
		return false
	}
	f.cur.Insert(b)
	return true
}
