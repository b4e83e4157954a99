package listener

import (
	"net/netip"
	"sync"

	"github.com/orinsid/sosistab/session"
)

// ShardedAddrs tracks the remote address of each shard belonging to one
// session, with a rotating cursor so outbound traffic spreads across shards.
// It is read by the session's output poller and written by the listener's
// rebind path, which run in different goroutines.
type ShardedAddrs struct {
	mu     sync.RWMutex
	addrs  map[uint8]netip.AddrPort
	order  []uint8
	cursor int
}

func newShardedAddrs(shard uint8, addr netip.AddrPort) *ShardedAddrs {
	return &ShardedAddrs{
		addrs: map[uint8]netip.AddrPort{shard: addr},
		order: []uint8{shard},
	}
}

// GetAddr returns the address the next outbound packet should target,
// rotating across shards.
func (s *ShardedAddrs) GetAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = (s.cursor + 1) % len(s.order)
	return s.addrs[s.order[s.cursor]]
}

func (s *ShardedAddrs) set(shard uint8, addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.addrs[shard]; !ok {
		s.order = append(s.order, shard)
	}
	s.addrs[shard] = addr
}

func (s *ShardedAddrs) all() []netip.AddrPort {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]netip.AddrPort, 0, len(s.addrs))
	for _, a := range s.addrs {
		out = append(out, a)
	}
	return out
}

type tableEntry struct {
	sess  *session.Session
	addrs *ShardedAddrs
}

// sessionTable maps resume tokens and remote addresses to live sessions. It
// is owned exclusively by the listener actor; only the ShardedAddrs values
// inside entries are shared with other goroutines.
//
// Invariants: every token has at least one address pointing at it, and
// byAddr is many-to-one onto tokens. Rebinding an address to a new token
// overwrites the old mapping; deleting a token purges every address bound to
// it.
type sessionTable struct {
	byToken map[string]*tableEntry
	byAddr  map[netip.AddrPort]string
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		byToken: make(map[string]*tableEntry),
		byAddr:  make(map[netip.AddrPort]string),
	}
}

// lookup resolves a remote address to the session it belongs to.
func (t *sessionTable) lookup(addr netip.AddrPort) *session.Session {
	token, ok := t.byAddr[addr]
	if !ok {
		return nil
	}
	entry, ok := t.byToken[token]
	if !ok {
		return nil
	}
	return entry.sess
}

// newSess inserts a session under its resume token.
func (t *sessionTable) newSess(token []byte, sess *session.Session, addrs *ShardedAddrs) {
	t.byToken[string(token)] = &tableEntry{sess: sess, addrs: addrs}
}

// rebind points addr at the given shard of token's session. It reports false
// when the token is unknown, which is how the caller learns a Resume is new.
func (t *sessionTable) rebind(addr netip.AddrPort, shard uint8, token []byte) bool {
	entry, ok := t.byToken[string(token)]
	if !ok {
		return false
	}
	entry.addrs.set(shard, addr)
	t.byAddr[addr] = string(token)
	return true
}

// delete removes a session and purges every address bound to it.
func (t *sessionTable) delete(token []byte) {
	key := string(token)
	entry, ok := t.byToken[key]
	if !ok {
		return
	}
	delete(t.byToken, key)
	for _, addr := range entry.addrs.all() {
		// An address may have been rebound to another session since; only
		// purge mappings that still point at this token.
		if t.byAddr[addr] == key {
			delete(t.byAddr, addr)
		}
	}
}

func (t *sessionTable) size() int { return len(t.byToken) }
