// Package peer tracks the nodes this process syncs with and finds them by
// periodic UDP broadcast.
package peer

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

// Info describes one known peer.
type Info struct {
	Addr      netip.AddrPort `json:"addr"`
	Source    string         `json:"source,omitempty"`
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
}

// Set is the shared peer membership. Discovery inserts, the transport evicts;
// both go through the same lock.
type Set struct {
	mu    sync.RWMutex
	peers map[netip.AddrPort]*Info
	now   func() time.Time
}

func NewSet() *Set {
	return &Set{
		peers: make(map[netip.AddrPort]*Info),
		now:   time.Now,
	}
}

// Add records addr and reports whether it was not already present. A known
// peer only has its last-seen time refreshed.
func (s *Set) Add(addr netip.AddrPort, source string) bool {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.peers[addr]; ok {
		p.LastSeen = now
		if source != "" {
			p.Source = source
		}
		return false
	}
	s.peers[addr] = &Info{Addr: addr, Source: source, FirstSeen: now, LastSeen: now}
	return true
}

// Remove drops addr and reports whether it was present.
func (s *Set) Remove(addr netip.AddrPort) bool {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.peers[addr]; !ok {
		return false
	}
	delete(s.peers, addr)
	return true
}

func (s *Set) Contains(addr netip.AddrPort) bool {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[addr]
	return ok
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// List returns the peer addresses in ascending order.
func (s *Set) List() []netip.AddrPort {
	s.mu.RLock()
	out := make([]netip.AddrPort, 0, len(s.peers))
	for addr := range s.peers {
		out = append(out, addr)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Snapshot returns a copy of every peer record, ordered like List.
func (s *Set) Snapshot() []Info {
	s.mu.RLock()
	out := make([]Info, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Compare(out[j].Addr) < 0 })
	return out
}
