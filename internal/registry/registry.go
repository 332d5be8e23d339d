package registry

import (
	"sync"
	"time"

	"github.com/htrap1211/Legion/internal/protocol"
)

// Status is the liveness state of a peer.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspected Status = "SUSPECTED"
	StatusDead      Status = "DEAD"
)

// PeerInfo is one registry entry. Values returned by Snapshot and Get are
// copies; callers never see registry internals.
type PeerInfo struct {
	ID       protocol.PeerID `json:"id"`
	Address  string          `json:"address"`
	LastSeen time.Time       `json:"last_seen"`
	Status   Status          `json:"status"`
}

// Registry is the concurrency-safe table of known peers. All mutation goes
// through its methods; no other component touches the entries directly.
type Registry struct {
	mu    sync.RWMutex
	peers map[protocol.PeerID]*PeerInfo

	// clock is overridable in tests
	clock func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		peers: make(map[protocol.PeerID]*PeerInfo),
		clock: time.Now,
	}
}

// Upsert records or refreshes a peer, marking it ACTIVE and stamping
// lastSeen. Every received announcement lands here, so this is also the
// heartbeat path.
func (r *Registry) Upsert(id protocol.PeerID, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	if p, ok := r.peers[id]; ok {
		p.Address = address
		p.LastSeen = now
		p.Status = StatusActive
		return
	}
	r.peers[id] = &PeerInfo{
		ID:       id,
		Address:  address,
		LastSeen: now,
		Status:   StatusActive,
	}
}

// MarkSuspected transitions an ACTIVE peer to SUSPECTED. A peer that
// announced again in the meantime stays ACTIVE.
func (r *Registry) MarkSuspected(id protocol.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[id]; ok && p.Status == StatusActive {
		p.Status = StatusSuspected
	}
}

// MarkDead removes a peer from the registry. Dead peers lose leadership
// eligibility and catalog inclusion.
func (r *Registry) MarkDead(id protocol.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Get returns a copy of one entry.
func (r *Registry) Get(id protocol.PeerID) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

// Snapshot returns a copy of all current entries for safe iteration.
func (r *Registry) Snapshot() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// Active returns copies of all entries currently marked ACTIVE.
func (r *Registry) Active() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Status == StatusActive {
			out = append(out, *p)
		}
	}
	return out
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
