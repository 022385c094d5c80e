// Package presence tracks the peers connected to the relay.
package presence

import (
	"slices"
	"sync"

	"github.com/rudransh-shrivastava/sharedrop/internal/protocol"
)

type Peer struct {
	ID          string
	Platform    Platform
	DisplayName string
}

func (p Peer) Wire() protocol.Peer {
	return protocol.Peer{
		ID:          p.ID,
		Platform:    string(p.Platform),
		DisplayName: p.DisplayName,
	}
}

// Registry keeps the roster in join order. Announcing twice from the same
// connection adds a second entry; Leave removes every entry for the id.
type Registry struct {
	mu    sync.Mutex
	peers []Peer
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Join(id, descriptor, displayName string) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := Peer{
		ID:          id,
		Platform:    ParsePlatform(descriptor),
		DisplayName: displayName,
	}
	r.peers = append(r.peers, p)
	return p
}

// Leave returns the number of entries removed. Unknown ids are a no-op.
func (r *Registry) Leave(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := len(r.peers)
	r.peers = slices.DeleteFunc(r.peers, func(p Peer) bool { return p.ID == id })
	return before - len(r.peers)
}

func (r *Registry) Snapshot() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.peers)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.peers)
}

// Roster renders the snapshot in its wire form.
func (r *Registry) Roster() protocol.Roster {
	snapshot := r.Snapshot()
	peers := make([]protocol.Peer, 0, len(snapshot))
	for _, p := range snapshot {
		peers = append(peers, p.Wire())
	}
	return protocol.Roster{Peers: peers}
}
