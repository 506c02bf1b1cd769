package main

import (
	"fmt"
	"sync"

	"relnet-go"
)

// peerRegistry assigns short display names to connected peers and fans out
// chat payloads to everyone else, the demo's stand-in for a player list.
type peerRegistry struct {
	mu      sync.Mutex
	names   map[*relnet.Peer]string
	nextID  int
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{names: make(map[*relnet.Peer]string)}
}

func (r *peerRegistry) add(p *relnet.Peer) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	name := fmt.Sprintf("peer-%d", r.nextID)
	r.names[p] = name
	return name
}

func (r *peerRegistry) remove(p *relnet.Peer) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.names[p]
	if !ok {
		return "unknown"
	}
	delete(r.names, p)
	return name
}

func (r *peerRegistry) nameOf(p *relnet.Peer) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.names[p]; ok {
		return name
	}
	return "unknown"
}

func (r *peerRegistry) broadcastExcept(sender *relnet.Peer, channelID uint8, data []byte) {
	r.mu.Lock()
	peers := make([]*relnet.Peer, 0, len(r.names))
	for p := range r.names {
		if p != sender {
			peers = append(peers, p)
		}
	}
	r.mu.Unlock()

	for _, p := range peers {
		_ = p.Send(channelID, data, relnet.PacketFlagReliable)
	}
}
