package net

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"FloorBoard/internal/logger"
	"FloorBoard/internal/protocol"
)

// WSPath is where the host serves its websocket endpoint.
const WSPath = "/ws"

// Peer is one websocket connection accepted by the host.
type Peer struct {
	ID   string
	Conn *websocket.Conn
	// Waiter is set when the peer joined as a server rather than an editor.
	Waiter string

	writeMu sync.Mutex
}

// Send writes one envelope to the peer.
func (p *Peer) Send(env protocol.Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.Conn.WriteJSON(env)
}

// PeerManager is used by the host to manage all active connections.
type PeerManager struct {
	peers map[string]*Peer
	mu    sync.RWMutex
	log   *zap.Logger
}

func NewPeerManager(log *zap.Logger) *PeerManager {
	return &PeerManager{
		peers: make(map[string]*Peer),
		log:   logger.OrNop(log).With(zap.String("component", "peers")),
	}
}

// Add registers a peer that just connected.
func (pm *PeerManager) Add(peer *Peer) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.peers[peer.ID] = peer
	pm.log.Info("peer connected",
		zap.String("peer_id", peer.ID),
		zap.String("remote_addr", peer.Conn.RemoteAddr().String()))
}

// Remove forgets a peer.
func (pm *PeerManager) Remove(id string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, ok := pm.peers[id]; ok {
		delete(pm.peers, id)
		pm.log.Info("peer disconnected", zap.String("peer_id", id))
	}
}

// Len returns the number of connected peers.
func (pm *PeerManager) Len() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.peers)
}

// Broadcast sends env to every connected peer, the originator included.
func (pm *PeerManager) Broadcast(env protocol.Envelope) {
	pm.mu.RLock()
	peers := make([]*Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		peers = append(peers, p)
	}
	pm.mu.RUnlock()

	for _, p := range peers {
		if err := p.Send(env); err != nil {
			pm.log.Warn("broadcast failed", zap.String("peer_id", p.ID), zap.String("type", env.Type), zap.Error(err))
		}
	}
}
