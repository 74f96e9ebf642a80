package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robolink/teleop/pkg/protocol"
)

// revokePushWait bounds the blocking send of a revocation frame to a
// congested peer. Revocation already committed upstream; the push is for
// latency, not authority.
const revokePushWait = time.Second

// Room is the two-peer rendezvous for one session. At most one peer per
// role; a later join for an occupied role displaces the earlier peer.
type Room struct {
	sessionID string
	logger    *zap.Logger

	mu    sync.Mutex
	peers map[string]*Peer // role → peer
}

func newRoom(sessionID string, logger *zap.Logger) *Room {
	return &Room{
		sessionID: sessionID,
		logger:    logger.With(zap.String("session_id", sessionID)),
		peers:     make(map[string]*Peer),
	}
}

// SessionID returns the session this room is bound to.
func (r *Room) SessionID() string { return r.sessionID }

// addPeer installs a peer under its role, returning the displaced peer
// (closed by the caller) and whether both roles are now present.
func (r *Room) addPeer(role string, p *Peer) (displaced *Peer, paired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	displaced = r.peers[role]
	r.peers[role] = p
	return displaced, len(r.peers) == 2
}

// removePeer drops a peer if it is still the occupant of its role.
// Returns true when the room is now empty.
func (r *Room) removePeer(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[p.Role()] == p {
		delete(r.peers, p.Role())
	}
	return len(r.peers) == 0
}

// broadcast relays a raw frame to every peer except the sender. A peer
// whose send queue is full gets a slow_consumer error and is closed so
// the other peer keeps its liveness.
func (r *Room) broadcast(from *Peer, data []byte) {
	for _, p := range r.snapshot() {
		if p == from {
			continue
		}
		if !p.enqueue(data) {
			r.logger.Warn("slow signaling consumer, closing peer",
				zap.String("role", p.Role()))
			errData, _ := json.Marshal(protocol.SignalErrorMsg(
				protocol.ErrCodeSlowConsumer, "send queue overflow"))
			p.enqueueWait(errData, writeWait)
			p.close("slow consumer")
			r.removePeer(p)
		}
	}
}

// broadcastMessage marshals once and relays to all peers except from
// (nil from reaches everyone).
func (r *Room) broadcastMessage(from *Peer, msg *protocol.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	r.broadcast(from, data)
}

// pushRevoked synchronously pushes the revoked frame to every peer with
// a bounded wait, then closes their channels. Returns the number of
// peers notified.
func (r *Room) pushRevoked(reason string) int {
	data, _ := json.Marshal(&protocol.SignalMessage{
		Type:      protocol.SignalRevoked,
		SessionID: r.sessionID,
		Reason:    reason,
	})

	notified := 0
	for _, p := range r.snapshot() {
		if p.enqueueWait(data, revokePushWait) {
			notified++
		} else {
			r.logger.Warn("revocation push failed for peer",
				zap.String("role", p.Role()))
		}
		p.close("session revoked")
	}
	return notified
}

func (r *Room) snapshot() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}
