// Package signaling implements the per-session rendezvous rooms where the
// operator and robot exchange SDP/ICE over framed JSON websockets, and
// through which revocation is pushed to both peers.
package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/robolink/teleop/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMsgSize = 64 * 1024

	// sendBuffer bounds the per-peer outbound queue. A peer that cannot
	// drain it is a slow consumer and is closed to protect the room.
	sendBuffer = 64
)

// Peer is one websocket connection inside a room. All writes go through
// the send channel into writePump; readPump is the only reader. This
// single-owner split is what keeps per-peer delivery order equal to the
// room's broadcast order.
type Peer struct {
	conn   *websocket.Conn
	room   *Room
	logger *zap.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	joined    bool
	role      string
	sessionID string
	closeText string
}

func newPeer(conn *websocket.Conn, logger *zap.Logger) *Peer {
	return &Peer{
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Role returns the peer's joined role, empty before join.
func (p *Peer) Role() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

func (p *Peer) isJoined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined
}

func (p *Peer) setJoined(room *Room, role, sessionID string) {
	p.mu.Lock()
	p.joined = true
	p.role = role
	p.sessionID = sessionID
	p.mu.Unlock()
	p.room = room
}

// enqueue is the best-effort send used for normal broadcast. A full
// buffer reports false; the caller applies the slow-consumer policy.
func (p *Peer) enqueue(data []byte) bool {
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// enqueueWait is the bounded-blocking send used for revocation pushes,
// which bypass the normal backpressure budget.
func (p *Peer) enqueueWait(data []byte, timeout time.Duration) bool {
	select {
	case p.send <- data:
		return true
	case <-time.After(timeout):
		return false
	case <-p.done:
		return false
	}
}

// sendMessage marshals and best-effort enqueues a frame to this peer.
func (p *Peer) sendMessage(msg *protocol.SignalMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return p.enqueue(data)
}

// close shuts the peer down exactly once. closeText, when set, is sent in
// the websocket close frame.
func (p *Peer) close(closeText string) {
	p.once.Do(func() {
		p.mu.Lock()
		p.closeText = closeText
		p.mu.Unlock()
		close(p.done)
	})
}

// writePump owns all writes: queued frames, pings, and the close frame.
func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case data := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Debug("signaling write failed", zap.Error(err))
				p.close("")
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close("")
				return
			}
		case <-p.done:
			// Drain anything already queued (revocation pushes land here)
			// before the close frame.
			for {
				select {
				case data := <-p.send:
					p.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if p.conn.WriteMessage(websocket.TextMessage, data) != nil {
						return
					}
				default:
					p.mu.Lock()
					text := p.closeText
					p.mu.Unlock()
					p.conn.SetWriteDeadline(time.Now().Add(writeWait))
					p.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, text))
					return
				}
			}
		}
	}
}
