package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/robolink/teleop/pkg/protocol"
)

// TokenChecker validates a join token against the gateway's key set and
// token registry for a specific session.
type TokenChecker interface {
	ValidateJoin(tokenString, sessionID string) error
}

// Join validation failures, mapped to wire error codes by the handler.
var (
	ErrMissingToken    = errors.New(protocol.ErrCodeMissingToken)
	ErrInvalidToken    = errors.New(protocol.ErrCodeInvalidToken)
	ErrSessionMismatch = errors.New(protocol.ErrCodeSessionMismatch)
	ErrTokenInvalid    = errors.New(protocol.ErrCodeTokenInvalid)
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Registry owns the live rooms, keyed by session id. Rooms are created
// lazily on first join and destroyed when the last peer leaves or the
// session is revoked.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room

	checker  TokenChecker
	onPaired func(sessionID string)
	logger   *zap.Logger
}

// NewRegistry creates the room registry. onPaired fires when both roles
// are present in a room (the session manager activates the session); it
// may be nil.
func NewRegistry(checker TokenChecker, onPaired func(sessionID string), logger *zap.Logger) *Registry {
	return &Registry{
		rooms:    make(map[string]*Room),
		checker:  checker,
		onPaired: onPaired,
		logger:   logger,
	}
}

// HandleWebSocket upgrades /v1/signal connections and runs the peer's
// read loop on the caller's goroutine.
func (g *Registry) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("signaling upgrade failed", zap.Error(err))
		return
	}

	peer := newPeer(conn, g.logger)
	go peer.writePump()
	g.readLoop(peer)
}

func (g *Registry) readLoop(p *Peer) {
	defer func() {
		p.close("")
		g.detach(p)
	}()

	p.conn.SetReadLimit(maxMsgSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg protocol.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.sendMessage(protocol.SignalErrorMsg(protocol.ErrCodeInvalidJSON, "frame is not valid JSON"))
			continue
		}

		if !p.isJoined() {
			if msg.Type != protocol.SignalJoin {
				p.sendMessage(protocol.SignalErrorMsg(protocol.ErrCodeNotJoined, "first message must be join"))
				continue
			}
			if !g.handleJoin(p, &msg) {
				return
			}
			continue
		}

		switch msg.Type {
		case protocol.SignalOffer, protocol.SignalAnswer, protocol.SignalICE:
			p.room.broadcast(p, data)
		case protocol.SignalLeave:
			p.room.broadcastMessage(p, &protocol.SignalMessage{
				Type:      protocol.SignalSessionState,
				SessionID: p.room.sessionID,
				State:     p.Role() + "_left",
			})
			return
		case protocol.SignalJoin:
			p.sendMessage(protocol.SignalErrorMsg(protocol.ErrCodeUnknownType, "already joined"))
		default:
			p.sendMessage(protocol.SignalErrorMsg(protocol.ErrCodeUnknownType, "unknown message type: "+msg.Type))
		}
	}
}

// handleJoin verifies the token, places the peer, confirms to it, and
// notifies the other role. Returns false when the connection must close.
func (g *Registry) handleJoin(p *Peer, msg *protocol.SignalMessage) bool {
	if msg.Role != protocol.RoleOperator && msg.Role != protocol.RoleRobot {
		p.sendMessage(protocol.SignalErrorMsg(protocol.ErrCodeInvalidJSON, "role must be operator or robot"))
		return false
	}
	if err := g.validate(msg.Token, msg.SessionID); err != nil {
		p.sendMessage(protocol.SignalErrorMsg(err.Error(), "join rejected"))
		p.close("join rejected")
		return false
	}

	room := g.getOrCreate(msg.SessionID)
	displaced, paired := room.addPeer(msg.Role, p)
	p.setJoined(room, msg.Role, msg.SessionID)

	if displaced != nil {
		displaced.close("displaced by new " + msg.Role)
	}

	p.sendMessage(&protocol.SignalMessage{
		Type:      protocol.SignalSessionState,
		SessionID: msg.SessionID,
		State:     "joined",
	})
	room.broadcastMessage(p, &protocol.SignalMessage{
		Type:      protocol.SignalSessionState,
		SessionID: msg.SessionID,
		State:     msg.Role + "_joined",
	})

	g.logger.Info("peer joined signaling room",
		zap.String("session_id", msg.SessionID),
		zap.String("role", msg.Role))

	if paired && g.onPaired != nil {
		g.onPaired(msg.SessionID)
	}
	return true
}

func (g *Registry) validate(tokenString, sessionID string) error {
	if tokenString == "" {
		return ErrMissingToken
	}
	if g.checker == nil {
		return ErrTokenInvalid
	}
	return g.checker.ValidateJoin(tokenString, sessionID)
}

func (g *Registry) getOrCreate(sessionID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[sessionID]
	if !ok {
		room = newRoom(sessionID, g.logger)
		g.rooms[sessionID] = room
	}
	return room
}

// detach removes a departing peer and destroys its room when empty.
func (g *Registry) detach(p *Peer) {
	room := p.room
	if room == nil {
		return
	}
	if room.removePeer(p) {
		g.mu.Lock()
		if g.rooms[room.sessionID] == room {
			delete(g.rooms, room.sessionID)
		}
		g.mu.Unlock()
		g.logger.Debug("signaling room destroyed", zap.String("session_id", room.sessionID))
	}
}

// Revoke pushes the revoked frame into the session's room (if any),
// closes both peer channels, and destroys the room. Returns how many
// peers were notified.
func (g *Registry) Revoke(sessionID, reason string) int {
	g.mu.Lock()
	room, ok := g.rooms[sessionID]
	if ok {
		delete(g.rooms, sessionID)
	}
	g.mu.Unlock()

	if !ok {
		return 0
	}
	return room.pushRevoked(reason)
}

// RoomCount reports live rooms, for observability.
func (g *Registry) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}
