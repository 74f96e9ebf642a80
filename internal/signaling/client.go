package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/robolink/teleop/pkg/protocol"
)

// ClientHandler receives the frames a joined peer cares about. Methods
// run on the client's read goroutine.
type ClientHandler interface {
	OnOffer(sessionID string, sdp []byte)
	OnAnswer(sessionID string, sdp []byte)
	OnICE(sessionID string, candidate []byte)
	OnRevoked(sessionID, reason string)
	OnSessionState(sessionID, state string)
}

// Client is the robot agent's connection to the gateway's signaling
// endpoint. It joins one room and relays frames to the handler.
type Client struct {
	url       string
	sessionID string
	role      string
	token     string
	handler   ClientHandler
	logger    *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	done     chan struct{}
	doneOnce sync.Once
}

func NewClient(url, sessionID, role, token string, handler ClientHandler, logger *zap.Logger) *Client {
	return &Client{
		url:       url,
		sessionID: sessionID,
		role:      role,
		token:     token,
		handler:   handler,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Done closes when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Connect dials the gateway, joins the room, and runs the read loop
// until the connection drops or ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	defer c.markDone()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial signaling: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	if err := c.send(&protocol.SignalMessage{
		Type:      protocol.SignalJoin,
		SessionID: c.sessionID,
		Role:      c.role,
		Token:     c.token,
	}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("signaling read: %w", err)
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var msg protocol.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("malformed signaling frame", zap.Error(err))
		return
	}

	switch msg.Type {
	case protocol.SignalOffer:
		c.handler.OnOffer(msg.SessionID, msg.SDP)
	case protocol.SignalAnswer:
		c.handler.OnAnswer(msg.SessionID, msg.SDP)
	case protocol.SignalICE:
		c.handler.OnICE(msg.SessionID, msg.Candidate)
	case protocol.SignalRevoked:
		c.handler.OnRevoked(msg.SessionID, msg.Reason)
	case protocol.SignalSessionState:
		c.handler.OnSessionState(msg.SessionID, msg.State)
	case protocol.SignalError:
		c.logger.Warn("signaling error frame",
			zap.String("code", msg.Code),
			zap.String("message", msg.Message))
	default:
		c.logger.Debug("ignoring signaling frame", zap.String("type", msg.Type))
	}
}

// SendAnswer relays the local SDP answer through the room.
func (c *Client) SendAnswer(sessionID string, sdp []byte) error {
	return c.send(&protocol.SignalMessage{
		Type:      protocol.SignalAnswer,
		SessionID: sessionID,
		SDP:       sdp,
	})
}

// SendICE relays a local ICE candidate through the room.
func (c *Client) SendICE(sessionID string, candidate []byte) error {
	return c.send(&protocol.SignalMessage{
		Type:      protocol.SignalICE,
		SessionID: sessionID,
		Candidate: candidate,
	})
}

// Leave announces departure; the server tears the peer down.
func (c *Client) Leave() error {
	return c.send(&protocol.SignalMessage{
		Type:      protocol.SignalLeave,
		SessionID: c.sessionID,
	})
}

func (c *Client) send(msg *protocol.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}
