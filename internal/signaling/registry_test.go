package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robolink/teleop/pkg/protocol"
)

const goodToken = "token-ok"

type stubChecker struct{}

func (stubChecker) ValidateJoin(tokenString, sessionID string) error {
	switch tokenString {
	case goodToken:
		return nil
	case "wrong-session":
		return ErrSessionMismatch
	default:
		return ErrInvalidToken
	}
}

type pairedRecorder struct {
	mu   sync.Mutex
	sids []string
}

func (r *pairedRecorder) record(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sids = append(r.sids, sid)
}

func (r *pairedRecorder) paired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sids))
	copy(out, r.sids)
	return out
}

type harness struct {
	registry *Registry
	server   *httptest.Server
	paired   *pairedRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rec := &pairedRecorder{}
	reg := NewRegistry(stubChecker{}, rec.record, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(reg.HandleWebSocket))
	t.Cleanup(srv.Close)
	return &harness{registry: reg, server: srv, paired: rec}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.SignalMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.SignalMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

func join(t *testing.T, conn *websocket.Conn, sid, role, token string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(&protocol.SignalMessage{
		Type:      protocol.SignalJoin,
		SessionID: sid,
		Role:      role,
		Token:     token,
	}))
}

func joinOK(t *testing.T, conn *websocket.Conn, sid, role string) {
	t.Helper()
	join(t, conn, sid, role, goodToken)
	msg := readFrame(t, conn)
	require.Equal(t, protocol.SignalSessionState, msg.Type)
	require.Equal(t, "joined", msg.State)
}

func TestJoin_MissingToken(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	join(t, conn, "s1", protocol.RoleOperator, "")
	msg := readFrame(t, conn)
	assert.Equal(t, protocol.SignalError, msg.Type)
	assert.Equal(t, protocol.ErrCodeMissingToken, msg.Code)

	// The connection is closed after a rejected join.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, h.registry.RoomCount())
}

func TestJoin_InvalidToken(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	join(t, conn, "s1", protocol.RoleOperator, "garbage")
	msg := readFrame(t, conn)
	assert.Equal(t, protocol.ErrCodeInvalidToken, msg.Code)
}

func TestJoin_SessionMismatch(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	join(t, conn, "s1", protocol.RoleRobot, "wrong-session")
	msg := readFrame(t, conn)
	assert.Equal(t, protocol.ErrCodeSessionMismatch, msg.Code)
}

func TestFirstMessageMustBeJoin(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	require.NoError(t, conn.WriteJSON(&protocol.SignalMessage{Type: protocol.SignalOffer}))
	msg := readFrame(t, conn)
	assert.Equal(t, protocol.ErrCodeNotJoined, msg.Code)
}

func TestPairing_ActivatesSession(t *testing.T) {
	h := newHarness(t)
	operator := h.dial(t)
	robot := h.dial(t)

	joinOK(t, operator, "s1", protocol.RoleOperator)
	assert.Empty(t, h.paired.paired(), "one peer is not a pair")

	joinOK(t, robot, "s1", protocol.RoleRobot)

	// The operator hears the robot arrive.
	msg := readFrame(t, operator)
	assert.Equal(t, protocol.SignalSessionState, msg.Type)
	assert.Equal(t, "robot_joined", msg.State)

	require.Eventually(t, func() bool {
		return len(h.paired.paired()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"s1"}, h.paired.paired())
	assert.Equal(t, 1, h.registry.RoomCount())
}

func TestRelay_OfferAnswerICE(t *testing.T) {
	h := newHarness(t)
	operator := h.dial(t)
	robot := h.dial(t)
	joinOK(t, operator, "s1", protocol.RoleOperator)
	joinOK(t, robot, "s1", protocol.RoleRobot)
	readFrame(t, operator) // robot_joined

	require.NoError(t, operator.WriteJSON(&protocol.SignalMessage{
		Type:      protocol.SignalOffer,
		SessionID: "s1",
		SDP:       []byte(`{"type":"offer","sdp":"v=0"}`),
	}))
	msg := readFrame(t, robot)
	assert.Equal(t, protocol.SignalOffer, msg.Type)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(msg.SDP))

	require.NoError(t, robot.WriteJSON(&protocol.SignalMessage{
		Type:      protocol.SignalAnswer,
		SessionID: "s1",
		SDP:       []byte(`{"type":"answer","sdp":"v=0"}`),
	}))
	msg = readFrame(t, operator)
	assert.Equal(t, protocol.SignalAnswer, msg.Type)

	require.NoError(t, operator.WriteJSON(&protocol.SignalMessage{
		Type:      protocol.SignalICE,
		SessionID: "s1",
		Candidate: []byte(`{"candidate":"candidate:1"}`),
	}))
	msg = readFrame(t, robot)
	assert.Equal(t, protocol.SignalICE, msg.Type)
	assert.JSONEq(t, `{"candidate":"candidate:1"}`, string(msg.Candidate))
}

func TestLeave_NotifiesOtherPeer(t *testing.T) {
	h := newHarness(t)
	operator := h.dial(t)
	robot := h.dial(t)
	joinOK(t, operator, "s1", protocol.RoleOperator)
	joinOK(t, robot, "s1", protocol.RoleRobot)
	readFrame(t, operator) // robot_joined

	require.NoError(t, operator.WriteJSON(&protocol.SignalMessage{Type: protocol.SignalLeave}))

	msg := readFrame(t, robot)
	assert.Equal(t, protocol.SignalSessionState, msg.Type)
	assert.Equal(t, "operator_left", msg.State)

	// Room survives with one peer, dies when the last leaves.
	require.Eventually(t, func() bool {
		return h.registry.RoomCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	robot.Close()
	require.Eventually(t, func() bool {
		return h.registry.RoomCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisplacement_NewerPeerWins(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t)
	joinOK(t, first, "s1", protocol.RoleOperator)

	second := h.dial(t)
	joinOK(t, second, "s1", protocol.RoleOperator)

	// The displaced peer's connection is closed by the server.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := first.ReadMessage()
		if err != nil {
			break
		}
	}
	assert.Equal(t, 1, h.registry.RoomCount())
}

func TestRevoke_PushesToBothPeers(t *testing.T) {
	h := newHarness(t)
	operator := h.dial(t)
	robot := h.dial(t)
	joinOK(t, operator, "s1", protocol.RoleOperator)
	joinOK(t, robot, "s1", protocol.RoleRobot)
	readFrame(t, operator) // robot_joined

	notified := h.registry.Revoke("s1", "operator_compromised")
	assert.Equal(t, 2, notified)
	assert.Equal(t, 0, h.registry.RoomCount())

	for _, conn := range []*websocket.Conn{operator, robot} {
		msg := readFrame(t, conn)
		assert.Equal(t, protocol.SignalRevoked, msg.Type)
		assert.Equal(t, "s1", msg.SessionID)
		assert.Equal(t, "operator_compromised", msg.Reason)
	}
}

func TestRevoke_NoRoomIsZero(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 0, h.registry.Revoke("missing", "x"))
}

func TestUnknownType_AfterJoin(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	joinOK(t, conn, "s1", protocol.RoleOperator)

	require.NoError(t, conn.WriteJSON(&protocol.SignalMessage{Type: "bogus"}))
	msg := readFrame(t, conn)
	assert.Equal(t, protocol.SignalError, msg.Type)
	assert.Equal(t, protocol.ErrCodeUnknownType, msg.Code)
}
