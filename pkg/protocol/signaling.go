package protocol

import "encoding/json"

// Signaling message types, exchanged as framed JSON over the /v1/signal
// websocket. join/offer/answer/ice/leave flow peer → room; session_state,
// revoked and error flow room → peer.
const (
	SignalJoin         = "join"
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICE          = "ice"
	SignalLeave        = "leave"
	SignalSessionState = "session_state"
	SignalRevoked      = "revoked"
	SignalError        = "error"
)

// Peer roles inside a signaling room. At most one peer per role.
const (
	RoleOperator = "operator"
	RoleRobot    = "robot"
)

// Signaling error codes.
const (
	ErrCodeMissingToken    = "missing_token"
	ErrCodeInvalidToken    = "invalid_token"
	ErrCodeSessionMismatch = "session_mismatch"
	ErrCodeTokenInvalid    = "token_invalid"
	ErrCodeInvalidJSON     = "invalid_json"
	ErrCodeNotJoined       = "not_joined"
	ErrCodeUnknownType     = "unknown_type"
	ErrCodeSlowConsumer    = "slow_consumer"
)

// SignalMessage is the single frame shape for the signaling channel. The
// relay fields (SDP, Candidate) are opaque blobs: the room forwards them
// without inspection.
type SignalMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Token     string          `json:"token,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	State     string          `json:"state,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// SignalErrorMsg builds an error frame.
func SignalErrorMsg(code, message string) *SignalMessage {
	return &SignalMessage{Type: SignalError, Code: code, Message: message}
}
