// Package protocol defines the wire messages exchanged between the
// operator console, the gateway signaling rooms, and the robot agent.
// All frames are JSON objects discriminated by a "type" field.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Control channel message types.
const (
	TypeAuth     = "auth"
	TypeDrive    = "drive"
	TypeKVMKey   = "kvm_key"
	TypeKVMMouse = "kvm_mouse"
	TypeEStop    = "e_stop"
	TypePing     = "ping"
	TypeAck      = "ack"
	TypeState    = "state"
)

// Robot operational states reported on the data channel.
const (
	RobotStateIdle           = "idle"
	RobotStateActive         = "active"
	RobotStateSafeStop       = "safe_stop"
	RobotStateSafeStopFailed = "safe_stop_failed"
)

// Envelope carries only the discriminator; payloads are decoded in a
// second pass once the type is known.
type Envelope struct {
	Type string `json:"type"`
}

// AuthMessage must be the first frame on the data channel.
type AuthMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// DriveMessage commands normalized linear (v) and angular (w) velocity.
// Both are bounded to [-1, 1]; T is the sender's wall clock in Unix millis.
type DriveMessage struct {
	Type string  `json:"type"`
	V    float64 `json:"v"`
	W    float64 `json:"w"`
	T    int64   `json:"t"`
}

// KVMKeyMessage is a keyboard event.
type KVMKeyMessage struct {
	Type      string   `json:"type"`
	Key       string   `json:"key"`
	Action    string   `json:"action"` // "down" or "up"
	Modifiers []string `json:"modifiers,omitempty"`
	T         int64    `json:"t"`
}

// KVMMouseMessage is a relative pointer event. DX/DY are clamped by the
// dispatcher, never rejected.
type KVMMouseMessage struct {
	Type    string `json:"type"`
	DX      int    `json:"dx"`
	DY      int    `json:"dy"`
	Buttons int    `json:"buttons"`
	Scroll  int    `json:"scroll"`
	T       int64  `json:"t"`
}

// EStopMessage requests an emergency stop. It is never scope-gated,
// rate-limited, or freshness-checked.
type EStopMessage struct {
	Type string `json:"type"`
	T    int64  `json:"t"`
}

// PingMessage is the liveness heartbeat. TMono is a monotonic reading on
// the sender; the agent never acknowledges pings.
type PingMessage struct {
	Type  string `json:"type"`
	Seq   uint64 `json:"seq"`
	TMono int64  `json:"t_mono"`
}

// AckMessage acknowledges a dispatched command, echoing the command type
// and its timestamp.
type AckMessage struct {
	Type    string `json:"type"`
	RefType string `json:"ref_type"`
	RefT    int64  `json:"ref_t"`
}

// StateMessage reports the robot's operational state after a transition.
type StateMessage struct {
	Type         string `json:"type"`
	RobotState   string `json:"robot_state"`
	SessionState string `json:"session_state"`
	T            int64  `json:"t"`
}

// Ack builds the acknowledgement for a command frame.
func Ack(refType string, refT int64) *AckMessage {
	return &AckMessage{Type: TypeAck, RefType: refType, RefT: refT}
}

// PeekType extracts the discriminator without decoding the payload.
func PeekType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("invalid frame: %w", err)
	}
	return env.Type, nil
}
