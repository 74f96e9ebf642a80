package control

import (
	"time"

	"github.com/robolink/teleop/pkg/protocol"
)

// DefaultStaleThreshold bounds command age before rejection.
const DefaultStaleThreshold = 500 * time.Millisecond

func checkTimestamp(t int64, stale time.Duration) error {
	if t == 0 {
		return &ValidationError{Code: CodeInvalidTimestamp, Detail: "t is zero"}
	}
	age := time.Since(time.UnixMilli(t))
	if age > stale {
		return &ValidationError{Code: CodeStaleCommand, Detail: "command older than threshold"}
	}
	return nil
}

func validateDrive(msg *protocol.DriveMessage, stale time.Duration) error {
	if msg.V < -1 || msg.V > 1 || msg.W < -1 || msg.W > 1 {
		return &ValidationError{Code: CodeOutOfRange, Detail: "v and w must be within [-1,1]"}
	}
	return checkTimestamp(msg.T, stale)
}

func validateKVMKey(msg *protocol.KVMKeyMessage, stale time.Duration) error {
	if msg.Key == "" {
		return &ValidationError{Code: CodeMissingField, Detail: "key is required"}
	}
	if msg.Action != "down" && msg.Action != "up" {
		return &ValidationError{Code: CodeInvalidValue, Detail: "action must be down or up"}
	}
	return checkTimestamp(msg.T, stale)
}

// validateKVMMouse applies only the stale check; dx/dy are clamped by
// the dispatcher, never rejected.
func validateKVMMouse(msg *protocol.KVMMouseMessage, stale time.Duration) error {
	return checkTimestamp(msg.T, stale)
}

// clampDelta bounds mouse deltas to a sane single-frame travel.
func clampDelta(d int) int {
	const maxDelta = 4096
	if d > maxDelta {
		return maxDelta
	}
	if d < -maxDelta {
		return -maxDelta
	}
	return d
}
