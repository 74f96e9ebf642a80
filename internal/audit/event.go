// Package audit implements the bounded, non-blocking audit pipeline: a
// two-class in-memory queue fed by the control plane and a background
// drainer delivering events to a ledger adapter. Enqueueing must never
// stall the control path; the queue bounds are explicit and overflow
// policy differs by class.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped into every event.
const SchemaVersion = 1

// EventType enumerates the session lifecycle and privileged actions.
type EventType string

const (
	EventSessionRequested EventType = "SESSION_REQUESTED"
	EventSessionGranted   EventType = "SESSION_GRANTED"
	EventSessionStarted   EventType = "SESSION_STARTED"
	EventSessionEnded     EventType = "SESSION_ENDED"
	EventSessionRevoked   EventType = "SESSION_REVOKED"
	EventPrivilegedAction EventType = "PRIVILEGED_ACTION"
)

// Critical reports whether an event belongs to the critical class, which
// gets a bounded blocking wait on queue-full instead of drop-oldest.
func (t EventType) Critical() bool {
	switch t {
	case EventSessionRequested, EventSessionGranted, EventSessionStarted,
		EventSessionEnded, EventSessionRevoked, EventPrivilegedAction:
		return true
	}
	return false
}

// maxMetadataBytes bounds the serialized metadata of one event.
const maxMetadataBytes = 4 * 1024

// Event is one immutable audit record destined for the ledger.
type Event struct {
	SchemaVersion int               `json:"schema_version"`
	EventID       string            `json:"event_id"`
	Timestamp     time.Time         `json:"ts"`
	RobotID       string            `json:"robot_id"`
	OperatorDID   string            `json:"operator_did,omitempty"`
	SessionID     string            `json:"session_id"`
	EventType     EventType         `json:"event_type"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewEvent stamps schema version, id and timestamp. Metadata exceeding
// the 4 KB bound is replaced by a truncation marker rather than rejected;
// audit must not fail the caller.
func NewEvent(t EventType, robotID, operatorDID, sessionID string, metadata map[string]string) *Event {
	if oversized(metadata) {
		metadata = map[string]string{"truncated": "metadata exceeded 4KB bound"}
	}
	return &Event{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		RobotID:       robotID,
		OperatorDID:   operatorDID,
		SessionID:     sessionID,
		EventType:     t,
		Metadata:      metadata,
	}
}

func oversized(metadata map[string]string) bool {
	if metadata == nil {
		return false
	}
	raw, err := json.Marshal(metadata)
	return err != nil || len(raw) > maxMetadataBytes
}
