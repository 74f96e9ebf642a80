// Package session owns the lifecycle of gateway session records: policy-
// gated creation, capability issuance, activation, termination, refresh.
// Record state is monotonic; only this package and the revocation
// coordinator mutate it.
package session

import (
	"errors"
	"time"
)

// State is the session lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StateActive     State = "active"
	StateTerminated State = "terminated"
	StateRevoked    State = "revoked"
)

// Terminal reports whether no further transition is legal.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateRevoked
}

// Live reports whether tokens bound to the session may still validate.
func (s State) Live() bool {
	return s == StatePending || s == StateActive
}

// Record is one session. Fields are fixed at creation except State and
// ExpiresAt (refresh extends it).
type Record struct {
	SessionID      string    `json:"session_id"`
	RobotID        string    `json:"robot_id"`
	OperatorDID    string    `json:"operator_did"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	EffectiveScope []string  `json:"effective_scope"`
}

// Session-surface failures.
var (
	ErrSessionNotFound  = errors.New("session_not_found")
	ErrSessionNotActive = errors.New("session_not_active")
	ErrInvalidToken     = errors.New("invalid_token")
)

// PolicyDeniedError carries the denial detail for the 403 response.
type PolicyDeniedError struct {
	Reason      string
	MatchedRule string
}

func (e *PolicyDeniedError) Error() string { return "policy_denied: " + e.Reason }

// transition enforces monotonicity: pending → active → terminated, or
// any non-terminal state → revoked. Returns false when the transition is
// not legal from the current state.
func (r *Record) transition(to State) bool {
	if r.State.Terminal() {
		return false
	}
	switch to {
	case StateActive:
		if r.State != StatePending {
			return false
		}
	case StateTerminated, StateRevoked:
		// Any non-terminal state may end.
	default:
		return false
	}
	r.State = to
	return true
}
