// Package control is the robot-side command dispatcher: it parses data-
// channel frames, gates them on session state, scope, validation, and
// rate limits, and drives the actuator. The session-active check runs
// before any safety notification so a revoked session cannot keep
// feeding the invalid-command counter.
package control

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robolink/teleop/internal/robot"
	"github.com/robolink/teleop/pkg/protocol"
)

// ScopeControl gates motion and input commands.
const ScopeControl = "teleop:control"

// SessionChecker reports whether the current session still holds
// authority. Revocation flips it to false.
type SessionChecker interface {
	IsActive() bool
}

// SafetyNotifier receives dispatcher outcomes. Implemented by the
// safety monitor.
type SafetyNotifier interface {
	OnValidControl()
	OnInvalidCommand()
	OnEStop()
}

// Authorizer validates the first-frame auth token and yields the
// granted scope.
type Authorizer interface {
	Authorize(sessionID, tokenString string) (scope []string, err error)
}

// Handler dispatches control frames for one session run.
type Handler struct {
	actuator robot.Actuator
	safety   SafetyNotifier
	limiter  *RateLimiter
	session  SessionChecker
	auth     Authorizer
	stale    time.Duration
	logger   *zap.Logger

	mu         sync.RWMutex
	authorized bool
	scope      map[string]struct{}
}

// NewHandler wires the dispatcher. safety, limiter, and auth may be nil
// (nil limiter admits everything; nil auth leaves the handler
// unauthorized until SetScope).
func NewHandler(actuator robot.Actuator, safety SafetyNotifier, limiter *RateLimiter,
	session SessionChecker, auth Authorizer, stale time.Duration, logger *zap.Logger) *Handler {
	if stale <= 0 {
		stale = DefaultStaleThreshold
	}
	return &Handler{
		actuator: actuator,
		safety:   safety,
		limiter:  limiter,
		session:  session,
		auth:     auth,
		stale:    stale,
		logger:   logger,
		scope:    make(map[string]struct{}),
	}
}

// SetScope marks the handler authorized with the given scope, bypassing
// the auth frame. Used by tests and by agents that validate tokens at
// signaling time.
func (h *Handler) SetScope(scope []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authorized = true
	h.scope = make(map[string]struct{}, len(scope))
	for _, s := range scope {
		h.scope[s] = struct{}{}
	}
}

// HandleMessage processes one frame. The returned ack, when non-nil, is
// sent back on the data channel; ping returns neither ack nor error.
func (h *Handler) HandleMessage(data []byte) (*protocol.AckMessage, error) {
	typ, err := protocol.PeekType(data)
	if err != nil {
		h.notifyInvalid()
		return nil, &ValidationError{Code: CodeInvalidJSON, Detail: err.Error()}
	}

	// Revocation gate. A revoked session gets no dispatch and no safety
	// weight; the safe-stop for revocation arrives on the push path.
	if h.session != nil && !h.session.IsActive() {
		return nil, ErrSessionRevoked
	}

	switch typ {
	case protocol.TypeEStop:
		return h.handleEStop(data)
	case protocol.TypeAuth:
		return h.handleAuth(data)
	case protocol.TypePing:
		h.notifyValid()
		return nil, nil
	case protocol.TypeDrive:
		return h.handleDrive(data)
	case protocol.TypeKVMKey:
		return h.handleKVMKey(data)
	case protocol.TypeKVMMouse:
		return h.handleKVMMouse(data)
	default:
		h.notifyInvalid()
		return nil, &ValidationError{Code: CodeUnknownType, Detail: typ}
	}
}

// handleEStop bypasses scope, freshness, and rate limits. An actuation
// failure is reported but never cancels the safety latch.
func (h *Handler) handleEStop(data []byte) (*protocol.AckMessage, error) {
	var msg protocol.EStopMessage
	_ = json.Unmarshal(data, &msg)

	if h.safety != nil {
		h.safety.OnEStop()
	}
	if err := h.actuator.EStop(); err != nil {
		h.logger.Error("e-stop actuation failed, robot may still be moving", zap.Error(err))
		return protocol.Ack(protocol.TypeEStop, msg.T), err
	}
	return protocol.Ack(protocol.TypeEStop, msg.T), nil
}

func (h *Handler) handleAuth(data []byte) (*protocol.AckMessage, error) {
	var msg protocol.AuthMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.SessionID == "" || msg.Token == "" {
		h.notifyInvalid()
		return nil, &ValidationError{Code: CodeMissingField, Detail: "auth requires session_id and token"}
	}
	if h.auth == nil {
		return nil, ErrNotAuthorized
	}
	scope, err := h.auth.Authorize(msg.SessionID, msg.Token)
	if err != nil {
		h.logger.Warn("auth frame rejected", zap.String("session_id", msg.SessionID), zap.Error(err))
		return nil, err
	}
	h.SetScope(scope)
	h.logger.Info("control channel authorized",
		zap.String("session_id", msg.SessionID),
		zap.Strings("scope", scope))
	return protocol.Ack(protocol.TypeAuth, 0), nil
}

func (h *Handler) handleDrive(data []byte) (*protocol.AckMessage, error) {
	if err := h.requireScope(ScopeControl); err != nil {
		return nil, err
	}
	var msg protocol.DriveMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.notifyInvalid()
		return nil, &ValidationError{Code: CodeInvalidJSON, Detail: err.Error()}
	}
	if err := validateDrive(&msg, h.stale); err != nil {
		h.notifyInvalid()
		return nil, err
	}
	if !h.allow(protocol.TypeDrive) {
		return nil, ErrRateLimited
	}
	if err := h.actuator.Drive(msg.V, msg.W); err != nil {
		return nil, err
	}
	h.notifyValid()
	return protocol.Ack(protocol.TypeDrive, msg.T), nil
}

func (h *Handler) handleKVMKey(data []byte) (*protocol.AckMessage, error) {
	if err := h.requireScope(ScopeControl); err != nil {
		return nil, err
	}
	var msg protocol.KVMKeyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.notifyInvalid()
		return nil, &ValidationError{Code: CodeInvalidJSON, Detail: err.Error()}
	}
	if err := validateKVMKey(&msg, h.stale); err != nil {
		h.notifyInvalid()
		return nil, err
	}
	if !h.allow(protocol.TypeKVMKey) {
		return nil, ErrRateLimited
	}
	if err := h.actuator.Key(msg.Key, msg.Action, msg.Modifiers); err != nil {
		return nil, err
	}
	h.notifyValid()
	return protocol.Ack(protocol.TypeKVMKey, msg.T), nil
}

func (h *Handler) handleKVMMouse(data []byte) (*protocol.AckMessage, error) {
	if err := h.requireScope(ScopeControl); err != nil {
		return nil, err
	}
	var msg protocol.KVMMouseMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.notifyInvalid()
		return nil, &ValidationError{Code: CodeInvalidJSON, Detail: err.Error()}
	}
	if err := validateKVMMouse(&msg, h.stale); err != nil {
		h.notifyInvalid()
		return nil, err
	}
	if !h.allow(protocol.TypeKVMMouse) {
		return nil, ErrRateLimited
	}
	if err := h.actuator.Mouse(clampDelta(msg.DX), clampDelta(msg.DY), msg.Buttons, msg.Scroll); err != nil {
		return nil, err
	}
	h.notifyValid()
	return protocol.Ack(protocol.TypeKVMMouse, msg.T), nil
}

// requireScope gates scoped commands. A scope violation counts as
// misuse toward the safety threshold.
func (h *Handler) requireScope(action string) error {
	h.mu.RLock()
	authorized := h.authorized
	_, ok := h.scope[action]
	h.mu.RUnlock()

	if !authorized {
		h.notifyInvalid()
		return ErrNotAuthorized
	}
	if !ok {
		h.notifyInvalid()
		return ErrInsufficientScope
	}
	return nil
}

func (h *Handler) allow(msgType string) bool {
	if h.limiter == nil {
		return true
	}
	return h.limiter.Allow(msgType)
}

func (h *Handler) notifyValid() {
	if h.safety != nil {
		h.safety.OnValidControl()
	}
}

func (h *Handler) notifyInvalid() {
	if h.safety != nil {
		h.safety.OnInvalidCommand()
	}
}
