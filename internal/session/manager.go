package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robolink/teleop/internal/audit"
	"github.com/robolink/teleop/internal/policy"
	"github.com/robolink/teleop/internal/token"
)

// CreateRequest is the session-creation input from the REST surface.
// Credential is the raw presented claim bundle (VC or VP); only its
// structure is validated here.
type CreateRequest struct {
	RobotID        string
	OperatorDID    string
	Credential     json.RawMessage
	RequestedScope []string
}

// Bundle is the successful creation result returned to the operator.
type Bundle struct {
	SessionID       string        `json:"session_id"`
	CapabilityToken string        `json:"capability_token"`
	SignalingURL    string        `json:"signaling_url"`
	ICEServers      []string      `json:"ice_servers"`
	ExpiresAt       time.Time     `json:"expires_at"`
	EffectiveScope  []string      `json:"effective_scope"`
	Limits          policy.Limits `json:"limits"`
	Policy          policy.Ref    `json:"policy"`
}

// Config carries the deployment knobs for the manager.
type Config struct {
	TokenTTL     time.Duration
	SignalingURL string
	ICEServers   []string
}

// Manager owns the session table. Lock order across the process is
// session → token → room; the manager never calls into the room registry
// while holding its own lock.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Record

	snapMu   sync.RWMutex
	snapshot *policy.Snapshot

	issuer   *token.Issuer
	registry *token.Registry
	queue    *audit.Queue
	cfg      Config
	logger   *zap.Logger
}

// NewManager wires the manager and registers the session-liveness term
// into the token registry.
func NewManager(issuer *token.Issuer, registry *token.Registry, queue *audit.Queue, cfg Config, logger *zap.Logger) *Manager {
	m := &Manager{
		sessions: make(map[string]*Record),
		issuer:   issuer,
		registry: registry,
		queue:    queue,
		cfg:      cfg,
		logger:   logger,
	}
	registry.SetSessionLiveFunc(m.IsLive)
	return m
}

// SetSnapshot atomically replaces the policy snapshot (admin reload).
func (m *Manager) SetSnapshot(s *policy.Snapshot) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	m.snapshot = s
}

// Snapshot returns the current snapshot, possibly nil.
func (m *Manager) Snapshot() *policy.Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapshot
}

// Create runs the full grant path: policy evaluation, id allocation,
// token issuance, registration, record construction, audit.
func (m *Manager) Create(req CreateRequest) (*Bundle, error) {
	cred, err := parseCredential(req.Credential)
	if err != nil {
		return nil, policy.ErrInvalidCredential
	}

	m.enqueue(audit.EventSessionRequested, req.RobotID, req.OperatorDID, "", map[string]string{
		"requested_scope": fmt.Sprintf("%v", req.RequestedScope),
	})

	decision, err := policy.Evaluate(m.Snapshot(), &policy.Context{
		Credential:     *cred,
		Resource:       req.RobotID,
		RequestedScope: req.RequestedScope,
		Time:           time.Now(),
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed() {
		m.logger.Info("session denied by policy",
			zap.String("robot_id", req.RobotID),
			zap.String("operator_did", req.OperatorDID),
			zap.String("reason", decision.Reason))
		return nil, &PolicyDeniedError{Reason: decision.Reason, MatchedRule: decision.MatchedRule}
	}

	sid := uuid.NewString()
	issued, err := m.issuer.Issue(token.IssueRequest{
		OperatorDID: req.OperatorDID,
		RobotID:     req.RobotID,
		SessionID:   sid,
		Scope:       decision.EffectiveScope,
		Limits:      decision.Limits,
		TTL:         m.cfg.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	m.registry.Register(&token.Entry{
		TokenID:     issued.TokenID,
		SessionID:   sid,
		OperatorDID: req.OperatorDID,
		RobotID:     req.RobotID,
		ExpiresAt:   issued.ExpiresAt,
	})

	rec := &Record{
		SessionID:      sid,
		RobotID:        req.RobotID,
		OperatorDID:    req.OperatorDID,
		State:          StatePending,
		CreatedAt:      time.Now(),
		ExpiresAt:      issued.ExpiresAt,
		EffectiveScope: decision.EffectiveScope,
	}
	m.mu.Lock()
	m.sessions[sid] = rec
	m.mu.Unlock()

	m.enqueue(audit.EventSessionGranted, req.RobotID, req.OperatorDID, sid, map[string]string{
		"policy_id":      decision.Policy.PolicyID,
		"policy_version": fmt.Sprintf("%d", decision.Policy.Version),
		"policy_hash":    decision.Policy.Hash,
		"matched_rule":   decision.MatchedRule,
	})

	m.logger.Info("session granted",
		zap.String("session_id", sid),
		zap.String("robot_id", req.RobotID),
		zap.Strings("effective_scope", decision.EffectiveScope))

	return &Bundle{
		SessionID:       sid,
		CapabilityToken: issued.Token,
		SignalingURL:    m.cfg.SignalingURL,
		ICEServers:      m.cfg.ICEServers,
		ExpiresAt:       issued.ExpiresAt,
		EffectiveScope:  decision.EffectiveScope,
		Limits:          decision.Limits,
		Policy:          decision.Policy,
	}, nil
}

// Get returns a copy of the record.
func (m *Manager) Get(sid string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sid]
	if !ok {
		return Record{}, ErrSessionNotFound
	}
	return *rec, nil
}

// Activate marks a pending session active (both peers rendezvoused).
func (m *Manager) Activate(sid string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sid]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	changed := rec.transition(StateActive)
	robotID, operatorDID := rec.RobotID, rec.OperatorDID
	m.mu.Unlock()

	if changed {
		m.enqueue(audit.EventSessionStarted, robotID, operatorDID, sid, nil)
	}
	return nil
}

// Terminate moves any non-terminal session to terminated and revokes its
// tokens. Idempotent: terminating a finished session is a no-op.
func (m *Manager) Terminate(sid string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sid]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	changed := rec.transition(StateTerminated)
	robotID, operatorDID := rec.RobotID, rec.OperatorDID
	m.mu.Unlock()

	if !changed {
		return nil
	}
	m.registry.RevokeBySession(sid)
	m.enqueue(audit.EventSessionEnded, robotID, operatorDID, sid, nil)
	m.logger.Info("session terminated", zap.String("session_id", sid))
	return nil
}

// Refresh rotates the session's token. The presented token must itself
// be currently valid for the session; all prior tokens are revoked.
func (m *Manager) Refresh(sid, presented string) (*Bundle, error) {
	m.mu.RLock()
	rec, ok := m.sessions[sid]
	var snapshot Record
	if ok {
		snapshot = *rec
	}
	m.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	if !snapshot.State.Live() {
		return nil, ErrSessionNotActive
	}

	claims, err := m.verifyOwn(presented, snapshot.RobotID, sid)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !m.registry.IsValid(claims.ID) {
		return nil, ErrInvalidToken
	}

	m.registry.RevokeBySession(sid)

	issued, err := m.issuer.Issue(token.IssueRequest{
		OperatorDID: snapshot.OperatorDID,
		RobotID:     snapshot.RobotID,
		SessionID:   sid,
		Scope:       snapshot.EffectiveScope,
		TTL:         m.cfg.TokenTTL,
	})
	if err != nil {
		return nil, err
	}
	m.registry.Register(&token.Entry{
		TokenID:     issued.TokenID,
		SessionID:   sid,
		OperatorDID: snapshot.OperatorDID,
		RobotID:     snapshot.RobotID,
		ExpiresAt:   issued.ExpiresAt,
	})

	m.mu.Lock()
	if rec, ok := m.sessions[sid]; ok {
		rec.ExpiresAt = issued.ExpiresAt
	}
	m.mu.Unlock()

	m.logger.Info("session refreshed", zap.String("session_id", sid))

	return &Bundle{
		SessionID:       sid,
		CapabilityToken: issued.Token,
		SignalingURL:    m.cfg.SignalingURL,
		ICEServers:      m.cfg.ICEServers,
		ExpiresAt:       issued.ExpiresAt,
		EffectiveScope:  snapshot.EffectiveScope,
	}, nil
}

// MarkRevoked commits the authoritative revocation flag. Only the
// revocation coordinator calls this. Returns false when the session was
// already terminal or unknown.
func (m *Manager) MarkRevoked(sid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sid]
	if !ok {
		return false
	}
	return rec.transition(StateRevoked)
}

// SessionsByOperator returns the non-terminal session ids for a subject.
func (m *Manager) SessionsByOperator(did string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for sid, rec := range m.sessions {
		if rec.OperatorDID == did && !rec.State.Terminal() {
			out = append(out, sid)
		}
	}
	return out
}

// IsLive is the registry's session-state term: pending or active.
func (m *Manager) IsLive(sid string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sid]
	return ok && rec.State.Live()
}

// VerifyToken checks a presented token against the gateway's own keys
// for the named session. Used by the signaling join gate.
func (m *Manager) VerifyToken(presented, sid string) (*token.Claims, error) {
	rec, err := m.Get(sid)
	if err != nil {
		return nil, err
	}
	return m.verifyOwn(presented, rec.RobotID, sid)
}

// verifyOwn checks a presented token against the gateway's own key set.
func (m *Manager) verifyOwn(presented, robotID, sid string) (*token.Claims, error) {
	keys := token.NewKeySet()
	current, prev := m.issuer.Keys()
	for _, k := range []*token.SigningKey{current, prev} {
		if k != nil {
			keys.Put(k.KeyID, k.Public())
		}
	}
	return token.NewVerifier(keys, robotID).Verify(presented, sid)
}

func (m *Manager) enqueue(t audit.EventType, robotID, operatorDID, sid string, metadata map[string]string) {
	if m.queue == nil {
		return
	}
	m.queue.Enqueue(audit.NewEvent(t, robotID, operatorDID, sid, metadata))
}

// parseCredential validates the structure of the presented claim bundle.
// DID resolution and signature chasing are upstream concerns; a bundle
// missing its subject or role cannot be evaluated.
func parseCredential(raw json.RawMessage) (*policy.Credential, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty credential")
	}
	var cred policy.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("credential parse: %w", err)
	}
	if cred.Subject == "" || cred.Role == "" {
		return nil, fmt.Errorf("credential missing subject or role")
	}
	return &cred, nil
}
