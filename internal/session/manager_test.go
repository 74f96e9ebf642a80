package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robolink/teleop/internal/policy"
	"github.com/robolink/teleop/internal/token"
)

func newTestManager(t *testing.T) (*Manager, *token.Registry) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	issuer := token.NewIssuer("teleop-gateway", &token.SigningKey{KeyID: "key-1", Private: priv}, 2*time.Hour)
	registry := token.NewRegistry(time.Minute)
	m := NewManager(issuer, registry, nil, Config{
		TokenTTL:     time.Hour,
		SignalingURL: "wss://gw.example/v1/signal",
		ICEServers:   []string{"stun:stun.example:3478"},
	}, zap.NewNop())
	return m, registry
}

func allowSnapshot(t *testing.T) *policy.Snapshot {
	t.Helper()
	s, err := policy.NewSnapshot("pol-1", 1, []policy.Rule{
		{Name: "operators", Match: policy.Match{Role: "operator"}, Effect: policy.EffectAllow,
			AllowedActions: []string{"teleop:view", "teleop:control"},
			Limits:         policy.Limits{MaxControlRateHz: 30, MaxBurst: 5}},
	})
	require.NoError(t, err)
	return s
}

func validCredential() json.RawMessage {
	return json.RawMessage(`{"issuer":"did:key:iss","subject":"did:key:abc","role":"operator"}`)
}

func createRequest() CreateRequest {
	return CreateRequest{
		RobotID:        "r1",
		OperatorDID:    "did:key:abc",
		Credential:     validCredential(),
		RequestedScope: []string{"teleop:view", "teleop:control"},
	}
}

func TestCreate_DefaultDenySnapshot(t *testing.T) {
	m, _ := newTestManager(t)
	empty, err := policy.NewSnapshot("pol-empty", 1, nil)
	require.NoError(t, err)
	m.SetSnapshot(empty)

	_, err = m.Create(createRequest())
	var denied *PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "empty_scope", denied.Reason)
}

func TestCreate_NoPolicyConfigured(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create(createRequest())
	assert.ErrorIs(t, err, policy.ErrPolicyNotConfigured)
}

func TestCreate_InvalidCredential(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetSnapshot(allowSnapshot(t))

	req := createRequest()
	req.Credential = json.RawMessage(`{"subject":""}`)
	_, err := m.Create(req)
	assert.ErrorIs(t, err, policy.ErrInvalidCredential)
}

func TestCreate_HappyPath(t *testing.T) {
	m, registry := newTestManager(t)
	m.SetSnapshot(allowSnapshot(t))

	bundle, err := m.Create(createRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, bundle.SessionID)
	assert.NotEmpty(t, bundle.CapabilityToken)
	assert.Equal(t, []string{"teleop:view", "teleop:control"}, bundle.EffectiveScope)
	assert.WithinDuration(t, time.Now().Add(time.Hour), bundle.ExpiresAt, 5*time.Second)
	assert.Equal(t, "pol-1", bundle.Policy.PolicyID)
	assert.NotEmpty(t, bundle.Policy.Hash)

	rec, err := m.Get(bundle.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.State)
	assert.True(t, rec.ExpiresAt.After(rec.CreatedAt))

	// The minted token is registered and valid.
	ids := registry.SessionTokens(bundle.SessionID)
	require.Len(t, ids, 1)
	assert.True(t, registry.IsValid(ids[0]))
}

func TestActivate_PendingOnly(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetSnapshot(allowSnapshot(t))
	bundle, err := m.Create(createRequest())
	require.NoError(t, err)

	require.NoError(t, m.Activate(bundle.SessionID))
	rec, _ := m.Get(bundle.SessionID)
	assert.Equal(t, StateActive, rec.State)

	// Activation is not repeatable but not an error either.
	require.NoError(t, m.Activate(bundle.SessionID))

	assert.ErrorIs(t, m.Activate("missing"), ErrSessionNotFound)
}

func TestTerminate_IdempotentAndRevokesTokens(t *testing.T) {
	m, registry := newTestManager(t)
	m.SetSnapshot(allowSnapshot(t))
	bundle, err := m.Create(createRequest())
	require.NoError(t, err)
	ids := registry.SessionTokens(bundle.SessionID)

	require.NoError(t, m.Terminate(bundle.SessionID))
	rec, _ := m.Get(bundle.SessionID)
	assert.Equal(t, StateTerminated, rec.State)
	assert.False(t, registry.IsValid(ids[0]))

	require.NoError(t, m.Terminate(bundle.SessionID))
}

func TestStateMonotonic_NoReturnFromTerminal(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetSnapshot(allowSnapshot(t))
	bundle, err := m.Create(createRequest())
	require.NoError(t, err)

	require.True(t, m.MarkRevoked(bundle.SessionID))
	rec, _ := m.Get(bundle.SessionID)
	assert.Equal(t, StateRevoked, rec.State)

	// No transition leaves a terminal state.
	assert.False(t, m.MarkRevoked(bundle.SessionID))
	require.NoError(t, m.Activate(bundle.SessionID))
	rec, _ = m.Get(bundle.SessionID)
	assert.Equal(t, StateRevoked, rec.State)
}

func TestRefresh_RotatesToken(t *testing.T) {
	m, registry := newTestManager(t)
	m.SetSnapshot(allowSnapshot(t))
	bundle, err := m.Create(createRequest())
	require.NoError(t, err)
	oldIDs := registry.SessionTokens(bundle.SessionID)

	refreshed, err := m.Refresh(bundle.SessionID, bundle.CapabilityToken)
	require.NoError(t, err)
	assert.NotEqual(t, bundle.CapabilityToken, refreshed.CapabilityToken)

	// The prior token is revoked; exactly one valid token remains.
	assert.False(t, registry.IsValid(oldIDs[0]))
	valid := 0
	for _, id := range registry.SessionTokens(bundle.SessionID) {
		if registry.IsValid(id) {
			valid++
		}
	}
	assert.Equal(t, 1, valid)
}

func TestRefresh_RejectsInvalidPresentedToken(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetSnapshot(allowSnapshot(t))
	bundle, err := m.Create(createRequest())
	require.NoError(t, err)

	_, err = m.Refresh(bundle.SessionID, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	// A token already revoked by refresh cannot refresh again.
	refreshed, err := m.Refresh(bundle.SessionID, bundle.CapabilityToken)
	require.NoError(t, err)
	_, err = m.Refresh(bundle.SessionID, bundle.CapabilityToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Refresh(bundle.SessionID, refreshed.CapabilityToken)
	assert.NoError(t, err)
}

func TestRefresh_SessionGates(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetSnapshot(allowSnapshot(t))

	_, err := m.Refresh("missing", "tok")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	bundle, err := m.Create(createRequest())
	require.NoError(t, err)
	require.NoError(t, m.Terminate(bundle.SessionID))

	_, err = m.Refresh(bundle.SessionID, bundle.CapabilityToken)
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestSessionsByOperator_SkipsTerminal(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetSnapshot(allowSnapshot(t))

	b1, err := m.Create(createRequest())
	require.NoError(t, err)
	b2, err := m.Create(createRequest())
	require.NoError(t, err)
	require.NoError(t, m.Terminate(b2.SessionID))

	sessions := m.SessionsByOperator("did:key:abc")
	assert.Equal(t, []string{b1.SessionID}, sessions)
	assert.Empty(t, m.SessionsByOperator("did:key:other"))
}

func TestIsLive(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetSnapshot(allowSnapshot(t))
	bundle, err := m.Create(createRequest())
	require.NoError(t, err)

	assert.True(t, m.IsLive(bundle.SessionID))
	m.MarkRevoked(bundle.SessionID)
	assert.False(t, m.IsLive(bundle.SessionID))
	assert.False(t, m.IsLive("missing"))
}
