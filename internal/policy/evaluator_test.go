package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(t *testing.T, rules []Rule) *Snapshot {
	t.Helper()
	s, err := NewSnapshot("pol-test", 1, rules)
	require.NoError(t, err)
	return s
}

func operatorContext(scope ...string) *Context {
	return &Context{
		Credential:     Credential{Issuer: "did:key:issuer", Subject: "did:key:abc", Role: "operator"},
		Resource:       "r1",
		RequestedScope: scope,
		Time:           time.Now(),
	}
}

func TestEvaluate_NilSnapshot(t *testing.T) {
	_, err := Evaluate(nil, operatorContext("teleop:control"))
	assert.ErrorIs(t, err, ErrPolicyNotConfigured)
}

func TestEvaluate_DefaultDenyEmptyRules(t *testing.T) {
	s := testSnapshot(t, nil)

	d, err := Evaluate(s, operatorContext("teleop:control"))
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
	assert.Equal(t, ReasonEmptyScope, d.Reason)
	assert.Empty(t, d.MatchedRule)
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	s := testSnapshot(t, []Rule{
		{Name: "deny-first", Match: Match{Role: "operator"}, Effect: EffectDeny},
		{Name: "allow-later", Match: Match{Role: "operator"}, Effect: EffectAllow,
			AllowedActions: []string{"teleop:control"}},
	})

	d, err := Evaluate(s, operatorContext("teleop:control"))
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
	assert.Equal(t, "deny-first", d.MatchedRule)
	assert.Equal(t, ReasonRuleDeny, d.Reason)
}

func TestEvaluate_AllowIntersectsScope(t *testing.T) {
	s := testSnapshot(t, []Rule{
		{Name: "operators", Match: Match{Role: "operator"}, Effect: EffectAllow,
			AllowedActions: []string{"teleop:view", "teleop:control"},
			Limits:         Limits{MaxControlRateHz: 30, MaxBurst: 5}},
	})

	d, err := Evaluate(s, operatorContext("teleop:control", "teleop:admin"))
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, d.Effect)
	assert.Equal(t, []string{"teleop:control"}, d.EffectiveScope)
	assert.Equal(t, 30, d.Limits.MaxControlRateHz)
	assert.Equal(t, "operators", d.MatchedRule)
}

func TestEvaluate_EmptyIntersectionDenies(t *testing.T) {
	s := testSnapshot(t, []Rule{
		{Name: "viewers", Match: Match{Role: "operator"}, Effect: EffectAllow,
			AllowedActions: []string{"teleop:view"}},
	})

	d, err := Evaluate(s, operatorContext("teleop:control"))
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
	assert.Equal(t, ReasonEmptyScope, d.Reason)
	assert.Equal(t, "viewers", d.MatchedRule)
}

func TestEvaluate_RoleMismatchFallsThrough(t *testing.T) {
	s := testSnapshot(t, []Rule{
		{Name: "admins", Match: Match{Role: "admin"}, Effect: EffectAllow,
			AllowedActions: []string{"teleop:control"}},
	})

	d, err := Evaluate(s, operatorContext("teleop:control"))
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
	assert.Equal(t, ReasonEmptyScope, d.Reason)
}

func TestEvaluate_TimeWindow(t *testing.T) {
	now := time.Now()
	s := testSnapshot(t, []Rule{
		{Name: "night-shift", Effect: EffectAllow,
			Match: Match{Role: "operator", Window: &TimeWindow{
				NotBefore: now.Add(-time.Hour),
				NotAfter:  now.Add(time.Hour),
			}},
			AllowedActions: []string{"teleop:control"}},
	})

	ctx := operatorContext("teleop:control")
	d, err := Evaluate(s, ctx)
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, d.Effect)

	ctx.Time = now.Add(2 * time.Hour)
	d, err = Evaluate(s, ctx)
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
}

func TestEvaluate_ResourceMatch(t *testing.T) {
	s := testSnapshot(t, []Rule{
		{Name: "r1-only", Match: Match{Resource: "r1"}, Effect: EffectAllow,
			AllowedActions: []string{"teleop:control"}},
	})

	ctx := operatorContext("teleop:control")
	d, err := Evaluate(s, ctx)
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, d.Effect)

	ctx.Resource = "r2"
	d, err = Evaluate(s, ctx)
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
}

func TestSnapshot_HashStableAndVersioned(t *testing.T) {
	rules := []Rule{
		{Name: "operators", Match: Match{Role: "operator"}, Effect: EffectAllow,
			AllowedActions: []string{"teleop:view"}},
	}

	s1 := testSnapshot(t, rules)
	s2 := testSnapshot(t, rules)
	assert.Equal(t, s1.Hash(), s2.Hash())

	s3, err := NewSnapshot("pol-test", 2, rules)
	require.NoError(t, err)
	assert.NotEqual(t, s1.Hash(), s3.Hash())
}

func TestEvaluate_DecisionCarriesPolicyRef(t *testing.T) {
	s := testSnapshot(t, nil)
	d, err := Evaluate(s, operatorContext("teleop:view"))
	require.NoError(t, err)
	assert.Equal(t, "pol-test", d.Policy.PolicyID)
	assert.Equal(t, uint64(1), d.Policy.Version)
	assert.Equal(t, s.Hash(), d.Policy.Hash)
}
