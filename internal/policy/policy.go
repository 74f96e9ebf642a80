// Package policy implements the deterministic ordered-rule evaluator that
// gates session creation. A snapshot is immutable once loaded and carries
// a canonical-JSON SHA-256 content hash; every decision references the
// snapshot it was produced from.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Effect is the outcome a rule (or the snapshot default) applies.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Limits is the rate bundle attached to an allow rule and propagated into
// the capability token.
type Limits struct {
	MaxControlRateHz int `json:"max_control_rate_hz" yaml:"max_control_rate_hz"`
	MaxBurst         int `json:"max_burst" yaml:"max_burst"`
}

// TimeWindow restricts a rule to a wall-clock interval. Zero values mean
// unbounded on that side.
type TimeWindow struct {
	NotBefore time.Time `json:"not_before,omitempty" yaml:"not_before"`
	NotAfter  time.Time `json:"not_after,omitempty" yaml:"not_after"`
}

// Match is a rule predicate over the evaluation context. Empty fields
// match anything.
type Match struct {
	Role     string      `json:"role,omitempty" yaml:"role"`
	Resource string      `json:"resource,omitempty" yaml:"resource"`
	Action   string      `json:"action,omitempty" yaml:"action"`
	Window   *TimeWindow `json:"window,omitempty" yaml:"window"`
}

// Rule is one ordered entry in a snapshot. The first matching rule fixes
// the effect; AllowedActions bounds the effective scope for allow rules.
type Rule struct {
	Name           string   `json:"name" yaml:"name"`
	Match          Match    `json:"match" yaml:"match"`
	Effect         Effect   `json:"effect" yaml:"effect"`
	AllowedActions []string `json:"allowed_actions,omitempty" yaml:"allowed_actions"`
	Limits         Limits   `json:"limits" yaml:"limits"`
}

// Snapshot is an immutable policy document. DefaultEffect is always deny
// in this deployment; the field exists so the hash covers it.
type Snapshot struct {
	PolicyID      string `json:"policy_id" yaml:"policy_id"`
	Version       uint64 `json:"version" yaml:"version"`
	Rules         []Rule `json:"rules" yaml:"rules"`
	DefaultEffect Effect `json:"default_effect" yaml:"default_effect"`

	hash string
}

// NewSnapshot finalizes a snapshot: fills the default effect and computes
// the canonical content hash. The returned snapshot must not be mutated.
func NewSnapshot(policyID string, version uint64, rules []Rule) (*Snapshot, error) {
	s := &Snapshot{
		PolicyID:      policyID,
		Version:       version,
		Rules:         rules,
		DefaultEffect: EffectDeny,
	}
	h, err := contentHash(s)
	if err != nil {
		return nil, fmt.Errorf("policy hash: %w", err)
	}
	s.hash = h
	return s, nil
}

// Hash returns the canonical-JSON SHA-256 of the snapshot, computed once
// at load time.
func (s *Snapshot) Hash() string { return s.hash }

// contentHash canonicalizes the snapshot per RFC 8785 (sorted keys, no
// insignificant whitespace) and hashes with SHA-256.
func contentHash(s *Snapshot) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Ref identifies the snapshot a decision was made against.
type Ref struct {
	PolicyID string `json:"policy_id"`
	Version  uint64 `json:"version"`
	Hash     string `json:"hash"`
}

// Ref returns the snapshot reference embedded in decisions and audit
// events.
func (s *Snapshot) Ref() Ref {
	return Ref{PolicyID: s.PolicyID, Version: s.Version, Hash: s.hash}
}

func (m *Match) matches(ctx *Context) bool {
	if m.Role != "" && m.Role != ctx.Credential.Role {
		return false
	}
	if m.Resource != "" && m.Resource != ctx.Resource {
		return false
	}
	if m.Action != "" && !contains(ctx.RequestedScope, m.Action) {
		return false
	}
	if w := m.Window; w != nil {
		if !w.NotBefore.IsZero() && ctx.Time.Before(w.NotBefore) {
			return false
		}
		if !w.NotAfter.IsZero() && ctx.Time.After(w.NotAfter) {
			return false
		}
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
