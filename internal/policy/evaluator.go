package policy

import (
	"errors"
	"time"
)

// Evaluation failures surfaced to the session layer as denials.
var (
	ErrInvalidCredential   = errors.New("invalid_credential")
	ErrPolicyNotConfigured = errors.New("policy_not_configured")
)

// Credential is the parsed claim bundle presented by the operator. DID
// resolution happens upstream; here it is structural input only.
type Credential struct {
	Issuer  string `json:"issuer"`
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// Context is the pure evaluation input. Time comes from the caller so the
// evaluator itself never reads a clock.
type Context struct {
	Credential     Credential
	Resource       string
	RequestedScope []string
	Time           time.Time
}

// Denial reasons carried in decisions. A default deny reports empty_scope
// because no rule contributed any allowed action to intersect with.
const (
	ReasonRuleDeny   = "rule_deny"
	ReasonEmptyScope = "empty_scope"
)

// Decision is the evaluation result. EffectiveScope is the intersection
// of the requested scope with the matched rule's allowed actions.
type Decision struct {
	Effect         Effect   `json:"decision"`
	EffectiveScope []string `json:"effective_scope"`
	Limits         Limits   `json:"limits"`
	MatchedRule    string   `json:"matched_rule,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Policy         Ref      `json:"policy"`
}

// Allowed reports whether the decision permits the session.
func (d *Decision) Allowed() bool { return d.Effect == EffectAllow }

// Evaluate scans the snapshot's rules in declared order; the first rule
// whose predicate matches fixes the effect, so a matching deny wins over
// any later allow. No rule matching applies the snapshot default. The
// function is pure: no I/O, no clocks beyond ctx.Time, no randomness.
func Evaluate(s *Snapshot, ctx *Context) (*Decision, error) {
	if s == nil {
		return nil, ErrPolicyNotConfigured
	}

	for i := range s.Rules {
		rule := &s.Rules[i]
		if !rule.Match.matches(ctx) {
			continue
		}
		if rule.Effect == EffectDeny {
			return &Decision{
				Effect:      EffectDeny,
				MatchedRule: rule.Name,
				Reason:      ReasonRuleDeny,
				Policy:      s.Ref(),
			}, nil
		}
		return allowDecision(s, rule, ctx), nil
	}

	return &Decision{
		Effect: EffectDeny,
		Reason: ReasonEmptyScope,
		Policy: s.Ref(),
	}, nil
}

// allowDecision intersects the requested scope with the rule's allowed
// actions. An empty intersection is a denial with reason empty_scope.
func allowDecision(s *Snapshot, rule *Rule, ctx *Context) *Decision {
	effective := make([]string, 0, len(ctx.RequestedScope))
	for _, action := range ctx.RequestedScope {
		if contains(rule.AllowedActions, action) {
			effective = append(effective, action)
		}
	}

	if len(effective) == 0 {
		return &Decision{
			Effect:      EffectDeny,
			MatchedRule: rule.Name,
			Reason:      ReasonEmptyScope,
			Policy:      s.Ref(),
		}
	}

	return &Decision{
		Effect:         EffectAllow,
		EffectiveScope: effective,
		Limits:         rule.Limits,
		MatchedRule:    rule.Name,
		Policy:         s.Ref(),
	}
}
