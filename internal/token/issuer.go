// Package token mints, registers, and verifies the short-lived capability
// tokens that bind an operator to a robot for one session. Tokens are
// EdDSA-signed JWTs carrying iss/sub/aud/iat/exp/jti/sid/scope/limits;
// the registry is the gateway-side source of truth for revocation, the
// verifier is the robot-side check against the published key set.
package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/robolink/teleop/internal/policy"
)

// Verification and issuance failures.
var (
	ErrTokenExpired       = errors.New("token_expired")
	ErrInvalidSignature   = errors.New("invalid_signature")
	ErrAudienceMismatch   = errors.New("audience_mismatch")
	ErrSessionMismatch    = errors.New("session_mismatch")
	ErrUnknownKeyID       = errors.New("unknown_key_id")
	ErrTokenRevoked       = errors.New("token_revoked")
	ErrIssuerNotConfigured = errors.New("token_generator_not_configured")
)

// DefaultTTL applies when an issue request carries no ttl.
const DefaultTTL = 3600 * time.Second

// Claims is the capability token claim set.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string        `json:"sid"`
	Scope     []string      `json:"scope"`
	Limits    policy.Limits `json:"limits"`
}

// SigningKey pairs an Ed25519 private key with its published key id.
type SigningKey struct {
	KeyID   string
	Private ed25519.PrivateKey
}

// Public returns the verification half of the key.
func (k *SigningKey) Public() ed25519.PublicKey {
	return k.Private.Public().(ed25519.PublicKey)
}

// IssueRequest names the binding a new token grants.
type IssueRequest struct {
	OperatorDID string
	RobotID     string
	SessionID   string
	Scope       []string
	Limits      policy.Limits
	TTL         time.Duration
}

// Issued is the mint result.
type Issued struct {
	Token     string
	TokenID   string
	ExpiresAt time.Time
}

// Issuer signs capability tokens with the current key. A previous key may
// be retained so the published key set keeps verifying in-flight tokens
// across a rotation.
type Issuer struct {
	issuer  string
	current *SigningKey
	prev    *SigningKey
	maxTTL  time.Duration
}

// NewIssuer creates an issuer. maxTTL caps requested ttls; zero means the
// default ttl is also the cap.
func NewIssuer(issuerName string, key *SigningKey, maxTTL time.Duration) *Issuer {
	if maxTTL == 0 {
		maxTTL = DefaultTTL
	}
	return &Issuer{issuer: issuerName, current: key, maxTTL: maxTTL}
}

// Issue mints a signed capability token. TTL defaults to DefaultTTL and
// is capped at the configured maximum.
func (i *Issuer) Issue(req IssueRequest) (*Issued, error) {
	if i == nil || i.current == nil {
		return nil, ErrIssuerNotConfigured
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > i.maxTTL {
		ttl = i.maxTTL
	}

	now := time.Now()
	jti := uuid.NewString()
	expiresAt := now.Add(ttl)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   req.OperatorDID,
			Audience:  jwt.ClaimStrings{req.RobotID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		SessionID: req.SessionID,
		Scope:     req.Scope,
		Limits:    req.Limits,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = i.current.KeyID

	signed, err := tok.SignedString(i.current.Private)
	if err != nil {
		return nil, fmt.Errorf("sign capability token: %w", err)
	}

	return &Issued{Token: signed, TokenID: jti, ExpiresAt: expiresAt}, nil
}

// Rotate installs a new signing key, keeping the old one available for
// the key-set overlap window.
func (i *Issuer) Rotate(key *SigningKey) {
	i.prev = i.current
	i.current = key
}

// Keys returns the current and (possibly nil) previous signing keys for
// JWKS publication.
func (i *Issuer) Keys() (current, previous *SigningKey) {
	return i.current, i.prev
}
