package token

import (
	"crypto/ed25519"
	"errors"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet resolves verification keys by key id. The robot keeps the
// current and previous gateway keys so a rotation does not churn live
// sessions.
type KeySet struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeySet builds a key set from kid → public key pairs.
func NewKeySet() *KeySet {
	return &KeySet{keys: make(map[string]ed25519.PublicKey)}
}

// Put installs or replaces a key.
func (ks *KeySet) Put(kid string, pub ed25519.PublicKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[kid] = pub
}

// Lookup resolves a key id; unknown ids are rejected by the verifier.
func (ks *KeySet) Lookup(kid string) (ed25519.PublicKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	pub, ok := ks.keys[kid]
	return pub, ok
}

// Replace swaps the whole set atomically (JWKS refresh).
func (ks *KeySet) Replace(keys map[string]ed25519.PublicKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys = keys
}

// Verifier validates presented capability tokens on the robot side:
// signature by key id, expiry, audience = local robot id, and session
// binding when an expected session is supplied.
type Verifier struct {
	keys    *KeySet
	robotID string
	leeway  jwt.ParserOption
}

// NewVerifier creates a verifier bound to the local robot id.
func NewVerifier(keys *KeySet, robotID string) *Verifier {
	return &Verifier{
		keys:    keys,
		robotID: robotID,
		leeway:  jwt.WithLeeway(0),
	}
}

// Verify checks a token string. expectedSession may be empty when the
// binding is established by the token itself (first-frame auth).
func (v *Verifier) Verify(tokenString, expectedSession string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), v.leeway)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownKeyID):
			return nil, ErrUnknownKeyID
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		default:
			return nil, ErrInvalidSignature
		}
	}
	if !tok.Valid {
		return nil, ErrInvalidSignature
	}

	if !audienceMatches(claims.Audience, v.robotID) {
		return nil, ErrAudienceMismatch
	}
	if expectedSession != "" && claims.SessionID != expectedSession {
		return nil, ErrSessionMismatch
	}
	return claims, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	pub, ok := v.keys.Lookup(kid)
	if !ok {
		return nil, ErrUnknownKeyID
	}
	return pub, nil
}

func audienceMatches(aud jwt.ClaimStrings, robotID string) bool {
	for _, a := range aud {
		if a == robotID {
			return true
		}
	}
	return false
}
