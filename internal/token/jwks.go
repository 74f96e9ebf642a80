package token

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// JWK is a single published verification key (OKP / Ed25519).
type JWK struct {
	KeyType string `json:"kty"`
	Curve   string `json:"crv"`
	KeyID   string `json:"kid"`
	Use     string `json:"use"`
	X       string `json:"x"`
}

// JWKS is the published key set: the current key plus the previous one
// during a rotation overlap window.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// PublishKeySet renders the issuer's keys as a JWKS document.
func PublishKeySet(issuer *Issuer) *JWKS {
	set := &JWKS{}
	current, prev := issuer.Keys()
	for _, k := range []*SigningKey{current, prev} {
		if k == nil {
			continue
		}
		set.Keys = append(set.Keys, JWK{
			KeyType: "OKP",
			Curve:   "Ed25519",
			KeyID:   k.KeyID,
			Use:     "sig",
			X:       base64.RawURLEncoding.EncodeToString(k.Public()),
		})
	}
	return set
}

// ParseKeySet decodes a JWKS document into kid → public key pairs,
// skipping entries that are not Ed25519.
func ParseKeySet(doc *JWKS) (map[string]ed25519.PublicKey, error) {
	keys := make(map[string]ed25519.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.KeyType != "OKP" || k.Curve != "Ed25519" {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("jwks key %s: %w", k.KeyID, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("jwks key %s: bad key length %d", k.KeyID, len(raw))
		}
		keys[k.KeyID] = ed25519.PublicKey(raw)
	}
	return keys, nil
}

// JWKSClient fetches the gateway key set with a refresh interval, backing
// the robot-side verifier. A refresh failure keeps the cached set.
type JWKSClient struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu          sync.Mutex
	lastRefresh time.Time
	keySet      *KeySet
}

// NewJWKSClient creates a client refreshing at most every interval.
func NewJWKSClient(url string, interval time.Duration) *JWKSClient {
	return &JWKSClient{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		keySet:   NewKeySet(),
	}
}

// KeySet returns the live key set backing a Verifier.
func (c *JWKSClient) KeySet() *KeySet { return c.keySet }

// Refresh fetches the key set unconditionally.
func (c *JWKSClient) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch: status %d", resp.StatusCode)
	}

	var doc JWKS
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("jwks decode: %w", err)
	}
	keys, err := ParseKeySet(&doc)
	if err != nil {
		return err
	}

	c.keySet.Replace(keys)
	c.mu.Lock()
	c.lastRefresh = time.Now()
	c.mu.Unlock()
	return nil
}

// RefreshIfStale refreshes when the interval has elapsed. Used when the
// verifier hits an unknown key id: at most one fetch per interval.
func (c *JWKSClient) RefreshIfStale(ctx context.Context) error {
	c.mu.Lock()
	stale := time.Since(c.lastRefresh) >= c.interval
	c.mu.Unlock()
	if !stale {
		return nil
	}
	return c.Refresh(ctx)
}
