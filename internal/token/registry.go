package token

import (
	"sync"
	"time"
)

// SessionLiveFunc reports whether a session is still pending or active.
// Injected by the session manager so token validity can include the
// session-state term without an import cycle.
type SessionLiveFunc func(sessionID string) bool

// Entry is the registry record for one issued token.
type Entry struct {
	TokenID     string
	SessionID   string
	OperatorDID string
	RobotID     string
	ExpiresAt   time.Time
	Revoked     bool
}

// Registry tracks every issued token until expiry + grace. A token is
// valid iff its entry exists, is not revoked, has not expired, and its
// session is pending or active.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	sessionLive SessionLiveFunc
	grace       time.Duration
}

// NewRegistry creates an empty registry. grace extends how long expired
// entries survive before the sweeper purges them.
func NewRegistry(grace time.Duration) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		grace:   grace,
	}
}

// SetSessionLiveFunc wires the session-state term of validity. Must be
// called before traffic; nil means only entry/revocation/expiry apply.
func (r *Registry) SetSessionLiveFunc(fn SessionLiveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionLive = fn
}

// Register records a freshly issued token.
func (r *Registry) Register(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.TokenID] = e
}

// Get returns a copy of the entry, if present.
func (r *Registry) Get(tokenID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[tokenID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// IsValid implements the T2 validity predicate.
func (r *Registry) IsValid(tokenID string) bool {
	r.mu.RLock()
	e, ok := r.entries[tokenID]
	if !ok {
		r.mu.RUnlock()
		return false
	}
	entry := *e
	live := r.sessionLive
	r.mu.RUnlock()

	if entry.Revoked || !time.Now().Before(entry.ExpiresAt) {
		return false
	}
	if live != nil && !live(entry.SessionID) {
		return false
	}
	return true
}

// RevokeBySession flips the revoked flag on every entry for the session
// and returns how many were affected.
func (r *Registry) RevokeBySession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, e := range r.entries {
		if e.SessionID == sessionID && !e.Revoked {
			e.Revoked = true
			count++
		}
	}
	return count
}

// RevokeByOperator revokes every entry whose subject matches and returns
// the distinct session ids that were affected.
func (r *Registry) RevokeByOperator(operatorDID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	var sessions []string
	for _, e := range r.entries {
		if e.OperatorDID == operatorDID && !e.Revoked {
			e.Revoked = true
			if _, dup := seen[e.SessionID]; !dup {
				seen[e.SessionID] = struct{}{}
				sessions = append(sessions, e.SessionID)
			}
		}
	}
	return sessions
}

// SessionTokens returns the token ids currently registered for a session.
func (r *Registry) SessionTokens(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.entries {
		if e.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Sweep purges entries past expiry + grace and returns the purge count.
// Validity never depends on the sweep: IsValid checks expiry directly.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.grace)
	purged := 0
	for id, e := range r.entries {
		if e.ExpiresAt.Before(cutoff) {
			delete(r.entries, id)
			purged++
		}
	}
	return purged
}

// Len reports the live entry count, for observability.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
