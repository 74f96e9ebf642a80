// Package revocation is the single entry point for killing sessions.
// Every revocation path (admin API, policy change, operator compromise)
// funnels through the coordinator so the commit order is fixed: session
// state first, then tokens, then the push to connected peers, then audit.
// A token is dead the moment the session state commits; the push is a
// latency optimization, not the authority.
package revocation

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robolink/teleop/internal/audit"
	"github.com/robolink/teleop/internal/session"
	"github.com/robolink/teleop/internal/token"
)

// ErrNoTarget rejects a request naming neither a session nor an operator.
var ErrNoTarget = errors.New("revocation requires a session_id or operator_did")

// SessionStore is the slice of the session manager the coordinator needs.
type SessionStore interface {
	Get(sid string) (session.Record, error)
	MarkRevoked(sid string) bool
	SessionsByOperator(did string) []string
}

// Pusher propagates the revoked frame to a session's connected peers.
type Pusher interface {
	Revoke(sessionID, reason string) int
}

// Request is a revocation order. Exactly one of SessionID or OperatorDID
// selects the target set.
type Request struct {
	SessionID   string `json:"session_id,omitempty"`
	OperatorDID string `json:"operator_did,omitempty"`
	Reason      string `json:"reason"`
	Revoker     string `json:"revoker"`
}

// Result reports what the revocation touched. AffectedSessions is empty
// when the target was unknown or already terminal; that is success, not
// an error, so retries stay idempotent.
type Result struct {
	RevocationID     string    `json:"revocation_id"`
	AffectedSessions []string  `json:"affected_sessions"`
	Timestamp        time.Time `json:"timestamp"`
}

// Coordinator serializes revocations over the session store, the token
// registry, and the signaling push path.
type Coordinator struct {
	sessions SessionStore
	tokens   *token.Registry
	pusher   Pusher
	queue    *audit.Queue
	logger   *zap.Logger
}

func NewCoordinator(sessions SessionStore, tokens *token.Registry, pusher Pusher, queue *audit.Queue, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		sessions: sessions,
		tokens:   tokens,
		pusher:   pusher,
		queue:    queue,
		logger:   logger,
	}
}

// Revoke executes the order. Session-targeted requests touch one session;
// operator-targeted requests sweep every non-terminal session of the
// subject. Already-revoked sessions are skipped without error.
func (c *Coordinator) Revoke(req Request) (*Result, error) {
	res := &Result{
		RevocationID: uuid.NewString(),
		Timestamp:    time.Now().UTC(),
	}

	var targets []string
	switch {
	case req.SessionID != "":
		targets = []string{req.SessionID}
	case req.OperatorDID != "":
		targets = c.sessions.SessionsByOperator(req.OperatorDID)
	default:
		return nil, ErrNoTarget
	}

	for _, sid := range targets {
		if c.revokeOne(sid, req, res.RevocationID) {
			res.AffectedSessions = append(res.AffectedSessions, sid)
		}
	}

	c.logger.Info("revocation executed",
		zap.String("revocation_id", res.RevocationID),
		zap.String("reason", req.Reason),
		zap.String("revoker", req.Revoker),
		zap.Int("affected", len(res.AffectedSessions)))
	return res, nil
}

// revokeOne commits a single session in the fixed order. Returns false
// when the session was unknown or already terminal.
func (c *Coordinator) revokeOne(sid string, req Request, revocationID string) bool {
	info, err := c.sessions.Get(sid)
	if err != nil {
		return false
	}
	if !c.sessions.MarkRevoked(sid) {
		return false
	}

	revokedTokens := c.tokens.RevokeBySession(sid)

	notified := 0
	if c.pusher != nil {
		notified = c.pusher.Revoke(sid, req.Reason)
	}

	if c.queue != nil {
		c.queue.Enqueue(audit.NewEvent(audit.EventSessionRevoked,
			info.RobotID, info.OperatorDID, sid, map[string]string{
				"revocation_id":  revocationID,
				"reason":         req.Reason,
				"revoker":        req.Revoker,
				"tokens_revoked": strconv.Itoa(revokedTokens),
				"peers_notified": strconv.Itoa(notified),
			}))
	}

	c.logger.Warn("session revoked",
		zap.String("session_id", sid),
		zap.String("reason", req.Reason),
		zap.Int("tokens_revoked", revokedTokens),
		zap.Int("peers_notified", notified))
	return true
}
