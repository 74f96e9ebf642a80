package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/robolink/teleop/internal/policy"
	"github.com/robolink/teleop/internal/revocation"
	"github.com/robolink/teleop/internal/session"
	"github.com/robolink/teleop/internal/signaling"
	"github.com/robolink/teleop/internal/token"
)

type createSessionRequest struct {
	RobotID        string          `json:"robot_id"`
	OperatorDID    string          `json:"operator_did"`
	Credential     json.RawMessage `json:"vc_or_vp"`
	RequestedScope []string        `json:"requested_scope"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_credential", nil)
		return
	}

	bundle, err := s.sessions.Create(session.CreateRequest{
		RobotID:        req.RobotID,
		OperatorDID:    req.OperatorDID,
		Credential:     req.Credential,
		RequestedScope: req.RequestedScope,
	})
	if err != nil {
		var denied *session.PolicyDeniedError
		switch {
		case errors.As(err, &denied):
			if s.collectors != nil {
				s.collectors.SessionsDenied.WithLabelValues(denied.Reason).Inc()
			}
			writeError(w, http.StatusForbidden, "policy_denied", map[string]string{
				"reason":       denied.Reason,
				"matched_rule": denied.MatchedRule,
			})
		case errors.Is(err, policy.ErrInvalidCredential):
			writeError(w, http.StatusBadRequest, "invalid_credential", nil)
		case errors.Is(err, policy.ErrPolicyNotConfigured):
			writeError(w, http.StatusInternalServerError, "policy_not_configured", nil)
		case errors.Is(err, token.ErrIssuerNotConfigured):
			writeError(w, http.StatusInternalServerError, "token_generator_not_configured", nil)
		default:
			s.logger.Error("session creation failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", nil)
		}
		return
	}

	if s.collectors != nil {
		s.collectors.SessionsCreated.WithLabelValues(req.RobotID).Inc()
	}
	writeJSON(w, http.StatusCreated, bundle)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "session_not_found", nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Terminate(mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, "session_not_found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	presented := bearerToken(r)
	if presented == "" {
		writeError(w, http.StatusUnauthorized, "invalid_token", nil)
		return
	}

	bundle, err := s.sessions.Refresh(mux.Vars(r)["id"], presented)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session_not_found", nil)
		case errors.Is(err, session.ErrSessionNotActive):
			writeError(w, http.StatusConflict, "session_not_active", nil)
		case errors.Is(err, session.ErrInvalidToken):
			writeError(w, http.StatusUnauthorized, "invalid_token", nil)
		default:
			s.logger.Error("session refresh failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", nil)
		}
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	var req revocation.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}

	start := time.Now()
	result, err := s.coordinator.Revoke(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", map[string]string{
			"detail": err.Error(),
		})
		return
	}

	if s.collectors != nil {
		if len(result.AffectedSessions) > 0 {
			s.collectors.RevocationLatency.Observe(time.Since(start).Seconds())
		}
		for range result.AffectedSessions {
			s.collectors.SessionsRevoked.WithLabelValues(req.Reason).Inc()
		}
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, token.PublishKeySet(s.issuer))
}

// authorizeAdmin compares the admin key in constant time. An empty
// configured key disables the endpoint.
func (s *Server) authorizeAdmin(r *http.Request) bool {
	if s.adminKey == "" {
		return false
	}
	presented := r.Header.Get("X-Admin-API-Key")
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.adminKey)) == 1
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// JoinChecker is the signaling registry's token gate: signature and
// session binding against the gateway's own keys, then registry
// validity (which folds in session liveness).
type JoinChecker struct {
	Sessions *session.Manager
	Registry *token.Registry
}

func (c *JoinChecker) ValidateJoin(tokenString, sessionID string) error {
	claims, err := c.Sessions.VerifyToken(tokenString, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrSessionMismatch),
			errors.Is(err, session.ErrSessionNotFound):
			return signaling.ErrSessionMismatch
		default:
			return signaling.ErrInvalidToken
		}
	}
	if !c.Registry.IsValid(claims.ID) {
		return signaling.ErrTokenInvalid
	}
	return nil
}
