// Package api is the gateway's HTTP surface: session REST endpoints,
// the admin revocation endpoint, the JWKS document, the signaling
// websocket upgrade, and the operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/robolink/teleop/internal/metrics"
	"github.com/robolink/teleop/internal/revocation"
	"github.com/robolink/teleop/internal/session"
	"github.com/robolink/teleop/internal/signaling"
	"github.com/robolink/teleop/internal/token"
)

// Server wires the gateway components behind the router.
type Server struct {
	sessions    *session.Manager
	coordinator *revocation.Coordinator
	signal      *signaling.Registry
	issuer      *token.Issuer
	registry    *token.Registry
	collectors  *metrics.Gateway
	adminKey    string
	logger      *zap.Logger

	httpServer *http.Server
}

func NewServer(sessions *session.Manager, coordinator *revocation.Coordinator,
	signal *signaling.Registry, issuer *token.Issuer, registry *token.Registry,
	collectors *metrics.Gateway, adminKey string, logger *zap.Logger) *Server {
	return &Server{
		sessions:    sessions,
		coordinator: coordinator,
		signal:      signal,
		issuer:      issuer,
		registry:    registry,
		collectors:  collectors,
		adminKey:    adminKey,
		logger:      logger,
	}
}

// Router builds the gateway route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/v1/sessions", s.handleCreateSession).Methods("POST")
	r.HandleFunc("/v1/sessions/{id}", s.handleGetSession).Methods("GET")
	r.HandleFunc("/v1/sessions/{id}", s.handleTerminateSession).Methods("DELETE")
	r.HandleFunc("/v1/sessions/{id}/refresh", s.handleRefreshSession).Methods("POST")
	r.HandleFunc("/v1/revocations", s.handleRevoke).Methods("POST")
	r.HandleFunc("/.well-known/jwks.json", s.handleJWKS).Methods("GET")
	r.HandleFunc("/v1/signal", s.signal.HandleWebSocket)

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("gateway listening", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string, extra map[string]string) {
	body := map[string]string{"error": code}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}
