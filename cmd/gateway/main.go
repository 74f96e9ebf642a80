// Package main is the teleoperation gateway: session REST surface,
// signaling rooms, token issuance, revocation, and the audit drainer.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/robolink/teleop/internal/api"
	"github.com/robolink/teleop/internal/audit"
	"github.com/robolink/teleop/internal/circuitbreaker"
	"github.com/robolink/teleop/internal/config"
	"github.com/robolink/teleop/internal/metrics"
	"github.com/robolink/teleop/internal/policy"
	"github.com/robolink/teleop/internal/revocation"
	"github.com/robolink/teleop/internal/session"
	"github.com/robolink/teleop/internal/signaling"
	"github.com/robolink/teleop/internal/token"
)

func main() {
	configPath := flag.String("config", "gateway.yaml", "path to gateway config")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.LoadGateway(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	collectors := metrics.NewGateway()

	issuer := token.NewIssuer(cfg.Token.Issuer, newSigningKey(logger), cfg.Token.MaxTTL)
	registry := token.NewRegistry(cfg.Token.RegistryGrace)

	queue := audit.NewQueue(cfg.Audit.Capacity, cfg.Audit.CriticalWait, logger, collectors.AuditObserver())
	adapter := buildLedgerAdapter(cfg)
	drainer := audit.NewDrainer(queue, adapter, logger)
	drainer.SetDeliveredHook(collectors.AuditDelivered.Inc)

	sessions := session.NewManager(issuer, registry, queue, session.Config{
		TokenTTL:     cfg.Token.TTL,
		SignalingURL: cfg.Signaling.PublicURL,
		ICEServers:   cfg.Signaling.ICEServers,
	}, logger)

	if cfg.Policy.Path != "" {
		snapshot, err := policy.LoadFile(cfg.Policy.Path)
		if err != nil {
			logger.Fatal("load policy", zap.Error(err))
		}
		sessions.SetSnapshot(snapshot)
		logger.Info("policy loaded",
			zap.String("policy_id", snapshot.PolicyID),
			zap.Uint64("version", snapshot.Version),
			zap.String("hash", snapshot.Hash()))
	} else {
		logger.Warn("no policy configured, all session requests will be denied")
	}

	checker := &api.JoinChecker{Sessions: sessions, Registry: registry}
	rooms := signaling.NewRegistry(checker, func(sid string) {
		if err := sessions.Activate(sid); err != nil {
			logger.Warn("session activation failed", zap.String("session_id", sid), zap.Error(err))
		}
	}, logger)

	coordinator := revocation.NewCoordinator(sessions, registry, rooms, queue, logger)

	server := api.NewServer(sessions, coordinator, rooms, issuer, registry,
		collectors, cfg.Admin.APIKey, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go drainer.Run(ctx)
	go sweepRegistry(ctx, registry, cfg.Token.SweepInterval, logger)
	go observeGauges(ctx, rooms, drainer, collectors)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.Addr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}

// newSigningKey generates the gateway's Ed25519 signing key. Key
// persistence is a deployment concern; a fresh key per boot invalidates
// tokens across restarts, which is acceptable for short-lived sessions.
func newSigningKey(logger *zap.Logger) *token.SigningKey {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		logger.Fatal("generate signing key", zap.Error(err))
	}
	kid := "key-" + time.Now().UTC().Format("20060102T150405Z")
	return &token.SigningKey{KeyID: kid, Private: priv}
}

func buildLedgerAdapter(cfg *config.GatewayConfig) audit.LedgerAdapter {
	switch cfg.Audit.Adapter {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Audit.RedisAddr})
		return audit.NewRedisAdapter(client, cfg.Audit.RedisStream, 100000)
	default:
		return audit.NewHTTPAdapter(cfg.Audit.LedgerURL)
	}
}

func sweepRegistry(ctx context.Context, registry *token.Registry, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.Sweep(); n > 0 {
				logger.Debug("purged expired token entries", zap.Int("count", n))
			}
		}
	}
}

func observeGauges(ctx context.Context, rooms *signaling.Registry, drainer *audit.Drainer, collectors *metrics.Gateway) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collectors.ActiveRooms.Set(float64(rooms.RoomCount()))
			open := 0.0
			if drainer.BreakerState() != circuitbreaker.StateClosed {
				open = 1.0
			}
			collectors.AuditBreakerOpen.Set(open)
		}
	}
}
