// Package main is the robot agent: it joins the signaling room for its
// provisioned session, answers the operator's WebRTC offer, dispatches
// control frames, and enforces the safety guarantees locally.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/robolink/teleop/internal/config"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "path to agent config")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.RobotID == "" {
		logger.Fatal("robot_id is required")
	}
	if cfg.Session.ID == "" || cfg.Session.Token == "" {
		logger.Fatal("session id and token are required to join signaling")
	}

	logger.Info("starting robot agent", zap.String("robot_id", cfg.RobotID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go serveMetrics(cfg.Metrics.Addr, logger)

	agent := newAgent(cfg, logger)
	if err := agent.run(ctx); err != nil {
		logger.Fatal("agent failed", zap.Error(err))
	}
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

func waitForSignal(ctx context.Context, done <-chan struct{}, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case <-done:
		logger.Info("signaling connection closed")
	}
}
