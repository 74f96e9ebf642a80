package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/robolink/teleop/internal/config"
	"github.com/robolink/teleop/internal/control"
	"github.com/robolink/teleop/internal/metrics"
	"github.com/robolink/teleop/internal/robot"
	"github.com/robolink/teleop/internal/safety"
	"github.com/robolink/teleop/internal/signaling"
	"github.com/robolink/teleop/internal/token"
	"github.com/robolink/teleop/internal/transport"
	"github.com/robolink/teleop/pkg/protocol"
)

// agent coordinates the robot-side components for one session run.
type agent struct {
	cfg        *config.AgentConfig
	logger     *zap.Logger
	collectors *metrics.Agent

	jwks      *token.JWKSClient
	safety    *safety.Monitor
	machine   *robot.Machine
	actuator  *robot.StubActuator
	handler   *control.Handler
	transport *transport.WebRTCTransport
	signaling *signaling.Client

	active   atomic.Bool
	tokenExp atomic.Int64 // unix seconds, 0 when unauthorized
}

func newAgent(cfg *config.AgentConfig, logger *zap.Logger) *agent {
	return &agent{
		cfg:        cfg,
		logger:     logger,
		collectors: metrics.NewAgent(),
	}
}

func (a *agent) run(ctx context.Context) error {
	a.initComponents(ctx)

	go func() {
		if err := a.signaling.Connect(ctx); err != nil {
			a.logger.Error("signaling connection failed", zap.Error(err))
		}
	}()

	go a.runSafetyTicker(ctx)
	go a.runExpiryWatch(ctx)

	waitForSignal(ctx, a.signaling.Done(), a.logger)
	return a.shutdown()
}

func (a *agent) initComponents(ctx context.Context) {
	a.jwks = token.NewJWKSClient(a.cfg.Gateway.JWKSURL, a.cfg.Gateway.JWKSStale)
	if err := a.jwks.Refresh(ctx); err != nil {
		a.logger.Warn("initial JWKS fetch failed", zap.Error(err))
	}

	a.machine = robot.NewMachine(a.logger)
	a.machine.Subscribe(func(tr robot.Transition) {
		a.logger.Info("robot state",
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
			zap.String("event", string(tr.Event)))
	})

	a.safety = safety.NewMonitor(safety.Config{
		ControlLossTimeout: a.cfg.Safety.ControlLossTimeout,
		InvalidThreshold:   a.cfg.Safety.InvalidThreshold,
		InvalidWindow:      a.cfg.Safety.InvalidWindow,
	}, a.onSafeStop, a.logger)

	a.actuator = robot.NewStubActuator(a.logger)

	limiter := control.NewRateLimiter(control.RateConfig{
		Hz:    a.cfg.Control.RateHz,
		Burst: a.cfg.Control.RateBurst,
	}, nil)
	a.handler = control.NewHandler(a.actuator, a.safety, limiter, a, a,
		a.cfg.Control.StaleThreshold, a.logger)

	a.transport = transport.NewWebRTCTransport(transport.Config{
		ICEServers: a.cfg.Transport.ICEServers,
	}, a.logger)

	a.signaling = signaling.NewClient(a.cfg.Gateway.SignalURL, a.cfg.Session.ID,
		protocol.RoleRobot, a.cfg.Session.Token, a, a.logger)

	a.logger.Info("components initialized")
}

// IsActive is the dispatcher's session gate.
func (a *agent) IsActive() bool { return a.active.Load() }

// Authorize validates the auth-frame token against the gateway's
// published keys. An unknown key id triggers one bounded JWKS refresh.
func (a *agent) Authorize(sessionID, tokenString string) ([]string, error) {
	if sessionID != a.cfg.Session.ID {
		return nil, token.ErrSessionMismatch
	}

	verifier := token.NewVerifier(a.jwks.KeySet(), a.cfg.RobotID)
	claims, err := verifier.Verify(tokenString, sessionID)
	if errors.Is(err, token.ErrUnknownKeyID) {
		if rerr := a.jwks.RefreshIfStale(context.Background()); rerr == nil {
			claims, err = verifier.Verify(tokenString, sessionID)
		}
	}
	if err != nil {
		return nil, err
	}

	if claims.ExpiresAt != nil {
		a.tokenExp.Store(claims.ExpiresAt.Unix())
	}
	return claims.Scope, nil
}

// OnOffer answers the operator's SDP offer; the robot is always the
// answerer.
func (a *agent) OnOffer(sessionID string, sdp []byte) {
	a.logger.Info("received offer", zap.String("session_id", sessionID))

	if err := a.transport.CreatePeerConnection(); err != nil {
		a.logger.Error("failed to create peer connection", zap.Error(err))
		return
	}

	a.transport.SetICECallback(func(candidate []byte) {
		if err := a.signaling.SendICE(sessionID, candidate); err != nil {
			a.logger.Warn("failed to send ICE candidate", zap.Error(err))
		}
	})

	a.transport.SetDataHandler(a.onDataMessage)

	a.transport.SetStateCallback(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			a.activate()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			a.active.Store(false)
		}
	})

	answer, err := a.transport.HandleOffer(sdp)
	if err != nil {
		a.logger.Error("failed to handle offer", zap.Error(err))
		return
	}
	if err := a.signaling.SendAnswer(sessionID, answer); err != nil {
		a.logger.Error("failed to send answer", zap.Error(err))
	}
}

// OnAnswer should never arrive at the answerer.
func (a *agent) OnAnswer(sessionID string, sdp []byte) {
	a.logger.Warn("unexpected answer received", zap.String("session_id", sessionID))
}

func (a *agent) OnICE(sessionID string, candidate []byte) {
	if err := a.transport.AddICECandidate(candidate); err != nil {
		a.logger.Warn("failed to add ICE candidate", zap.Error(err))
	}
}

// OnRevoked tears down authority immediately: transport first so no
// further frames arrive, then the latched safe-stop.
func (a *agent) OnRevoked(sessionID, reason string) {
	a.logger.Warn("session revoked",
		zap.String("session_id", sessionID),
		zap.String("reason", reason))

	a.active.Store(false)
	a.transport.Close()
	a.safety.OnRevoked()
}

func (a *agent) OnSessionState(sessionID, state string) {
	a.logger.Info("session state",
		zap.String("session_id", sessionID),
		zap.String("state", state))
}

func (a *agent) activate() {
	a.active.Store(true)
	a.safety.Reset()
	if _, err := a.machine.Fire(robot.EventAuthorized); err != nil {
		a.logger.Warn("activation transition rejected", zap.Error(err))
	}
	a.logger.Info("control path active", zap.String("session_id", a.cfg.Session.ID))
}

func (a *agent) onDataMessage(data []byte) {
	ack, err := a.handler.HandleMessage(data)
	if err != nil {
		a.recordRejection(data, err)
		a.logger.Debug("message rejected", zap.Error(err))
	} else if typ, perr := protocol.PeekType(data); perr == nil {
		a.collectors.CommandsDispatched.WithLabelValues(typ).Inc()
	}

	if ack == nil {
		return
	}
	ackData, err := json.Marshal(ack)
	if err != nil {
		a.logger.Error("failed to marshal ack", zap.Error(err))
		return
	}
	if err := a.transport.SendData(ackData); err != nil {
		a.logger.Warn("failed to send ack", zap.Error(err))
	}
}

func (a *agent) recordRejection(data []byte, err error) {
	typ, perr := protocol.PeekType(data)
	if perr != nil {
		typ = "unknown"
	}
	a.collectors.CommandsRejected.WithLabelValues(typ, err.Error()).Inc()
}

// onSafeStop is the safety monitor's latched callback. It runs inside
// the monitor's critical section, so everything here must stay cheap.
func (a *agent) onSafeStop(trigger safety.Trigger) {
	start := time.Now()

	var haltErr error
	// The e-stop dispatch path already actuated the stop.
	if trigger != safety.TriggerEStop {
		haltErr = a.actuator.EStop()
	}

	if _, err := a.machine.Fire(triggerEvent(trigger)); err != nil {
		a.logger.Debug("safe-stop transition rejected", zap.Error(err))
	}

	a.collectors.SafeStops.WithLabelValues(string(trigger)).Inc()
	if trigger == safety.TriggerControlLoss {
		a.collectors.ControlLossEpisodes.Inc()
	}

	a.sendStateNotification(haltErr)
	a.collectors.SafeStopLatency.Observe(time.Since(start).Seconds())
}

func triggerEvent(t safety.Trigger) robot.Event {
	switch t {
	case safety.TriggerEStop:
		return robot.EventEStop
	case safety.TriggerSessionRevoked:
		return robot.EventRevoked
	case safety.TriggerTokenExpired:
		return robot.EventTokenExpired
	case safety.TriggerInvalidCommands:
		return robot.EventInvalidThreshold
	default:
		return robot.EventControlLoss
	}
}

func (a *agent) sendStateNotification(haltErr error) {
	robotState := protocol.RobotStateSafeStop
	sessionState := "safe_stop"
	if haltErr != nil {
		robotState = protocol.RobotStateSafeStopFailed
		sessionState = "safe_stop_failed"
	}

	data, err := json.Marshal(protocol.StateMessage{
		Type:         protocol.TypeState,
		RobotState:   robotState,
		SessionState: sessionState,
		T:            time.Now().UnixMilli(),
	})
	if err != nil {
		a.logger.Error("failed to marshal state message", zap.Error(err))
		return
	}
	if err := a.transport.SendData(data); err != nil {
		a.logger.Warn("failed to send safe-stop state", zap.Error(err))
	}
}

func (a *agent) runSafetyTicker(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Safety.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.IsActive() {
				a.safety.CheckControlLoss()
			}
		}
	}
}

// runExpiryWatch fires a token-expiry safe-stop when the authorized
// token lapses without a refresh. The verifier independently rejects
// expired tokens on the next auth frame.
func (a *agent) runExpiryWatch(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exp := a.tokenExp.Load()
			if exp == 0 || !a.IsActive() {
				continue
			}
			if time.Now().Unix() >= exp {
				a.tokenExp.Store(0)
				a.safety.OnTokenExpired()
			}
		}
	}
}

func (a *agent) shutdown() error {
	if err := a.signaling.Leave(); err != nil {
		a.logger.Debug("leave failed", zap.Error(err))
	}
	a.transport.Close()
	a.logger.Info("robot agent stopped")
	return nil
}
