// Package safety aggregates the robot's safety triggers and fires a
// single latched safe-stop callback. All methods hold one mutex for a
// short critical section; the callback runs synchronously inside it so
// trigger-to-callback latency is bounded by the callback's own cost.
package safety

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Trigger identifies the cause of a safe-stop.
type Trigger string

const (
	TriggerEStop           Trigger = "e_stop"
	TriggerSessionRevoked  Trigger = "revoked"
	TriggerTokenExpired    Trigger = "token_expired"
	TriggerControlLoss     Trigger = "control_loss"
	TriggerInvalidCommands Trigger = "invalid_commands"
)

// Priority orders triggers, lower is more severe.
func (t Trigger) Priority() int {
	switch t {
	case TriggerEStop:
		return 1
	case TriggerSessionRevoked, TriggerTokenExpired:
		return 2
	default:
		return 3
	}
}

// IsRecoverable reports whether valid control can un-latch the stop.
// Only control loss recovers; everything else holds until session reset.
func (t Trigger) IsRecoverable() bool {
	return t == TriggerControlLoss
}

const (
	DefaultControlLossTimeout = 500 * time.Millisecond
	DefaultInvalidThreshold   = 5
)

// Config tunes the monitor. InvalidWindow of zero disables the sliding
// window so the invalid counter only resets on valid control.
type Config struct {
	ControlLossTimeout time.Duration
	InvalidThreshold   int
	InvalidWindow      time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ControlLossTimeout <= 0 {
		out.ControlLossTimeout = DefaultControlLossTimeout
	}
	if out.InvalidThreshold <= 0 {
		out.InvalidThreshold = DefaultInvalidThreshold
	}
	return out
}

// Callback receives the firing trigger. It runs under the monitor lock;
// expensive work must be offloaded by the callback itself.
type Callback func(Trigger)

// Monitor tracks control liveness, the invalid-command counter, and the
// safe-stop latch for one session run.
type Monitor struct {
	cfg      Config
	callback Callback
	logger   *zap.Logger

	mu           sync.Mutex
	lastControl  time.Time
	invalidCount int
	firstInvalid time.Time
	stopped      bool
	trigger      Trigger
}

func NewMonitor(cfg Config, callback Callback, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:         cfg.withDefaults(),
		callback:    callback,
		logger:      logger,
		lastControl: time.Now(),
	}
}

// OnValidControl records liveness, clears the invalid counter, and
// un-latches a recoverable control-loss stop.
func (m *Monitor) OnValidControl() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastControl = time.Now()
	m.invalidCount = 0
	m.firstInvalid = time.Time{}
	if m.stopped && m.trigger.IsRecoverable() {
		m.stopped = false
		m.trigger = ""
		m.logger.Info("control recovered, safe-stop un-latched")
	}
}

// OnInvalidCommand counts a rejected command, windowed when configured,
// and fires on reaching the threshold.
func (m *Monitor) OnInvalidCommand() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.cfg.InvalidWindow > 0 && !m.firstInvalid.IsZero() &&
		now.Sub(m.firstInvalid) > m.cfg.InvalidWindow {
		m.invalidCount = 0
		m.firstInvalid = time.Time{}
	}
	if m.invalidCount == 0 {
		m.firstInvalid = now
	}
	m.invalidCount++
	if m.invalidCount >= m.cfg.InvalidThreshold {
		m.fireLocked(TriggerInvalidCommands)
	}
}

// InvalidCount exposes the current counter, for tests and metrics.
func (m *Monitor) InvalidCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidCount
}

// OnEStop fires the highest-priority stop.
func (m *Monitor) OnEStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fireLocked(TriggerEStop)
}

// OnTokenExpired fires a terminal stop for credential expiry.
func (m *Monitor) OnTokenExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fireLocked(TriggerTokenExpired)
}

// OnRevoked fires a terminal stop for session revocation.
func (m *Monitor) OnRevoked() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fireLocked(TriggerSessionRevoked)
}

// CheckControlLoss is driven by the agent's periodic ticker. Entering
// control loss fires the one recoverable stop.
func (m *Monitor) CheckControlLoss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if time.Since(m.lastControl) > m.cfg.ControlLossTimeout {
		m.fireLocked(TriggerControlLoss)
	}
}

// Stopped reports the latch and its trigger.
func (m *Monitor) Stopped() (bool, Trigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped, m.trigger
}

// Reset restores clean state for a new session run.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastControl = time.Now()
	m.invalidCount = 0
	m.firstInvalid = time.Time{}
	m.stopped = false
	m.trigger = ""
}

// fireLocked latches and invokes the callback. The first trigger to take
// the lock wins; a terminal trigger arriving while latched on a
// recoverable one upgrades the recorded trigger without re-firing.
func (m *Monitor) fireLocked(t Trigger) {
	if m.stopped {
		if t.Priority() < m.trigger.Priority() {
			m.trigger = t
		}
		return
	}
	m.stopped = true
	m.trigger = t
	m.logger.Warn("safe-stop fired", zap.String("trigger", string(t)))
	if m.callback != nil {
		m.callback(t)
	}
}
