// Package robot holds the agent's operational state machine and the
// actuator boundary behind which the hardware lives.
package robot

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrUnavailable reports that the hardware layer rejected or could not
// execute a command. Recoverable at the caller; it does not clear any
// safety state.
var ErrUnavailable = errors.New("robot_unavailable")

// Actuator is the hardware boundary. Implementations must make EStop
// halt all motion regardless of any in-flight command.
type Actuator interface {
	Drive(v, w float64) error
	Key(key, action string, modifiers []string) error
	Mouse(dx, dy, buttons, scroll int) error
	EStop() error
}

// StubActuator is the software stand-in used in development and tests.
// It records the last commands and counts e-stops.
type StubActuator struct {
	mu sync.Mutex

	logger     *zap.Logger
	available  bool
	LastV      float64
	LastW      float64
	DriveCalls int
	KeyCalls   int
	MouseCalls int
	EStopCalls int
}

func NewStubActuator(logger *zap.Logger) *StubActuator {
	return &StubActuator{logger: logger, available: true}
}

// SetAvailable toggles the simulated hardware fault.
func (s *StubActuator) SetAvailable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = ok
}

func (s *StubActuator) Drive(v, w float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return ErrUnavailable
	}
	s.LastV, s.LastW = v, w
	s.DriveCalls++
	return nil
}

func (s *StubActuator) Key(key, action string, modifiers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return ErrUnavailable
	}
	s.KeyCalls++
	return nil
}

func (s *StubActuator) Mouse(dx, dy, buttons, scroll int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return ErrUnavailable
	}
	s.MouseCalls++
	return nil
}

// EStop halts motion. The stub always succeeds even when "unavailable"
// so that simulated faults never mask the stop path.
func (s *StubActuator) EStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EStopCalls++
	s.LastV, s.LastW = 0, 0
	s.logger.Warn("actuator e-stop engaged")
	return nil
}
